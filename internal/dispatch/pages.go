package dispatch

import (
	"fmt"
	"html"
	"net/http"
	"strconv"

	"sitehost/internal/site"
)

const retryAfterSeconds = 5

const pageTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8">%s<title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body></html>
`

func builtinPage(title, message string, refresh bool) []byte {
	meta := ""
	if refresh {
		meta = fmt.Sprintf(`<meta http-equiv="refresh" content="%d">`, retryAfterSeconds)
	}
	t := html.EscapeString(title)
	return []byte(fmt.Sprintf(pageTemplate, meta, t, t, html.EscapeString(message)))
}

// sitePage reads a configured page from the content root, falling back to
// the built-in one when unset or unreadable.
func sitePage(s *site.Site, file string, status int, fallback func() []byte) *Response {
	body := []byte(nil)
	if file != "" {
		b, err := readFile(s.FS(), file)
		if err != nil {
			s.Logger().Warn().Err(err).Str("page", file).Msg("configured page unavailable, using built-in")
		} else {
			body = b
		}
	}
	if body == nil {
		body = fallback()
	}
	resp := newResponse(status, "text/html; charset=utf-8", body)
	resp.Header.Set("Cache-Control", "no-store")
	return resp
}

// LoadingPage is served while a site is STARTING.
func LoadingPage(s *site.Site) *Response {
	resp := sitePage(s, s.Config().LoadingPage, http.StatusServiceUnavailable, func() []byte {
		return builtinPage("Starting", "This site is starting up and will be available in a moment.", true)
	})
	resp.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	return resp
}

// MaintenancePage is served while a site is not serving content.
func MaintenancePage(s *site.Site) *Response {
	return sitePage(s, s.Config().MaintenancePage, http.StatusServiceUnavailable, func() []byte {
		return builtinPage("Maintenance", "This site is currently unavailable.", false)
	})
}

// ErrorPage renders status using the page configured for it, if any.
func ErrorPage(s *site.Site, status int) *Response {
	return sitePage(s, s.Config().ErrorPages[status], status, func() []byte {
		return builtinPage(strconv.Itoa(status)+" "+http.StatusText(status), http.StatusText(status), false)
	})
}
