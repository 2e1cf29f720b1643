package dispatch

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"

	"sitehost/internal/site"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// Warm requests every page listed in the site's sitemap through the
// controller, so the cacheable ones are stored before the first visitor
// asks. Nested sitemap indexes are followed; they are read from the content
// root, not fetched.
func (c *Controller) Warm(ctx context.Context, s *site.Site) (warmed, skipped int, err error) {
	cfg := s.Config()
	if cfg.Warmup.Sitemap == "" || len(cfg.Hosts) == 0 {
		return 0, 0, nil
	}
	host := cfg.Hosts[0]

	seen := map[string]struct{}{}
	queue := []string{cfg.Warmup.Sitemap}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return warmed, skipped, errors.Wrap(err, errors.CodeTimeout, "warmup interrupted")
		}
		file := queue[0]
		queue = queue[1:]
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}

		doc, err := readSitemap(s, file)
		if err != nil {
			return warmed, skipped, err
		}
		for _, nested := range doc.Sitemaps {
			if p := locPath(nested); p != "" {
				queue = append(queue, p)
			}
		}
		for _, loc := range doc.URLs {
			p := locPath(loc)
			if p == "" {
				skipped++
				continue
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+p, nil)
			if err != nil {
				skipped++
				continue
			}
			rec := newRecorder()
			c.ServeHTTP(rec, req)
			if rec.response().Status == http.StatusOK {
				warmed++
			} else {
				skipped++
			}
		}
		s.Logger().Debug().Str("sitemap", file).Int("urls", len(doc.URLs)).Msg("sitemap warmed")
	}
	return warmed, skipped, nil
}

func readSitemap(s *site.Site, file string) (sitemapDoc, error) {
	body, err := readFile(s.FS(), file)
	if err != nil {
		return sitemapDoc{}, errors.WithContext(err, "sitemap", file)
	}
	if strings.HasSuffix(strings.ToLower(file), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.WithContext(errors.Wrap(err, errors.CodeInvalidInput, "parse sitemap"), "sitemap", file)
	}
	return doc, nil
}

// locPath reduces a sitemap <loc> to a site-local path, keeping the query.
func locPath(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	p := u.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
