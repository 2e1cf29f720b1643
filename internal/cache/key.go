package cache

import (
	"net/http"
	"path"
	"strings"
)

// Key identifies one cached response: method, normalized path and the
// optional raw query string.
type Key struct {
	Method string
	Path   string
	Query  string
}

// KeyFor builds the key of a request. HEAD requests share the GET entry.
func KeyFor(r *http.Request) Key {
	m := strings.ToUpper(r.Method)
	if m == http.MethodHead {
		m = http.MethodGet
	}
	return Key{Method: m, Path: NormalizePath(r.URL.Path), Query: r.URL.RawQuery}
}

// String renders the key as {METHOD}{path}[?{query}].
func (k Key) String() string {
	if k.Query == "" {
		return k.Method + k.Path
	}
	return k.Method + k.Path + "?" + k.Query
}

// NormalizePath cleans a request path, keeping a trailing slash.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if clean != "/" && strings.HasSuffix(p, "/") {
		clean += "/"
	}
	return clean
}
