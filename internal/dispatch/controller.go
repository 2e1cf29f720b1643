package dispatch

import (
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/juju/ratelimit"

	"sitehost/internal/cache"
	"sitehost/internal/site"
	"sitehost/internal/version"
)

const (
	CacheHeader       = "X-Sitehost-Cache"
	exposeHeadersName = "Access-Control-Expose-Headers"
)

// Resolver finds the site serving a request host.
type Resolver interface {
	Resolve(host string) (*site.Site, bool)
}

type Options struct {
	NodeID     string
	Static     Handler
	Dynamic    Handler
	Service    Handler
	Monitoring Handler
}

// Controller is the entry point of every site request: it gates on the site
// lifecycle, answers from the cache when it can and otherwise routes to
// exactly one content handler.
type Controller struct {
	sites    Resolver
	nodeID   string
	handlers [Malformed]Handler
	now      func() time.Time
}

func NewController(sites Resolver, opts Options) *Controller {
	c := &Controller{sites: sites, nodeID: opts.NodeID, now: time.Now}
	c.handlers[Static] = orDefault(opts.Static, StaticHandler{})
	c.handlers[Dynamic] = orDefault(opts.Dynamic, DynamicHandler{})
	c.handlers[Service] = orDefault(opts.Service, NewServiceHandler())
	c.handlers[Monitoring] = orDefault(opts.Monitoring, NewMonitoringHandler())
	return c
}

func orDefault(h, def Handler) Handler {
	if h == nil {
		return def
	}
	return h
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, ok := c.sites.Resolve(r.Host)
	if !ok {
		http.Error(w, "no site for host", http.StatusNotFound)
		return
	}

	// The site reference is held for the whole request, so a request that
	// passed the gate completes even if the site starts stopping.
	switch st := s.State(); {
	case st == site.Starting:
		c.write(w, r, s, LoadingPage(s), "bypass")
		return
	case !st.Serving():
		c.write(w, r, s, MaintenancePage(s), "bypass")
		return
	}
	if !s.Lifecycle().Enter() {
		c.write(w, r, s, MaintenancePage(s), "bypass")
		return
	}
	defer s.Lifecycle().Exit()

	c.touchSession(s, r)
	c.serve(w, r, s)
}

func (c *Controller) touchSession(s *site.Site, r *http.Request) {
	if ck, err := r.Cookie(s.Config().Session.Cookie); err == nil {
		s.Sessions().Touch(ck.Value)
	}
}

func (c *Controller) serve(w http.ResponseWriter, r *http.Request, s *site.Site) {
	cfg := s.Config()
	kind := Classify(r.URL.Path, &cfg)
	if kind == Malformed {
		c.fail(w, r, s, r.URL.Path, errors.New(errors.CodeInvalidInput, "malformed request path"))
		return
	}
	req := &Request{Request: r, Site: s, Path: cache.NormalizePath(r.URL.Path)}

	useCache := kind.Cacheable() && cfg.Cache.IsEnabled() &&
		(r.Method == http.MethodGet || r.Method == http.MethodHead)
	key := cache.KeyFor(r)
	if useCache {
		if e, ok := s.Cache().Get(key); ok {
			c.write(w, r, s, &Response{Status: e.Status, Header: e.Header, Body: e.Body}, "hit")
			return
		}
	}

	resp, err := c.invoke(c.handlers[kind], req)
	if err != nil {
		c.fail(w, r, s, req.Path, err)
		return
	}

	state := "bypass"
	if useCache {
		state = "miss"
		if storable(resp, cfg.Cache.MaxEntryBytes) {
			s.Cache().Put(key, cache.NewEntry(resp.Status, resp.Header, resp.Body, cfg.Cache.TTLDur, c.now()))
		}
	}
	c.write(w, r, s, resp, state)
}

// invoke runs a handler, turning a panic into a CodeInternal error.
func (c *Controller) invoke(h Handler, req *Request) (resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.WithContext(
				errors.Newf(errors.CodeInternal, "handler panic: %v", v),
				"stack", string(debug.Stack()))
		}
	}()
	resp, err = h.Handle(req)
	if err == nil && resp == nil {
		err = errors.New(errors.CodeInternal, "handler returned no response")
	}
	return resp, err
}

func (c *Controller) fail(w http.ResponseWriter, r *http.Request, s *site.Site, path string, err error) {
	status := StatusFor(err)
	ev := s.Logger().Debug()
	if status >= http.StatusInternalServerError {
		ev = s.Logger().Error()
	}
	ev.Err(err).Str("path", path).Int("status", status).Msg("request failed")
	c.write(w, r, s, ErrorPage(s, status), "bypass")
}

// StatusFor maps an error code to the HTTP status answered for it.
func StatusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeConflict, errors.CodeAlreadyExists:
		return http.StatusConflict
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func storable(resp *Response, maxBytes int64) bool {
	if resp.Status != http.StatusOK {
		return false
	}
	if maxBytes > 0 && int64(len(resp.Body)) > maxBytes {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	for _, d := range []string{"no-store", "no-cache", "private"} {
		if strings.Contains(cc, d) {
			return false
		}
	}
	return true
}

func (c *Controller) write(w http.ResponseWriter, r *http.Request, s *site.Site, resp *Response, cacheState string) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Set(CacheHeader, cacheState)
	ensureExposedHeader(h, CacheHeader)
	if s.Config().DebugHeaders {
		h.Set("X-Node-Id", c.nodeID)
		h.Set("X-Platform-Version", version.Version)
		h.Set("X-Site-Name", s.Name())
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}

	var out io.Writer = w
	if b := s.Bucket(); b != nil {
		out = ratelimit.Writer(w, b)
	}
	n, err := out.Write(resp.Body)
	if err != nil {
		s.Logger().Debug().Err(err).Str("path", r.URL.Path).Msg("client went away")
		return
	}
	if cacheState != "bypass" {
		s.Sizes().Observe(n)
	}
}

func ensureExposedHeader(h http.Header, name string) {
	cur := h.Values(exposeHeadersName)
	if len(cur) == 0 {
		h.Set(exposeHeadersName, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(exposeHeadersName, fmt.Sprintf("%s, %s", strings.TrimSpace(merged), name))
}
