package dispatch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jmgilman/go/errors"

	"sitehost/internal/cache"
	"sitehost/internal/site"
)

type siteCtxKey struct{}

func siteFrom(r *http.Request) *site.Site { return r.Context().Value(siteCtxKey{}).(*site.Site) }

// routed adapts a chi router mounted under prefix to the Handler interface.
type routed struct {
	prefix func(*site.Site) string
	mux    chi.Router
}

func (h *routed) Handle(req *Request) (*Response, error) {
	sub := strings.TrimPrefix(req.Path, strings.TrimSuffix(h.prefix(req.Site), "/"))
	if sub == "" {
		sub = "/"
	}
	// Fresh routing context: the request may already carry the outer router's.
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, chi.NewRouteContext())
	r := req.Request.Clone(context.WithValue(ctx, siteCtxKey{}, req.Site))
	r.URL.Path = sub
	r.URL.RawPath = ""

	rec := newRecorder()
	h.mux.ServeHTTP(rec, r)
	return rec.response(), nil
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, StatusFor(err))
	render.JSON(w, r, errors.ToJSON(err))
}

func newRouter() chi.Router {
	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		renderError(w, r, errors.Newf(errors.CodeNotFound, "no endpoint %s", r.URL.Path))
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusMethodNotAllowed)
		render.JSON(w, r, errors.ToJSON(errors.Newf(errors.CodeInvalidInput, "method %s not allowed", r.Method)))
	})
	return mux
}

// NewServiceHandler serves the administrative endpoints under the site's
// service prefix. Responses are JSON and never cached.
func NewServiceHandler() Handler {
	mux := newRouter()
	mux.Get("/cache", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, siteFrom(r).Cache().Stats())
	})
	mux.Post("/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		s := siteFrom(r)
		n := s.ClearCache()
		s.Logger().Info().Int("evicted", n).Msg("cache cleared by operator")
		render.JSON(w, r, map[string]int{"evicted": n})
	})
	mux.Post("/cache/evict", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			renderError(w, r, errors.New(errors.CodeInvalidInput, "prefix is required"))
			return
		}
		s := siteFrom(r)
		prefix = cache.NormalizePath(prefix)
		n := s.Invalidate(prefix)
		s.Logger().Info().Str("prefix", prefix).Int("evicted", n).Msg("cache evicted by operator")
		render.JSON(w, r, map[string]any{"prefix": prefix, "evicted": n})
	})
	mux.Get("/rewrite", func(w http.ResponseWriter, r *http.Request) {
		s := siteFrom(r)
		render.JSON(w, r, struct {
			RebuiltAt time.Time           `json:"rebuiltAt"`
			Aliases   map[string][]string `json:"aliases"`
		}{s.RulesRebuiltAt(), s.Rules().Map()})
	})
	mux.Post("/session/expire", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			renderError(w, r, errors.New(errors.CodeInvalidInput, "id is required"))
			return
		}
		render.JSON(w, r, map[string]bool{"expired": siteFrom(r).Sessions().Expire(id)})
	})
	mux.Post("/lifecycle/{action}", func(w http.ResponseWriter, r *http.Request) {
		s := siteFrom(r)
		var err error
		switch action := chi.URLParam(r, "action"); action {
		case "standby":
			err = s.Standby()
		case "resume":
			err = s.Resume()
		default:
			err = errors.Newf(errors.CodeInvalidInput, "unknown lifecycle action %q", action)
		}
		if err != nil {
			renderError(w, r, err)
			return
		}
		s.Logger().Info().Stringer("state", s.State()).Msg("lifecycle changed by operator")
		render.JSON(w, r, map[string]site.State{"state": s.State()})
	})
	return &routed{prefix: func(s *site.Site) string { return s.Config().ServicePrefix }, mux: mux}
}
