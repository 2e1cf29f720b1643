// Package server assembles the site registry, the cluster bus and the HTTP
// router into a runnable process.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"sitehost/internal/cluster"
	"sitehost/internal/config"
	"sitehost/internal/dispatch"
	"sitehost/internal/site"
	"sitehost/internal/version"
)

type Server struct {
	cfg      config.Config
	store    site.Store
	bus      cluster.Bus
	registry *site.Registry
	handler  http.Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the site store and the cluster bus configured in cfg.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	store, err := site.OpenLevelStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	var bus cluster.Bus = cluster.Nop{}
	if v := cfg.Cluster.Valkey; v.Address != "" {
		vb, err := cluster.NewValkeyBus(ctx, cluster.ValkeyOptions{
			Address:  v.Address,
			Password: v.Password,
			Channel:  v.Channel,
			NodeID:   cfg.Server.NodeID,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		bus = vb
	}

	s, err := NewWithDeps(cfg, store, bus)
	if err != nil {
		bus.Close()
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDeps builds a server on an already opened store and bus and
// registers the configured sites. Sites are not started.
func NewWithDeps(cfg config.Config, store site.Store, bus cluster.Bus) (*Server, error) {
	var ctl *dispatch.Controller
	reg := site.NewRegistry(store, site.Options{
		NodeID:     cfg.Server.NodeID,
		Publisher:  bus,
		StatsEvery: cfg.Logging.StatsEveryDur,
		OnStarted:  func(st *site.Site) { go warm(ctl, st) },
	})
	n, err := reg.Load(cfg.Sites)
	if err != nil {
		return nil, err
	}
	log.Info().Int("sites", n).Str("node", cfg.Server.NodeID).Msg("sites registered")

	ctl = dispatch.NewController(reg, dispatch.Options{NodeID: cfg.Server.NodeID})
	s := &Server{cfg: cfg, store: store, bus: bus, registry: reg}
	s.handler = s.routes(ctl)
	return s, nil
}

func warm(ctl *dispatch.Controller, st *site.Site) {
	if st.Config().Warmup.Sitemap == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	logger := st.Logger()
	warmed, skipped, err := ctl.Warm(ctx, st)
	if err != nil {
		logger.Warn().Err(err).Int("warmed", warmed).Msg("cache warmup incomplete")
		return
	}
	logger.Info().Int("warmed", warmed).Int("skipped", skipped).Msg("cache warmed from sitemap")
}

func (s *Server) routes(ctl http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, took time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("reqId", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("host", r.Host).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("took", took).
			Msg("request")
	}))

	r.Get("/-/healthz", s.healthz)
	r.Handle("/*", ctl)
	return r
}

type siteHealth struct {
	Name     string     `json:"name"`
	State    site.State `json:"state"`
	InFlight int64      `json:"inFlight"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	sites := s.registry.Sites()
	out := struct {
		Node    string       `json:"node"`
		Version string       `json:"version"`
		Sites   []siteHealth `json:"sites"`
	}{Node: s.cfg.Server.NodeID, Version: version.Version, Sites: make([]siteHealth, 0, len(sites))}
	for _, st := range sites {
		out.Sites = append(out.Sites, siteHealth{Name: st.Name(), State: st.State(), InFlight: st.Lifecycle().InFlight()})
	}
	render.JSON(w, r, out)
}

func (s *Server) Handler() http.Handler     { return s.handler }
func (s *Server) Registry() *site.Registry { return s.registry }

// Start subscribes to peer events and starts every enabled site in the
// background.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.bus.Subscribe(ctx, s.registry.HandleClusterEvent); err != nil {
			log.Error().Err(err).Msg("cluster subscription ended")
		}
	}()
	s.registry.StartAll()
}

// Close stops every site, draining in-flight requests within ctx, then
// releases the bus and the store.
func (s *Server) Close(ctx context.Context) error {
	s.registry.StopAll(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.bus.Close()
	return s.store.Close()
}
