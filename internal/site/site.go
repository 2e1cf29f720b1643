// Package site holds the per-tenant context shared by the request dispatcher
// and the repository watcher, and the registry that resolves hosts to it.
package site

import (
	"context"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sitehost/internal/cache"
	"sitehost/internal/cluster"
	"sitehost/internal/config"
	"sitehost/internal/rewrite"
	"sitehost/internal/watcher"
)

type Options struct {
	NodeID     string
	Publisher  cluster.Publisher
	StatsEvery time.Duration
	// FS opens the content root; osfs when nil.
	FS func(root string) billy.Filesystem
	// OnStarted runs after every transition to STARTED from Start.
	OnStarted func(*Site)
}

// Site is one tenant: its definition, lifecycle, response cache, rewrite
// index and the background loops that maintain them.
type Site struct {
	cfg  config.Site
	opts Options

	lc       *Lifecycle
	store    *cache.Store
	rules    *rewrite.Holder
	fs       billy.Filesystem
	sizes    *cache.SizeStats
	sessions *Sessions
	bucket   *ratelimit.Bucket
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *watcher.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a site in the STOPPED state.
func New(cfg config.Site, opts Options) *Site {
	return newSite(cfg, opts, Stopped)
}

func newSite(cfg config.Site, opts Options, initial State) *Site {
	open := opts.FS
	if open == nil {
		open = func(root string) billy.Filesystem { return osfs.New(root) }
	}
	s := &Site{
		cfg:      cfg,
		opts:     opts,
		lc:       newLifecycle(initial),
		store:    cache.NewStore(),
		rules:    rewrite.NewHolder(nil),
		fs:       open(cfg.ContentRoot),
		sizes:    cache.NewSizeStats(),
		sessions: NewSessions(cfg.Name, opts.NodeID, cfg.Session.TTLDur, cfg.Session.MaxSessions, opts.Publisher),
		logger:   log.With().Str("site", cfg.Name).Logger(),
	}
	if cfg.BandwidthLimit > 0 {
		rate := float64(cfg.BandwidthLimit) * 1024 * 1024
		s.bucket = ratelimit.NewBucketWithRate(rate, int64(rate))
	}
	return s
}

func (s *Site) Name() string              { return s.cfg.Name }
func (s *Site) Config() config.Site       { return s.cfg }
func (s *Site) State() State              { return s.lc.State() }
func (s *Site) Lifecycle() *Lifecycle     { return s.lc }
func (s *Site) Cache() *cache.Store       { return s.store }
func (s *Site) Rules() *rewrite.Index     { return s.rules.Load() }
func (s *Site) RulesRebuiltAt() time.Time { return s.rules.RebuiltAt() }
func (s *Site) FS() billy.Filesystem      { return s.fs }
func (s *Site) Sizes() *cache.SizeStats   { return s.sizes }
func (s *Site) Sessions() *Sessions       { return s.sessions }
func (s *Site) Logger() *zerolog.Logger   { return &s.logger }

// Bucket is the outbound bandwidth limiter, nil when unlimited.
func (s *Site) Bucket() *ratelimit.Bucket { return s.bucket }

// Start brings the site from STOPPED or INACTIVE through STARTING to
// STARTED: it loads the rewrite index, registers the watcher and starts the
// background loops.
func (s *Site) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lc.Transition(Starting); err != nil {
		return err
	}
	began := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	w, err := watcher.New(watcher.Config{
		Site:             s.cfg.Name,
		ContentRoot:      s.cfg.ContentRoot,
		WatchDirs:        s.cfg.WatchDirs,
		RewriteConfig:    s.cfg.RewriteConfig,
		SourceSuffix:     s.cfg.SourceSuffix(),
		DynamicExtension: s.cfg.DynamicExtension,
	}, s.store, s.rules)
	if err != nil {
		s.logger.Error().Err(err).Msg("repository watcher unavailable, cache will only expire by ttl")
		s.loadRules()
	} else {
		s.watcher = w
		s.goBackground(func() {
			if err := w.Run(ctx); err != nil {
				s.logger.Error().Err(err).Msg("repository watcher stopped")
			}
		})
	}

	if d := s.cfg.Cache.SweepDur; d > 0 {
		s.goBackground(func() { s.sweepLoop(ctx, d) })
	}
	if s.opts.StatsEvery > 0 {
		s.goBackground(func() { s.statsLoop(ctx, s.opts.StatsEvery) })
	}
	s.sessions.Start()

	// A request that outlived the last drain may have stored a response
	// after Stop cleared the cache.
	s.store.Clear()

	if _, err := s.lc.Transition(Started); err != nil {
		return err
	}
	s.logger.Info().Dur("took", time.Since(began)).Int("aliases", s.rules.Load().Len()).Msg("site started")
	if s.opts.OnStarted != nil {
		s.opts.OnStarted(s)
	}
	return nil
}

func (s *Site) loadRules() {
	if s.cfg.RewriteConfig == "" {
		s.rules.Store(rewrite.Empty())
		return
	}
	ix, err := rewrite.ParseFile(s.cfg.RewriteConfig, rewrite.Options{
		SourceSuffix:     s.cfg.SourceSuffix(),
		DynamicExtension: s.cfg.DynamicExtension,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("rewrite config not loaded, no forwarding aliases")
	}
	s.rules.Store(ix)
}

func (s *Site) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop moves the site to STOPPING, waits for in-flight requests to drain
// (bounded by ctx), stops the background loops, clears the cache and ends
// in STOPPED.
func (s *Site) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lc.Transition(Stopping); err != nil {
		return err
	}
	if err := s.lc.WaitIdle(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("stopping with requests still in flight")
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	s.watcher = nil
	s.sessions.Stop()
	n := s.store.Clear()

	if _, err := s.lc.Transition(Stopped); err != nil {
		return err
	}
	s.logger.Info().Int("cleared", n).Msg("site stopped")
	return nil
}

// Restart stops a serving site and starts it again with an empty cache.
func (s *Site) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start()
}

// Standby pauses a started site; it keeps serving.
func (s *Site) Standby() error { return s.lc.move(Started, Standby) }

func (s *Site) Resume() error { return s.lc.move(Standby, Started) }

func (s *Site) disable() error { return s.lc.move(Stopped, Inactive) }

func (s *Site) markDeleted() error {
	if _, err := s.lc.Transition(Deleted); err != nil {
		return err
	}
	return nil
}

// Invalidate evicts path and its forwarding aliases from the cache.
func (s *Site) Invalidate(path string) int {
	return watcher.Invalidate(s.store, s.rules.Load(), path)
}

func (s *Site) ClearCache() int { return s.store.Clear() }

func (s *Site) sweepLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.store.EvictExpired(); n > 0 {
				s.logger.Debug().Int("evicted", n).Msg("expired cache entries swept")
			}
		}
	}
}

func (s *Site) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := s.store.Stats()
			sz := s.sizes.Snapshot()
			s.logger.Info().
				Int("entries", st.Entries).
				Str("cached", cache.FormatBytes(uint64(st.Bytes))).
				Uint64("hits", st.Hits).
				Uint64("misses", st.Misses).
				Int64("inFlight", s.lc.InFlight()).
				Str("resp", cache.FormatBytes(sz.Min)+"/"+cache.FormatBytes(sz.Avg)+"/"+cache.FormatBytes(sz.Max)).
				Msg("cache stats")
		}
	}
}

type Stats struct {
	Name      string             `json:"name"`
	State     State              `json:"state"`
	InFlight  int64              `json:"inFlight"`
	Cache     cache.Stats        `json:"cache"`
	Responses cache.SizeSnapshot `json:"responses"`
	Sessions  int                `json:"sessions"`
	Aliases   int                `json:"aliases"`
	Watcher   *watcher.Stats     `json:"watcher,omitempty"`
}

func (s *Site) Stats() Stats {
	st := Stats{
		Name:      s.cfg.Name,
		State:     s.lc.State(),
		InFlight:  s.lc.InFlight(),
		Cache:     s.store.Stats(),
		Responses: s.sizes.Snapshot(),
		Sessions:  s.sessions.Len(),
		Aliases:   s.rules.Load().Len(),
	}
	if s.mu.TryLock() {
		if s.watcher != nil {
			ws := s.watcher.Stats()
			st.Watcher = &ws
		}
		s.mu.Unlock()
	}
	return st
}
