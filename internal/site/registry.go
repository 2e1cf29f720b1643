package site

import (
	"context"
	"sort"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/log"

	"sitehost/internal/cluster"
	"sitehost/internal/config"
)

// Registry resolves request hosts to sites and owns their persisted
// definitions.
type Registry struct {
	opts  Options
	store Store

	mu     sync.RWMutex
	byName map[string]*Site
	byHost map[string]*Site
}

// NewRegistry creates an empty registry. store may be nil, in which case
// nothing is persisted.
func NewRegistry(store Store, opts Options) *Registry {
	return &Registry{
		opts:   opts,
		store:  store,
		byName: map[string]*Site{},
		byHost: map[string]*Site{},
	}
}

// Resolve returns the site serving host, ignoring case and port.
func (r *Registry) Resolve(host string) (*Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byHost[config.NormalizeHost(host)]
	return s, ok
}

func (r *Registry) Get(name string) (*Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Sites returns all registered sites ordered by name.
func (r *Registry) Sites() []*Site {
	r.mu.RLock()
	out := make([]*Site, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Add registers and persists a new STOPPED site.
func (r *Registry) Add(cfg config.Site) (*Site, error) {
	if err := cfg.Compile(); err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeInvalidInput, "invalid site"), "site", cfg.Name)
	}
	s, err := r.register(cfg, Stopped)
	if err != nil {
		return nil, err
	}
	if err := r.persist(s); err != nil {
		r.unregister(s)
		return nil, err
	}
	return s, nil
}

func (r *Registry) register(cfg config.Site, initial State) (*Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[cfg.Name]; dup {
		return nil, errors.Newf(errors.CodeAlreadyExists, "site %q already exists", cfg.Name)
	}
	for _, h := range cfg.Hosts {
		if other, dup := r.byHost[h]; dup {
			return nil, errors.WithContext(
				errors.Newf(errors.CodeAlreadyExists, "host %q already served by %q", h, other.Name()),
				"site", cfg.Name)
		}
	}
	s := newSite(cfg, r.opts, initial)
	r.byName[cfg.Name] = s
	for _, h := range cfg.Hosts {
		r.byHost[h] = s
	}
	return s, nil
}

func (r *Registry) unregister(s *Site) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, s.Name())
	for _, h := range s.cfg.Hosts {
		if r.byHost[h] == s {
			delete(r.byHost, h)
		}
	}
}

func (r *Registry) persist(s *Site) error {
	if r.store == nil {
		return nil
	}
	st := Stopped
	if s.State() == Inactive {
		st = Inactive
	}
	return r.store.Save(Record{Site: s.cfg, State: st})
}

// Load registers the persisted sites and then the definitions from the
// config file. A config definition replaces a persisted one of the same name
// but keeps its INACTIVE flag. It returns the number of sites registered.
func (r *Registry) Load(defs []config.Site) (int, error) {
	records := map[string]Record{}
	var order []string
	if r.store != nil {
		stored, err := r.store.List()
		if err != nil {
			return 0, err
		}
		for _, rec := range stored {
			records[rec.Site.Name] = rec
			order = append(order, rec.Site.Name)
		}
	}
	for _, d := range defs {
		rec, known := records[d.Name]
		if !known {
			order = append(order, d.Name)
			rec.State = Stopped
		}
		rec.Site = d
		records[d.Name] = rec
	}

	n := 0
	for _, name := range order {
		rec := records[name]
		initial := Stopped
		if rec.State == Inactive {
			initial = Inactive
		}
		s, err := r.register(rec.Site, initial)
		if err != nil {
			log.Error().Err(err).Str("site", name).Msg("site not registered")
			continue
		}
		if err := r.persist(s); err != nil {
			log.Warn().Err(err).Str("site", name).Msg("site definition not persisted")
		}
		n++
	}
	return n, nil
}

// StartAll starts every STOPPED site concurrently; INACTIVE sites stay down.
// Each site answers with its loading page until it reaches STARTED.
func (r *Registry) StartAll() {
	for _, s := range r.Sites() {
		if s.State() != Stopped {
			continue
		}
		go func(s *Site) {
			if err := s.Start(); err != nil {
				s.logger.Error().Err(err).Msg("site start failed")
			}
		}(s)
	}
}

// StopAll stops every serving site, draining each within ctx.
func (r *Registry) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range r.Sites() {
		// Stop waits for a concurrent Start to finish before it transitions.
		if st := s.State(); st != Starting && st != Started && st != Standby {
			continue
		}
		wg.Add(1)
		go func(s *Site) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				s.logger.Error().Err(err).Msg("site stop failed")
			}
		}(s)
	}
	wg.Wait()
}

func (r *Registry) lookup(name string) (*Site, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "site %q not found", name)
	}
	return s, nil
}

// Disable turns a STOPPED site INACTIVE and persists the flag.
func (r *Registry) Disable(name string) error {
	s, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := s.disable(); err != nil {
		return err
	}
	return r.persist(s)
}

// Enable starts an INACTIVE site again.
func (r *Registry) Enable(name string) error {
	s, err := r.lookup(name)
	if err != nil {
		return err
	}
	if s.State() != Inactive {
		return errors.Newf(errors.CodeConflict, "site %q is %s, not INACTIVE", name, s.State())
	}
	if err := s.Start(); err != nil {
		return err
	}
	return r.persist(s)
}

// Delete removes a STOPPED or INACTIVE site and its persisted record.
func (r *Registry) Delete(name string) error {
	s, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := s.markDeleted(); err != nil {
		return err
	}
	r.unregister(s)
	if r.store != nil {
		return r.store.Delete(name)
	}
	return nil
}

// HandleClusterEvent applies a session expiry announced by another node.
func (r *Registry) HandleClusterEvent(e cluster.Event) {
	s, ok := r.Get(e.Site)
	if !ok {
		return
	}
	if s.Sessions().ExpireRemote(e.SessionID) {
		s.logger.Debug().Str("session", e.SessionID).Str("origin", e.Origin).Msg("session expired by peer")
	}
}
