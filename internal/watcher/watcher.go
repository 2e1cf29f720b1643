// Package watcher keeps a site's response cache and rewrite index in step
// with its content directories and rewrite configuration on disk.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sitehost/internal/cache"
	"sitehost/internal/logging"
	"sitehost/internal/rewrite"
)

// indexName is the page a directory request is served from.
const indexName = "index"

type Config struct {
	Site        string
	ContentRoot string
	// WatchDirs are relative to ContentRoot; none means the root itself.
	WatchDirs        []string
	RewriteConfig    string
	SourceSuffix     string
	DynamicExtension string
}

func (c Config) rewriteOptions() rewrite.Options {
	return rewrite.Options{SourceSuffix: c.SourceSuffix, DynamicExtension: c.DynamicExtension}
}

// Watcher is the per-site repository watcher. It owns no cache state; it
// evicts from the store and swaps the index it was given.
type Watcher struct {
	cfg   Config
	store *cache.Store
	rules *rewrite.Holder

	fsw     *fsnotify.Watcher
	watched map[string]struct{}

	logger zerolog.Logger
	errLog *logging.RateLimited

	events  atomic.Uint64
	evicted atomic.Uint64
}

// New registers the watches and builds the initial rewrite index. Paths
// that cannot be watched are logged and skipped.
func New(cfg Config, store *cache.Store, rules *rewrite.Holder) (*Watcher, error) {
	cfg.ContentRoot = filepath.Clean(cfg.ContentRoot)
	if cfg.RewriteConfig != "" {
		cfg.RewriteConfig = filepath.Clean(cfg.RewriteConfig)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "create filesystem watcher")
	}

	logger := log.With().Str("site", cfg.Site).Str("component", "watcher").Logger()
	w := &Watcher{
		cfg:     cfg,
		store:   store,
		rules:   rules,
		fsw:     fsw,
		watched: map[string]struct{}{},
		logger:  logger,
		errLog:  logging.NewRateLimited(logger, 10*time.Second),
	}

	dirs := cfg.WatchDirs
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, d := range dirs {
		w.watchTree(filepath.Join(cfg.ContentRoot, d))
	}

	if cfg.RewriteConfig != "" {
		w.watchDir(filepath.Dir(cfg.RewriteConfig))
		w.rebuild()
	} else {
		rules.Store(rewrite.Empty())
	}
	return w, nil
}

func (w *Watcher) watchDir(dir string) {
	if _, ok := w.watched[dir]; ok {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn().Err(err).Str("path", dir).Msg("cannot watch directory, skipping")
		return
	}
	w.watched[dir] = struct{}{}
}

// watchTree registers dir and all of its subdirectories; fsnotify does not
// recurse on its own.
func (w *Watcher) watchTree(dir string) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("cannot walk content directory")
			if d != nil && d.IsDir() && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			w.watchDir(p)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("path", dir).Msg("cannot watch content directory")
	}
}

// Watched returns the registered directories.
func (w *Watcher) Watched() []string {
	return w.fsw.WatchList()
}

// Run processes events until ctx is cancelled. It is the only goroutine
// touching the watch registrations after New returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	w.logger.Debug().Strs("dirs", w.fsw.WatchList()).Msg("watching")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.process(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.errLog.Warn().Err(err).Msg("filesystem watch error")
		}
	}
}

// Close releases the watches without waiting for Run.
func (w *Watcher) Close() error { return w.fsw.Close() }

func (w *Watcher) process(ev fsnotify.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.errLog.Error().Str("path", ev.Name).Str("panic", fmt.Sprint(r)).Msg("watch event failed")
		}
	}()
	if ev.Op == fsnotify.Chmod {
		return
	}
	w.events.Add(1)

	name := filepath.Clean(ev.Name)
	if w.cfg.RewriteConfig != "" && name == w.cfg.RewriteConfig {
		w.rebuild()
		return
	}

	logical, ok := w.logicalPath(name)
	if !ok {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(name); err == nil && fi.IsDir() {
			w.watchTree(name)
		}
	}
	n := w.Invalidate(logical)
	w.logger.Debug().Str("path", logical).Str("op", ev.Op.String()).Int("evicted", n).Msg("content changed")
}

// logicalPath maps a file below the content root to the request path it is
// cached under.
func (w *Watcher) logicalPath(name string) (string, bool) {
	rel, err := filepath.Rel(w.cfg.ContentRoot, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	p := "/" + filepath.ToSlash(rel)
	if p == "/." {
		p = "/"
	}
	if ext := w.cfg.DynamicExtension; ext != "" {
		p = strings.TrimSuffix(p, ext)
	}
	return p, true
}

// Invalidate evicts every entry under path and under each forwarding alias
// of it.
func (w *Watcher) Invalidate(path string) int {
	n := Invalidate(w.store, w.rules.Load(), path)
	w.evicted.Add(uint64(n))
	return n
}

// Invalidate evicts path and the aliases ix lists for it from store. An
// index page is also served for its directory, so "/de/index" evicts "/de/"
// and "/de" together with their aliases.
func Invalidate(store *cache.Store, ix *rewrite.Index, path string) int {
	n := store.EvictByPrefix(path)
	for _, alias := range ix.AliasesUnder(path) {
		n += store.EvictByPrefix(alias)
	}
	for _, dir := range indexDirs(path) {
		n += store.EvictPath(dir)
		for _, alias := range ix.Aliases(dir) {
			n += store.EvictByPrefix(alias)
		}
	}
	return n
}

// indexDirs returns the directory paths an index page is served under.
func indexDirs(path string) []string {
	if !strings.HasSuffix(path, "/"+indexName) {
		return nil
	}
	dir := strings.TrimSuffix(path, indexName)
	if dir == "/" {
		return []string{dir}
	}
	return []string{dir, strings.TrimSuffix(dir, "/")}
}

func (w *Watcher) rebuild() {
	ix, err := rewrite.ParseFile(w.cfg.RewriteConfig, w.cfg.rewriteOptions())
	switch {
	case err == nil:
	case errors.GetCode(err) == errors.CodeNotFound:
		w.logger.Info().Str("path", w.cfg.RewriteConfig).Msg("no rewrite config, forwarding aliases cleared")
	default:
		w.errLog.Warn().Err(err).Msg("rewrite config rebuild failed, keeping previous index")
		return
	}
	w.rules.Store(ix)
	w.logger.Debug().Int("aliases", ix.Len()).Msg("rewrite index rebuilt")
}

type Stats struct {
	Events    uint64    `json:"events"`
	Evicted   uint64    `json:"evicted"`
	Watched   int       `json:"watchedDirs"`
	RebuiltAt time.Time `json:"rewriteRebuiltAt"`
}

func (w *Watcher) Stats() Stats {
	return Stats{
		Events:    w.events.Load(),
		Evicted:   w.evicted.Load(),
		Watched:   len(w.fsw.WatchList()),
		RebuiltAt: w.rules.RebuiltAt(),
	}
}
