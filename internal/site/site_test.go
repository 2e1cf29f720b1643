package site

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"sitehost/internal/cache"
	"sitehost/internal/cluster"
	"sitehost/internal/config"
)

func siteConfig(t *testing.T, name string, hosts ...string) config.Site {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "content"), 0o755))
	cfg := config.Site{
		Name:        name,
		Hosts:       hosts,
		ContentRoot: root,
		WatchDirs:   []string{"content"},
	}
	require.NoError(t, cfg.Compile())
	return cfg
}

func startedSite(t *testing.T) *Site {
	t.Helper()
	s := New(siteConfig(t, "shop", "shop.example.com"), Options{NodeID: "n1"})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		if s.State().Serving() {
			_ = s.Stop(context.Background())
		}
	})
	return s
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Stopped, Starting, true},
		{Starting, Started, true},
		{Started, Standby, true},
		{Standby, Started, true},
		{Started, Stopping, true},
		{Standby, Stopping, true},
		{Stopping, Stopped, true},
		{Stopped, Inactive, true},
		{Stopped, Deleted, true},
		{Inactive, Starting, true},
		{Inactive, Deleted, true},
		{Started, Stopped, false},
		{Stopping, Started, false},
		{Deleted, Starting, false},
		{Started, Deleted, false},
		{Inactive, Started, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			l := newLifecycle(tt.from)
			_, err := l.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, l.State())
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.CodeConflict, errors.GetCode(err))
			assert.Equal(t, tt.from, l.State())
		})
	}
}

func TestStateText(t *testing.T) {
	b, err := Standby.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "STANDBY", string(b))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("INACTIVE")))
	assert.Equal(t, Inactive, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}

func TestEnterOnlyWhileServing(t *testing.T) {
	for _, st := range []State{Starting, Stopping, Stopped, Inactive, Deleted} {
		l := newLifecycle(st)
		assert.False(t, l.Enter(), st.String())
		assert.Zero(t, l.InFlight())
	}
	for _, st := range []State{Started, Standby} {
		l := newLifecycle(st)
		assert.True(t, l.Enter(), st.String())
		assert.EqualValues(t, 1, l.InFlight())
		l.Exit()
		assert.Zero(t, l.InFlight())
	}
}

func TestStartLoadsAndStopClears(t *testing.T) {
	s := startedSite(t)
	assert.Equal(t, Started, s.State())

	k := cache.Key{Method: http.MethodGet, Path: "/a"}
	s.Cache().Put(k, cache.NewEntry(200, nil, []byte("x"), time.Minute, time.Now()))
	require.Equal(t, 1, s.Cache().Len())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, s.Cache().Len())

	assert.Error(t, s.Stop(context.Background()))
}

func TestLoggerIsSharedAndAddressable(t *testing.T) {
	s := New(siteConfig(t, "shop", "shop.example.com"), Options{})
	assert.Same(t, s.Logger(), s.Logger())
	s.Logger().Debug().Msg("logger reachable")
}

func TestStopDrainsInFlightRequests(t *testing.T) {
	s := startedSite(t)
	for i := 0; i < 3; i++ {
		require.True(t, s.Lifecycle().Enter())
	}

	done := make(chan error, 1)
	go func() { done <- s.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == Stopping }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Lifecycle().Enter())
	assert.EqualValues(t, 3, s.Lifecycle().InFlight())

	for i := 0; i < 3; i++ {
		select {
		case <-done:
			t.Fatal("stop returned with requests in flight")
		default:
		}
		s.Lifecycle().Exit()
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after drain")
	}
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, s.Lifecycle().InFlight())
}

func TestStopGivesUpWaitingAtDeadline(t *testing.T) {
	s := startedSite(t)
	require.True(t, s.Lifecycle().Enter())
	defer s.Lifecycle().Exit()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, Stopped, s.State())
}

func TestStandbyResume(t *testing.T) {
	s := startedSite(t)
	require.NoError(t, s.Standby())
	assert.Equal(t, Standby, s.State())
	assert.True(t, s.Lifecycle().Enter())
	s.Lifecycle().Exit()

	assert.Error(t, s.Standby())
	require.NoError(t, s.Resume())
	assert.Equal(t, Started, s.State())
	assert.Error(t, s.Resume())
}

func TestRestartEmptiesCache(t *testing.T) {
	s := startedSite(t)
	s.Cache().Put(cache.Key{Method: http.MethodGet, Path: "/a"}, cache.NewEntry(200, nil, nil, 0, time.Now()))
	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, Started, s.State())
	assert.Zero(t, s.Cache().Len())
}

func TestLateResponseDoesNotSurviveRestart(t *testing.T) {
	s := startedSite(t)
	require.True(t, s.Lifecycle().Enter())
	release := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer s.Lifecycle().Exit()
		<-release
		s.Cache().Put(cache.Key{Method: http.MethodGet, Path: "/late"}, cache.NewEntry(200, nil, []byte("old"), time.Minute, time.Now()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	close(release)
	<-finished
	require.Equal(t, 1, s.Cache().Len())

	require.NoError(t, s.Start())
	assert.Zero(t, s.Cache().Len())
}

func TestSiteInvalidateFollowsAliases(t *testing.T) {
	cfg := siteConfig(t, "shop", "shop.example.com")
	rules := filepath.Join(cfg.ContentRoot, "urlrewrite.xml")
	require.NoError(t, os.WriteFile(rules, []byte(`<urlrewrite>
  <rule><from>^/home(\?.*)?$</from><to>/content/index.jsp</to></rule>
</urlrewrite>`), 0o644))
	cfg.RewriteConfig = rules
	s := New(cfg, Options{})
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	now := time.Now()
	for _, p := range []string{"/content/index", "/home", "/other"} {
		s.Cache().Put(cache.Key{Method: http.MethodGet, Path: p}, cache.NewEntry(200, nil, nil, 0, now))
	}
	assert.Equal(t, 2, s.Invalidate("/content/index"))
	assert.Equal(t, 1, s.Cache().Len())
	assert.Equal(t, 1, s.Stats().Aliases)
}

func TestSessionsAnnounceLocalExpiry(t *testing.T) {
	rec := &cluster.Recorder{}
	ss := NewSessions("shop", "n1", time.Minute, 0, rec)
	ss.Touch("abc")
	ss.Touch("")
	assert.Equal(t, 1, ss.Len())

	assert.True(t, ss.Expire("abc"))
	assert.False(t, ss.Expire("abc"))
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, cluster.Event{Site: "shop", SessionID: "abc", Origin: "n1"}, rec.Events()[0])
}

func TestSessionsRemoteExpiryIsNotEchoed(t *testing.T) {
	rec := &cluster.Recorder{}
	ss := NewSessions("shop", "n1", time.Minute, 0, rec)
	ss.Touch("abc")
	assert.True(t, ss.ExpireRemote("abc"))
	assert.Zero(t, ss.Len())
	assert.Never(t, func() bool { return len(rec.Events()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSessionsAreBoundedByCapacity(t *testing.T) {
	rec := &cluster.Recorder{}
	ss := NewSessions("shop", "n1", time.Minute, 2, rec)
	for _, id := range []string{"a", "b", "c", "d"} {
		ss.Touch(id)
	}
	assert.Equal(t, 2, ss.Len())
	assert.Never(t, func() bool { return len(rec.Events()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSessionsExpireByTTL(t *testing.T) {
	rec := &cluster.Recorder{}
	ss := NewSessions("shop", "n1", 20*time.Millisecond, 0, rec)
	ss.Start()
	defer ss.Stop()
	ss.Touch("abc")
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func memStore(t *testing.T) *LevelStore {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	st := NewLevelStore(db)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLevelStoreRoundTrip(t *testing.T) {
	st := memStore(t)
	a := siteConfig(t, "b-site", "b.example.com")
	b := siteConfig(t, "a-site", "a.example.com")
	require.NoError(t, st.Save(Record{Site: a, State: Stopped}))
	require.NoError(t, st.Save(Record{Site: b, State: Inactive}))

	recs, err := st.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a-site", recs[0].Site.Name)
	assert.Equal(t, Inactive, recs[0].State)
	assert.Equal(t, b.Cache.TTLDur, recs[0].Site.Cache.TTLDur)
	assert.Equal(t, "b-site", recs[1].Site.Name)

	require.NoError(t, st.Delete("a-site"))
	recs, err = st.List()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRegistryResolveAndConflicts(t *testing.T) {
	r := NewRegistry(memStore(t), Options{})
	_, err := r.Add(siteConfig(t, "shop", "Shop.Example.com"))
	require.NoError(t, err)

	s, ok := r.Resolve("SHOP.example.com:8443")
	require.True(t, ok)
	assert.Equal(t, "shop", s.Name())
	assert.Equal(t, Stopped, s.State())

	_, ok = r.Resolve("other.example.com")
	assert.False(t, ok)

	_, err = r.Add(siteConfig(t, "shop", "x.example.com"))
	assert.Equal(t, errors.CodeAlreadyExists, errors.GetCode(err))
	_, err = r.Add(siteConfig(t, "blog", "shop.example.com"))
	assert.Equal(t, errors.CodeAlreadyExists, errors.GetCode(err))
	_, ok = r.Get("blog")
	assert.False(t, ok)

	_, err = r.Add(config.Site{Name: "broken"})
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestRegistryDisableEnableDelete(t *testing.T) {
	st := memStore(t)
	r := NewRegistry(st, Options{})
	_, err := r.Add(siteConfig(t, "shop", "shop.example.com"))
	require.NoError(t, err)

	require.NoError(t, r.Disable("shop"))
	s, _ := r.Get("shop")
	assert.Equal(t, Inactive, s.State())
	recs, err := st.List()
	require.NoError(t, err)
	assert.Equal(t, Inactive, recs[0].State)

	require.NoError(t, r.Enable("shop"))
	assert.Equal(t, Started, s.State())
	assert.Error(t, r.Delete("shop"))

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, r.Delete("shop"))
	assert.Equal(t, Deleted, s.State())
	_, ok := r.Resolve("shop.example.com")
	assert.False(t, ok)
	recs, err = st.List()
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.Equal(t, errors.CodeNotFound, errors.GetCode(r.Disable("shop")))
}

func TestRegistryLoadMergesPersistedSites(t *testing.T) {
	st := memStore(t)
	old := siteConfig(t, "shop", "old.example.com")
	require.NoError(t, st.Save(Record{Site: old, State: Inactive}))
	require.NoError(t, st.Save(Record{Site: siteConfig(t, "legacy", "legacy.example.com"), State: Stopped}))

	r := NewRegistry(st, Options{})
	n, err := r.Load([]config.Site{
		siteConfig(t, "shop", "new.example.com"),
		siteConfig(t, "blog", "blog.example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	shop, ok := r.Resolve("new.example.com")
	require.True(t, ok)
	assert.Equal(t, Inactive, shop.State())
	_, ok = r.Resolve("old.example.com")
	assert.False(t, ok)

	r.StartAll()
	blog, _ := r.Get("blog")
	legacy, _ := r.Get("legacy")
	require.Eventually(t, func() bool {
		return blog.State() == Started && legacy.State() == Started
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Inactive, shop.State())

	r.StopAll(context.Background())
	assert.Equal(t, Stopped, blog.State())
	assert.Equal(t, Stopped, legacy.State())

	names := []string{}
	for _, s := range r.Sites() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"blog", "legacy", "shop"}, names)
}

func TestRegistryStopAllWaitsForStartingSites(t *testing.T) {
	r := NewRegistry(nil, Options{})
	s, err := r.Add(siteConfig(t, "shop", "shop.example.com"))
	require.NoError(t, err)

	s.mu.Lock()
	_, err = s.lc.Transition(Starting)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.StopAll(context.Background())
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("stop all returned while the site was starting")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = s.lc.Transition(Started)
	require.NoError(t, err)
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop all did not return")
	}
	assert.Equal(t, Stopped, s.State())
}

func TestRegistryAppliesPeerSessionExpiry(t *testing.T) {
	rec := &cluster.Recorder{}
	r := NewRegistry(nil, Options{Publisher: rec, NodeID: "n1"})
	s, err := r.Add(siteConfig(t, "shop", "shop.example.com"))
	require.NoError(t, err)
	s.Sessions().Touch("abc")

	r.HandleClusterEvent(cluster.Event{Site: "shop", SessionID: "abc", Origin: "n2"})
	r.HandleClusterEvent(cluster.Event{Site: "missing", SessionID: "abc"})
	assert.Zero(t, s.Sessions().Len())
	assert.Never(t, func() bool { return len(rec.Events()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
