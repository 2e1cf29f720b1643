package site

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"sitehost/internal/cluster"
)

// Sessions tracks the live sessions of one site. A session that expires, or
// is expired by an operator, is announced to the other cluster nodes.
type Sessions struct {
	site  string
	node  string
	pub   cluster.Publisher
	cache *ttlcache.Cache[string, struct{}]

	mu     sync.Mutex
	remote map[string]struct{}

	running atomic.Bool
}

// NewSessions tracks sessions that live for ttl after their last touch.
// A positive capacity bounds how many are tracked at once; sessions dropped
// for capacity are not announced.
func NewSessions(site, node string, ttl time.Duration, capacity int, pub cluster.Publisher) *Sessions {
	if pub == nil {
		pub = cluster.Nop{}
	}
	opts := []ttlcache.Option[string, struct{}]{ttlcache.WithTTL[string, struct{}](ttl)}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, struct{}](uint64(capacity)))
	}
	s := &Sessions{
		site:   site,
		node:   node,
		pub:    pub,
		cache:  ttlcache.New[string, struct{}](opts...),
		remote: map[string]struct{}{},
	}
	s.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, it *ttlcache.Item[string, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired && reason != ttlcache.EvictionReasonDeleted {
			return
		}
		if s.takeRemote(it.Key()) {
			return
		}
		s.pub.Publish(ctx, cluster.Event{Site: s.site, SessionID: it.Key(), Origin: s.node})
	})
	return s
}

func (s *Sessions) takeRemote(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remote[id]; ok {
		delete(s.remote, id)
		return true
	}
	return false
}

// Start runs the expiry loop in the background.
func (s *Sessions) Start() {
	if s.running.CompareAndSwap(false, true) {
		go s.cache.Start()
	}
}

func (s *Sessions) Stop() {
	if s.running.CompareAndSwap(true, false) {
		s.cache.Stop()
	}
}

// Touch records activity on a session and extends its lifetime.
func (s *Sessions) Touch(id string) {
	if id == "" {
		return
	}
	s.cache.Set(id, struct{}{}, ttlcache.DefaultTTL)
}

// Expire ends a session on this node and publishes the expiry.
func (s *Sessions) Expire(id string) bool {
	if !s.cache.Has(id) {
		return false
	}
	s.cache.Delete(id)
	return true
}

// ExpireRemote ends a session because another node expired it.
func (s *Sessions) ExpireRemote(id string) bool {
	if !s.cache.Has(id) {
		return false
	}
	s.mu.Lock()
	s.remote[id] = struct{}{}
	s.mu.Unlock()
	s.cache.Delete(id)
	return true
}

func (s *Sessions) Len() int { return s.cache.Len() }
