package cache

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 32

type item struct {
	key   Key
	entry *Entry
}

type shard struct {
	mu    sync.RWMutex
	items map[string]item
}

// Store is the per-site response cache. Keys are spread over independently
// locked shards; lookups only take a shard read lock.
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

func NewStore() *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{items: map[string]item{}}
	}
	return s
}

func (s *Store) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the live entry for key. Expired entries are removed and never
// returned.
func (s *Store) Get(key Key) (*Entry, bool) {
	k := key.String()
	sh := s.shardFor(k)
	now := s.now()

	sh.mu.RLock()
	it, ok := sh.items[k]
	sh.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	if it.entry.Expired(now) {
		sh.mu.Lock()
		if cur, ok := sh.items[k]; ok && cur.entry == it.entry {
			delete(sh.items, k)
			s.evictions.Add(1)
		}
		sh.mu.Unlock()
		s.misses.Add(1)
		return nil, false
	}
	it.entry.touch(now)
	s.hits.Add(1)
	return it.entry, true
}

// Put stores e under key; the last writer wins.
func (s *Store) Put(key Key, e *Entry) {
	k := key.String()
	sh := s.shardFor(k)
	sh.mu.Lock()
	sh.items[k] = item{key: key, entry: e}
	sh.mu.Unlock()
}

func (s *Store) Delete(key Key) bool {
	k := key.String()
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[k]; !ok {
		return false
	}
	delete(sh.items, k)
	s.evictions.Add(1)
	return true
}

// EvictByPrefix removes every entry whose key path starts with prefix and
// returns how many were removed.
func (s *Store) EvictByPrefix(prefix string) int {
	return s.evictWhere(func(it item) bool {
		return strings.HasPrefix(it.key.Path, prefix)
	})
}

// EvictPath removes the entries cached under exactly path, whatever their
// method or query.
func (s *Store) EvictPath(path string) int {
	return s.evictWhere(func(it item) bool {
		return it.key.Path == path
	})
}

// EvictExpired drops every entry that is past its expiry.
func (s *Store) EvictExpired() int {
	now := s.now()
	return s.evictWhere(func(it item) bool {
		return it.entry.Expired(now)
	})
}

// Clear empties the store.
func (s *Store) Clear() int {
	return s.evictWhere(func(item) bool { return true })
}

func (s *Store) evictWhere(match func(item) bool) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		var doomed []string
		for k, it := range sh.items {
			if match(it) {
				doomed = append(doomed, k)
			}
		}
		sh.mu.RUnlock()
		if len(doomed) == 0 {
			continue
		}

		sh.mu.Lock()
		for _, k := range doomed {
			if it, ok := sh.items[k]; ok && match(it) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.evictions.Add(uint64(removed))
	return removed
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Keys returns the stored keys in lexical order of their string form.
func (s *Store) Keys() []Key {
	var out []Key
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, it := range sh.items {
			out = append(out, it.key)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Store) Stats() Stats {
	st := Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		st.Entries += len(sh.items)
		for _, it := range sh.items {
			st.Bytes += int64(len(it.entry.Body))
		}
		sh.mu.RUnlock()
	}
	return st
}
