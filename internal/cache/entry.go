package cache

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Entry is a cached response. Status, headers and body are fixed once the
// entry is built; only the access time and hit counter change afterwards.
type Entry struct {
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
	CreatedAt   time.Time
	// ExpiresAt is zero for entries without a time-to-live.
	ExpiresAt time.Time

	lastAccessNs atomic.Int64
	hits         atomic.Uint64
}

func NewEntry(status int, header http.Header, body []byte, ttl time.Duration, now time.Time) *Entry {
	h := cloneHeader(header)
	h.Del("Content-Length")
	e := &Entry{
		Status:      status,
		ContentType: h.Get("Content-Type"),
		Header:      h,
		Body:        append([]byte(nil), body...),
		CreatedAt:   now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	e.lastAccessNs.Store(now.UnixNano())
	return e
}

func (e *Entry) ContentLength() int { return len(e.Body) }

func (e *Entry) Hits() uint64 { return e.hits.Load() }

func (e *Entry) LastAccess() time.Time { return time.Unix(0, e.lastAccessNs.Load()) }

// Expired reports whether now is at or past the entry's expiry.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TTL is the remaining lifetime, or zero for entries that never expire.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (e *Entry) touch(now time.Time) {
	e.hits.Add(1)
	e.lastAccessNs.Store(now.UnixNano())
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
