package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimited emits at most one event per interval. Suppressed calls return
// a nil event, on which every zerolog method is a no-op.
type RateLimited struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	logger   zerolog.Logger
}

func NewRateLimited(logger zerolog.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{logger: logger, interval: interval}
}

func (l *RateLimited) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return false
	}
	l.lastAt = now
	return true
}

func (l *RateLimited) Warn() *zerolog.Event {
	if !l.allow() {
		return nil
	}
	return l.logger.Warn()
}

func (l *RateLimited) Error() *zerolog.Event {
	if !l.allow() {
		return nil
	}
	return l.logger.Error()
}
