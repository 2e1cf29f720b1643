package cache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// SizeStats tracks the body sizes of served responses without locking.
type SizeStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

type SizeSnapshot struct {
	Responses uint64 `json:"responses"`
	Total     uint64 `json:"totalBytes"`
	Min       uint64 `json:"minBytes"`
	Avg       uint64 `json:"avgBytes"`
	Max       uint64 `json:"maxBytes"`
}

func NewSizeStats() *SizeStats {
	s := &SizeStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *SizeStats) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.count.Add(1)
	s.total.Add(v)
	for cur := s.min.Load(); v < cur; cur = s.min.Load() {
		if s.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for cur := s.max.Load(); v > cur; cur = s.max.Load() {
		if s.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

func (s *SizeStats) Snapshot() SizeSnapshot {
	n := s.count.Load()
	if n == 0 {
		return SizeSnapshot{}
	}
	total := s.total.Load()
	return SizeSnapshot{
		Responses: n,
		Total:     total,
		Min:       s.min.Load(),
		Avg:       total / n,
		Max:       s.max.Load(),
	}
}

// FormatBytes renders b as a short human readable size ("512b", "1.5kb").
func FormatBytes(b uint64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimZero(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimZero(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimZero(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimZero(s string) string { return strings.TrimSuffix(s, ".0") }
