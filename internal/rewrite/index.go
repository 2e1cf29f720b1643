// Package rewrite turns a URL rewrite configuration into the table that maps
// a canonical page path to every alias that forwards to it.
package rewrite

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Index is an immutable snapshot of the forward rules of one site. A nil
// *Index behaves like an empty one.
type Index struct {
	aliases map[string][]string // target -> sources, in rule order
	targets map[string]string   // source -> target
}

func Empty() *Index {
	return &Index{aliases: map[string][]string{}, targets: map[string]string{}}
}

func (ix *Index) add(source, target string) {
	if source == target {
		return
	}
	if _, dup := ix.targets[source]; dup {
		return
	}
	ix.targets[source] = target
	ix.aliases[target] = append(ix.aliases[target], source)
}

// Aliases returns the source paths that forward to target.
func (ix *Index) Aliases(target string) []string {
	if ix == nil {
		return nil
	}
	src := ix.aliases[target]
	if len(src) == 0 {
		return nil
	}
	return append([]string(nil), src...)
}

// Target returns the canonical path a forwarding source resolves to.
func (ix *Index) Target(source string) (string, bool) {
	if ix == nil {
		return "", false
	}
	t, ok := ix.targets[source]
	return t, ok
}

// AliasesUnder returns the aliases of prefix itself and of every target
// below the directory prefix.
func (ix *Index) AliasesUnder(prefix string) []string {
	if ix == nil {
		return nil
	}
	out := ix.Aliases(prefix)
	dir := strings.TrimSuffix(prefix, "/") + "/"
	for t, src := range ix.aliases {
		if t != prefix && strings.HasPrefix(t, dir) {
			out = append(out, src...)
		}
	}
	return out
}

// Len is the number of aliases in the index.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.targets)
}

// Map returns a copy of the target -> aliases table.
func (ix *Index) Map() map[string][]string {
	out := map[string][]string{}
	if ix == nil {
		return out
	}
	for t, src := range ix.aliases {
		out[t] = append([]string(nil), src...)
	}
	return out
}

// Equal compares the target -> alias sets of two indexes, ignoring order.
func (ix *Index) Equal(other *Index) bool {
	a, b := ix.Map(), other.Map()
	if len(a) != len(b) {
		return false
	}
	for t, as := range a {
		bs, ok := b[t]
		if !ok || len(as) != len(bs) {
			return false
		}
		as, bs = sortedCopy(as), sortedCopy(bs)
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
	}
	return true
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// Holder publishes the current index of a site. Rebuilds replace the whole
// snapshot, so readers never observe a partially built index.
type Holder struct {
	current   atomic.Pointer[Index]
	rebuiltAt atomic.Int64
}

func NewHolder(ix *Index) *Holder {
	h := &Holder{}
	h.Store(ix)
	return h
}

func (h *Holder) Load() *Index {
	if ix := h.current.Load(); ix != nil {
		return ix
	}
	return Empty()
}

func (h *Holder) Store(ix *Index) {
	if ix == nil {
		ix = Empty()
	}
	h.current.Store(ix)
	h.rebuiltAt.Store(time.Now().UnixNano())
}

// RebuiltAt is the time of the last Store.
func (h *Holder) RebuiltAt() time.Time {
	return time.Unix(0, h.rebuiltAt.Load())
}
