package dispatch

import (
	"net/http"

	"github.com/go-chi/render"

	"sitehost/internal/cache"
	"sitehost/internal/site"
)

type ProcessMemory struct {
	RSS       uint64 `json:"rss"`
	Anonymous uint64 `json:"anonymous,omitempty"`
	File      uint64 `json:"file,omitempty"`
	Shmem     uint64 `json:"shmem,omitempty"`
	Human     string `json:"rssHuman"`
}

type health struct {
	Site     string     `json:"site"`
	State    site.State `json:"state"`
	InFlight int64      `json:"inFlight"`
}

type monitoringStats struct {
	site.Stats
	Memory *ProcessMemory `json:"memory,omitempty"`
}

// NewMonitoringHandler serves health and stats under the site's monitoring
// prefix.
func NewMonitoringHandler() Handler {
	mux := newRouter()
	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s := siteFrom(r)
		h := health{Site: s.Name(), State: s.State(), InFlight: s.Lifecycle().InFlight()}
		if !h.State.Serving() {
			render.Status(r, http.StatusServiceUnavailable)
		}
		render.JSON(w, r, h)
	})
	mux.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := monitoringStats{Stats: siteFrom(r).Stats()}
		if m, ok := readProcessMemory(); ok {
			m.Human = cache.FormatBytes(m.RSS)
			out.Memory = &m
		}
		render.JSON(w, r, out)
	})
	return &routed{prefix: func(s *site.Site) string { return s.Config().MonitorPrefix }, mux: mux}
}
