package dispatch

import (
	"path"
	"strings"

	"sitehost/internal/config"
)

// Kind is the handler class a request path is routed to.
type Kind int

const (
	Dynamic Kind = iota
	Static
	Service
	Monitoring
	Malformed
)

var kindNames = [...]string{"dynamic", "static", "service", "monitoring", "malformed"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Cacheable reports whether responses of this kind may be stored.
func (k Kind) Cacheable() bool { return k == Static || k == Dynamic }

// Classify routes a raw request path for a site. It never touches the
// filesystem.
func Classify(p string, cfg *config.Site) Kind {
	if p == "" || p[0] != '/' || strings.ContainsAny(p, "\x00\\") {
		return Malformed
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return Malformed
		}
	}
	if underPrefix(p, cfg.ServicePrefix) {
		return Service
	}
	if underPrefix(p, cfg.MonitorPrefix) {
		return Monitoring
	}
	if strings.HasSuffix(p, "/") {
		return Dynamic
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || ext == cfg.DynamicExtension {
		return Dynamic
	}
	for _, s := range cfg.StaticExtensions {
		if ext == strings.ToLower(s) {
			return Static
		}
	}
	return Dynamic
}

// underPrefix matches "/service/..." and the bare "/service".
func underPrefix(p, prefix string) bool {
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/")
}
