package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSourceSuffix     = `(\?.*)?`
	DefaultDynamicExtension = ".jsp"
	DefaultServicePrefix    = "/service/"
	DefaultMonitorPrefix    = "/monitoring/"
	DefaultSessionCookie    = "JSESSIONID"
	DefaultMaxSessions      = 100000
)

var DefaultStaticExtensions = []string{
	".css", ".js", ".map", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
	".woff", ".woff2", ".ttf", ".eot", ".pdf", ".txt", ".html", ".htm", ".json", ".xml",
}

type Config struct {
	Server struct {
		Port            int    `yaml:"port"`
		NodeID          string `yaml:"nodeId"`
		ShutdownTimeout string `yaml:"shutdownTimeout"`

		ShutdownAfter time.Duration `yaml:"-"`
	} `yaml:"server"`

	Logging struct {
		Level      string `yaml:"level"`
		Console    bool   `yaml:"console"`
		StatsEvery string `yaml:"statsEvery"`

		StatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Cluster struct {
		Valkey struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			Channel  string `yaml:"channel"`
		} `yaml:"valkey"`
	} `yaml:"cluster"`

	Sites []Site `yaml:"sites"`
}

// Site is the definition of one tenant. It is also the record persisted by
// the site store, so everything derived is recomputed by Compile.
type Site struct {
	Name                string         `yaml:"name"`
	Hosts               []string       `yaml:"hosts"`
	ContentRoot         string         `yaml:"contentRoot"`
	WatchDirs           []string       `yaml:"watchDirs"`
	RewriteConfig       string         `yaml:"rewriteConfig"`
	RewriteSourceSuffix *string        `yaml:"rewriteSourceSuffix"`
	DynamicExtension    string         `yaml:"dynamicExtension"`
	StaticExtensions    []string       `yaml:"staticExtensions"`
	ServicePrefix       string         `yaml:"servicePrefix"`
	MonitorPrefix       string         `yaml:"monitorPrefix"`
	Cache               SiteCache      `yaml:"cache"`
	DebugHeaders        bool           `yaml:"debugHeaders"`
	LoadingPage         string         `yaml:"loadingPage"`
	MaintenancePage     string         `yaml:"maintenancePage"`
	ErrorPages          map[int]string `yaml:"errorPages"`
	Session             SiteSession    `yaml:"session"`
	Warmup              SiteWarmup     `yaml:"warmup"`
	BandwidthLimit      int            `yaml:"bandwidthLimit"` // MB/s, 0 = unlimited
}

type SiteCache struct {
	Enabled      *bool  `yaml:"enabled"`
	TTL          string `yaml:"ttl"`
	MaxEntrySize string `yaml:"maxEntrySize"`
	SweepEvery   string `yaml:"sweepEvery"`

	TTLDur        time.Duration `yaml:"-"`
	SweepDur      time.Duration `yaml:"-"`
	MaxEntryBytes int64         `yaml:"-"`
}

func (c SiteCache) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// SiteWarmup names a sitemap, relative to the content root, whose pages are
// requested once the site has started.
type SiteWarmup struct {
	Sitemap string `yaml:"sitemap"`
}

type SiteSession struct {
	Cookie string `yaml:"cookie"`
	TTL    string `yaml:"ttl"`
	// MaxSessions caps the tracked sessions; the least recently touched
	// one is dropped first.
	MaxSessions int `yaml:"maxSessions"`

	TTLDur time.Duration `yaml:"-"`
}

// SourceSuffix is the literal tail stripped from rewrite "from" patterns.
func (s *Site) SourceSuffix() string {
	if s.RewriteSourceSuffix == nil {
		return DefaultSourceSuffix
	}
	return *s.RewriteSourceSuffix
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "read config")
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "node"
		}
		cfg.Server.NodeID = host
	}
	d, err := parseDurationDefault(cfg.Server.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return Config{}, invalid("server.shutdownTimeout", err)
	}
	cfg.Server.ShutdownAfter = d

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return Config{}, invalid("logging.statsEvery", err)
		}
		cfg.Logging.StatsEveryDur = d
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/sites"
	}
	if cfg.Cluster.Valkey.Channel == "" {
		cfg.Cluster.Valkey.Channel = "sitehost:sessions"
	}

	names := map[string]struct{}{}
	hosts := map[string]string{}
	for i := range cfg.Sites {
		s := &cfg.Sites[i]
		if err := s.Compile(); err != nil {
			return Config{}, invalid(fmt.Sprintf("sites[%d]", i), err)
		}
		if _, dup := names[s.Name]; dup {
			return Config{}, invalid(fmt.Sprintf("sites[%d].name", i), fmt.Errorf("duplicate site %q", s.Name))
		}
		names[s.Name] = struct{}{}
		for _, h := range s.Hosts {
			if other, dup := hosts[h]; dup {
				return Config{}, invalid(fmt.Sprintf("sites[%d].hosts", i), fmt.Errorf("host %q already used by %q", h, other))
			}
			hosts[h] = s.Name
		}
	}

	return cfg, nil
}

// Compile validates a site definition, fills in defaults and derives the
// parsed durations and sizes.
func (s *Site) Compile() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Hosts) == 0 {
		return fmt.Errorf("hosts: at least one host is required")
	}
	for i, h := range s.Hosts {
		s.Hosts[i] = NormalizeHost(h)
	}
	if s.ContentRoot == "" {
		return fmt.Errorf("contentRoot is required")
	}
	s.ContentRoot = filepath.Clean(s.ContentRoot)
	if s.RewriteConfig != "" {
		s.RewriteConfig = filepath.Clean(s.RewriteConfig)
	}

	if s.DynamicExtension == "" {
		s.DynamicExtension = DefaultDynamicExtension
	}
	if !strings.HasPrefix(s.DynamicExtension, ".") {
		s.DynamicExtension = "." + s.DynamicExtension
	}
	if len(s.StaticExtensions) == 0 {
		s.StaticExtensions = append([]string(nil), DefaultStaticExtensions...)
	}
	s.ServicePrefix = normalizePrefix(s.ServicePrefix, DefaultServicePrefix)
	s.MonitorPrefix = normalizePrefix(s.MonitorPrefix, DefaultMonitorPrefix)
	if s.Session.Cookie == "" {
		s.Session.Cookie = DefaultSessionCookie
	}
	if s.Session.MaxSessions < 0 {
		return fmt.Errorf("session.maxSessions: must not be negative")
	}
	if s.Session.MaxSessions == 0 {
		s.Session.MaxSessions = DefaultMaxSessions
	}
	if s.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidthLimit: must not be negative")
	}

	var err error
	if s.Cache.TTLDur, err = parseDurationDefault(s.Cache.TTL, 5*time.Minute); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	if s.Cache.SweepDur, err = parseDurationDefault(s.Cache.SweepEvery, time.Minute); err != nil {
		return fmt.Errorf("cache.sweepEvery: %w", err)
	}
	maxEntry := s.Cache.MaxEntrySize
	if maxEntry == "" {
		maxEntry = "1m"
	}
	if s.Cache.MaxEntryBytes, err = parseBytes(maxEntry); err != nil {
		return fmt.Errorf("cache.maxEntrySize: %w", err)
	}
	if s.Session.TTLDur, err = parseDurationDefault(s.Session.TTL, 30*time.Minute); err != nil {
		return fmt.Errorf("session.ttl: %w", err)
	}
	return nil
}

// NormalizeHost lowercases a host and strips any port.
func NormalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if strings.HasPrefix(h, "[") {
		if i := strings.Index(h, "]"); i > 0 {
			return h[1:i]
		}
	}
	if i := strings.LastIndex(h, ":"); i >= 0 && strings.Count(h, ":") == 1 {
		h = h[:i]
	}
	return strings.TrimSuffix(h, ".")
}

func normalizePrefix(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func invalid(field string, err error) error {
	return errors.WithContext(errors.Wrap(err, errors.CodeInvalidConfig, field), "field", field)
}
