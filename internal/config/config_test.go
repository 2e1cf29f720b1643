package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: 9090
  nodeId: node-a
logging:
  level: debug
  statsEvery: 30s
sites:
  - name: corporate
    hosts: [Example.COM:8080, www.example.com]
    contentRoot: /srv/corporate/
    watchDirs: [de, en]
    rewriteConfig: /srv/corporate/WEB-INF/urlrewrite.xml
    cache:
      ttl: 2m
      maxEntrySize: 512k
    debugHeaders: true
    errorPages:
      404: /errors/404.html
    warmup:
      sitemap: sitemap.xml
  - name: shop
    hosts: [shop.example.com]
    contentRoot: /srv/shop
    rewriteSourceSuffix: ""
    dynamicExtension: xhtml
    servicePrefix: admin
    cache:
      enabled: false
`

func TestParseAppliesDefaultsAndCompiles(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownAfter)
	assert.Equal(t, 30*time.Second, cfg.Logging.StatsEveryDur)
	assert.Equal(t, "./data/sites", cfg.Storage.Path)
	assert.Equal(t, "sitehost:sessions", cfg.Cluster.Valkey.Channel)
	require.Len(t, cfg.Sites, 2)

	corp := cfg.Sites[0]
	assert.Equal(t, []string{"example.com", "www.example.com"}, corp.Hosts)
	assert.Equal(t, "/srv/corporate", corp.ContentRoot)
	assert.Equal(t, 2*time.Minute, corp.Cache.TTLDur)
	assert.Equal(t, time.Minute, corp.Cache.SweepDur)
	assert.Equal(t, int64(512*1024), corp.Cache.MaxEntryBytes)
	assert.True(t, corp.Cache.IsEnabled())
	assert.Equal(t, DefaultSourceSuffix, corp.SourceSuffix())
	assert.Equal(t, ".jsp", corp.DynamicExtension)
	assert.Equal(t, "/service/", corp.ServicePrefix)
	assert.Equal(t, "/monitoring/", corp.MonitorPrefix)
	assert.Equal(t, "JSESSIONID", corp.Session.Cookie)
	assert.Equal(t, 30*time.Minute, corp.Session.TTLDur)
	assert.Equal(t, DefaultMaxSessions, corp.Session.MaxSessions)
	assert.Equal(t, "/errors/404.html", corp.ErrorPages[404])
	assert.Equal(t, "sitemap.xml", corp.Warmup.Sitemap)

	shop := cfg.Sites[1]
	assert.False(t, shop.Cache.IsEnabled())
	assert.Equal(t, "", shop.SourceSuffix())
	assert.Equal(t, ".xhtml", shop.DynamicExtension)
	assert.Equal(t, "/admin/", shop.ServicePrefix)
	assert.Equal(t, DefaultStaticExtensions, shop.StaticExtensions)
}

func TestParseRejectsInvalidSites(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "sites:\n  - hosts: [a]\n    contentRoot: /x\n"},
		{"missing hosts", "sites:\n  - name: a\n    contentRoot: /x\n"},
		{"missing root", "sites:\n  - name: a\n    hosts: [a]\n"},
		{"bad ttl", "sites:\n  - name: a\n    hosts: [a]\n    contentRoot: /x\n    cache:\n      ttl: soon\n"},
		{"bad size", "sites:\n  - name: a\n    hosts: [a]\n    contentRoot: /x\n    cache:\n      maxEntrySize: lots\n"},
		{"duplicate name", "sites:\n  - name: a\n    hosts: [a]\n    contentRoot: /x\n  - name: a\n    hosts: [b]\n    contentRoot: /y\n"},
		{"duplicate host", "sites:\n  - name: a\n    hosts: [a]\n    contentRoot: /x\n  - name: b\n    hosts: [A:80]\n    contentRoot: /y\n"},
		{"bad yaml", "sites: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitehost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Sites, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeHost("Example.com:443"))
	assert.Equal(t, "example.com", NormalizeHost("example.com."))
	assert.Equal(t, "::1", NormalizeHost("[::1]:8080"))
	assert.Equal(t, "::1", NormalizeHost("::1"))
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"512":   512,
		"64k":   64 << 10,
		"1.5m":  3 << 19,
		"2gb":   2 << 30,
		" 10M ": 10 << 20,
	}
	for in, want := range tests {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "b", "-1k", "abc"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
}
