package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SEED_URLS", "https://example.com/ca/en/home,https://example.com/")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/ca/en/home", "https://example.com/"}, cfg.SeedURLs)
	assert.Equal(t, 3, cfg.CrawlWorkers)
	assert.Equal(t, 2*time.Second, cfg.MinRequestDelay)
	assert.Equal(t, 3*time.Second, cfg.MaxRequestDelay)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}, cfg.RetryBackoffs)
	assert.Equal(t, FlushEndOfCrawl, cfg.FlushPolicy)
	assert.Equal(t, []string{"detail", "primary", "other", "gallery"}, cfg.RoleOrder)
	assert.Equal(t, "sqlite", cfg.StateBackend)
	assert.True(t, cfg.RespectRobots)
	assert.Equal(t, []string{"bike", "motorcycle", "model"}, cfg.SearchTerms)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawler.env")
	content := "SEED_URLS=https://file.example.com/\nCRAWL_WORKERS=5\nFLUSH_POLICY=idle\nRETRY_BACKOFF=1s,1s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CRAWL_WORKERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://file.example.com/"}, cfg.SeedURLs)
	assert.Equal(t, 7, cfg.CrawlWorkers)
	assert.Equal(t, FlushIdle, cfg.FlushPolicy)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, cfg.RetryBackoffs)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			SeedURLs:          []string{"https://example.com/"},
			CrawlWorkers:      3,
			MinRequestDelay:   2 * time.Second,
			MaxRequestDelay:   3 * time.Second,
			FetchTimeout:      30 * time.Second,
			MaxAttempts:       3,
			RetryBackoff:      "2s,5s,10s",
			FlushPolicy:       FlushEndOfCrawl,
			EntityIdleTimeout: time.Minute,
			RolePriority:      "detail,primary,other,gallery",
			StateBackend:      "sqlite",
			Fetcher:           "http",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no seeds", func(c *Config) { c.SeedURLs = nil }},
		{"no workers", func(c *Config) { c.CrawlWorkers = 0 }},
		{"inverted delay", func(c *Config) { c.MaxRequestDelay = time.Second }},
		{"bad backoff", func(c *Config) { c.RetryBackoff = "soon" }},
		{"bad flush policy", func(c *Config) { c.FlushPolicy = "never" }},
		{"idle without timeout", func(c *Config) { c.FlushPolicy = FlushIdle; c.EntityIdleTimeout = 0 }},
		{"bad backend", func(c *Config) { c.StateBackend = "etcd" }},
		{"bad fetcher", func(c *Config) { c.Fetcher = "curl" }},
		{"negative bounds", func(c *Config) { c.MaxDepth = -1 }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
