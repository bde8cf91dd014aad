package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Flush policies for finalizing entities.
const (
	FlushEndOfCrawl = "end_of_crawl"
	FlushIdle       = "idle"
)

// Config holds the application configuration.
type Config struct {
	SeedURLs  []string `mapstructure:"SEED_URLS"`
	Namespace string   `mapstructure:"NAMESPACE"`

	CrawlWorkers     int           `mapstructure:"CRAWL_WORKERS"`
	MinRequestDelay  time.Duration `mapstructure:"MIN_REQUEST_DELAY"`
	MaxRequestDelay  time.Duration `mapstructure:"MAX_REQUEST_DELAY"`
	FetchTimeout     time.Duration `mapstructure:"FETCH_TIMEOUT"`
	MaxAttempts      int           `mapstructure:"MAX_ATTEMPTS"`
	RetryBackoff     string        `mapstructure:"RETRY_BACKOFF"`
	FailedStaleness  time.Duration `mapstructure:"FAILED_STALENESS"`
	MaxPages         int           `mapstructure:"MAX_PAGES"`
	MaxDepth         int           `mapstructure:"MAX_DEPTH"`
	SnapshotInterval time.Duration `mapstructure:"SNAPSHOT_INTERVAL"`
	ShutdownGrace    time.Duration `mapstructure:"SHUTDOWN_GRACE"`

	FlushPolicy       string        `mapstructure:"FLUSH_POLICY"`
	EntityIdleTimeout time.Duration `mapstructure:"ENTITY_IDLE_TIMEOUT"`
	RolePriority      string        `mapstructure:"ROLE_PRIORITY"`

	StateBackend  string `mapstructure:"STATE_BACKEND"`
	StateDir      string `mapstructure:"STATE_DIR"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	PostgresURL   string `mapstructure:"POSTGRES_URL"`
	AssetDir      string `mapstructure:"ASSET_DIR"`

	Fetcher       string   `mapstructure:"FETCHER"`
	UserAgents    []string `mapstructure:"USER_AGENTS"`
	Proxies       []string `mapstructure:"PROXIES"`
	RespectRobots bool     `mapstructure:"RESPECT_ROBOTS"`
	SearchTerms   []string `mapstructure:"SEARCH_TERMS"`
	SearchPath    string   `mapstructure:"SEARCH_PATH"`

	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogFormat  string `mapstructure:"LOG_FORMAT"`

	// Parsed forms, filled by Validate.
	RetryBackoffs []time.Duration `mapstructure:"-"`
	RoleOrder     []string        `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SEED_URLS", []string{})
	v.SetDefault("NAMESPACE", "")
	v.SetDefault("CRAWL_WORKERS", 3)
	v.SetDefault("MIN_REQUEST_DELAY", "2s")
	v.SetDefault("MAX_REQUEST_DELAY", "3s")
	v.SetDefault("FETCH_TIMEOUT", "30s")
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BACKOFF", "2s,5s,10s")
	v.SetDefault("FAILED_STALENESS", "24h")
	v.SetDefault("MAX_PAGES", 0)
	v.SetDefault("MAX_DEPTH", 0)
	v.SetDefault("SNAPSHOT_INTERVAL", "30s")
	v.SetDefault("SHUTDOWN_GRACE", "10s")
	v.SetDefault("FLUSH_POLICY", FlushEndOfCrawl)
	v.SetDefault("ENTITY_IDLE_TIMEOUT", "2m")
	v.SetDefault("ROLE_PRIORITY", "detail,primary,other,gallery")
	v.SetDefault("STATE_BACKEND", "sqlite")
	v.SetDefault("STATE_DIR", "./state")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("ASSET_DIR", "./assets")
	v.SetDefault("FETCHER", "http")
	v.SetDefault("USER_AGENTS", []string{})
	v.SetDefault("PROXIES", []string{})
	v.SetDefault("RESPECT_ROBOTS", true)
	v.SetDefault("SEARCH_TERMS", []string{"bike", "motorcycle", "model"})
	v.SetDefault("SEARCH_PATH", "/search")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from an optional file (".env" when path is empty)
// and the environment. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = ".env"
	}
	v.SetConfigFile(path)
	if strings.HasSuffix(path, ".env") {
		v.SetConfigType("env")
	}
	v.AutomaticEnv()
	setDefaults(v)

	// A missing file is fine; configuration may come purely from the environment.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SeedURLs = splitList(cfg.SeedURLs)
	cfg.UserAgents = splitList(cfg.UserAgents)
	cfg.Proxies = splitList(cfg.Proxies)
	cfg.SearchTerms = splitList(cfg.SearchTerms)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills the parsed fields.
func (c *Config) Validate() error {
	var errs []error
	if len(c.SeedURLs) == 0 {
		errs = append(errs, errors.New("SEED_URLS must list at least one URL"))
	}
	if c.CrawlWorkers < 1 {
		errs = append(errs, fmt.Errorf("CRAWL_WORKERS must be >= 1, got %d", c.CrawlWorkers))
	}
	if c.MinRequestDelay < 0 || c.MaxRequestDelay < c.MinRequestDelay {
		errs = append(errs, fmt.Errorf("request delay range %s..%s is invalid", c.MinRequestDelay, c.MaxRequestDelay))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("FETCH_TIMEOUT must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts))
	}
	if c.MaxPages < 0 || c.MaxDepth < 0 {
		errs = append(errs, errors.New("MAX_PAGES and MAX_DEPTH must not be negative"))
	}

	backoffs, err := ParseDurations(c.RetryBackoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("RETRY_BACKOFF: %w", err))
	} else if len(backoffs) == 0 {
		errs = append(errs, errors.New("RETRY_BACKOFF must list at least one duration"))
	}
	c.RetryBackoffs = backoffs

	switch c.FlushPolicy {
	case FlushEndOfCrawl:
	case FlushIdle:
		if c.EntityIdleTimeout <= 0 {
			errs = append(errs, errors.New("ENTITY_IDLE_TIMEOUT must be positive with the idle flush policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("FLUSH_POLICY %q is not one of %s, %s", c.FlushPolicy, FlushEndOfCrawl, FlushIdle))
	}

	c.RoleOrder = splitList(strings.Split(c.RolePriority, ","))
	if len(c.RoleOrder) == 0 {
		errs = append(errs, errors.New("ROLE_PRIORITY must not be empty"))
	}

	switch c.StateBackend {
	case "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("STATE_BACKEND %q is not one of sqlite, redis", c.StateBackend))
	}
	switch c.Fetcher {
	case "http", "chromedp":
	default:
		errs = append(errs, fmt.Errorf("FETCHER %q is not one of http, chromedp", c.Fetcher))
	}
	return errors.Join(errs...)
}

// ParseDurations parses a comma separated list such as "2s,5s,10s".
func ParseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range splitList(strings.Split(s, ",")) {
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", part)
		}
		out = append(out, d)
	}
	return out, nil
}

// splitList trims entries, drops empty ones and splits entries that still
// hold commas (env values arrive as one string).
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
