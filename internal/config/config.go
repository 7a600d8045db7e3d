// Package config loads the analyzer configuration.
//
// Sources, lowest to highest priority: built-in defaults, an optional YAML
// file (--config), ANALYZER_* environment variables (dots become
// underscores, e.g. ANALYZER_GITHUB_TOKEN), command-line flags, and
// positional repository arguments.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/repo-analyzer/pkg/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "ANALYZER"

// DefaultRepos are analyzed when no repository is configured.
var DefaultRepos = []string{
	"tiangolo/fastapi",
	"pallets/flask",
	"django/django",
	"jdalzatec/vegas",
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full analyzer configuration.
type Config struct {
	Repos       []string         `mapstructure:"repos"`
	Concurrency int              `mapstructure:"concurrency"`
	GitHub      GitHubConfig     `mapstructure:"github"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Log         LogConfig        `mapstructure:"log"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Processors  ProcessorsConfig `mapstructure:"processors"`
}

// GitHubConfig configures the REST client.
type GitHubConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	UserAgent string        `mapstructure:"user_agent"`
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	Timeout   time.Duration `mapstructure:"timeout"`

	// ThrottleDelay is the wait per request while few requests remain
	ThrottleDelay time.Duration `mapstructure:"throttle_delay"`
}

// RedisConfig configures the cache and rate limit store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the optional /metrics server. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProcessorsConfig configures the built-in processors.
type ProcessorsConfig struct {
	RecentWindow time.Duration `mapstructure:"recent_window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repos", DefaultRepos)
	v.SetDefault("concurrency", 5)
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.token", "")
	v.SetDefault("github.user_agent", "repo-analyzer/0.1.0")
	v.SetDefault("github.rate_limit", 10.0)
	v.SetDefault("github.timeout", 30*time.Second)
	v.SetDefault("github.throttle_delay", time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("processors.recent_window", 24*time.Hour)
}

// flagBindings maps flag names to configuration keys.
var flagBindings = map[string]string{
	"concurrency":    "concurrency",
	"github-url":     "github.base_url",
	"token":          "github.token",
	"user-agent":     "github.user_agent",
	"rate-limit":     "github.rate_limit",
	"timeout":        "github.timeout",
	"throttle-delay": "github.throttle_delay",
	"redis-addr":     "redis.addr",
	"redis-db":       "redis.db",
	"log-level":      "log.level",
	"pretty":         "log.pretty",
	"metrics-addr":   "metrics.addr",
	"recent-window":  "processors.recent_window",
}

// NewFlagSet declares the command-line flags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.IntP("concurrency", "c", 5, "maximum fetches in flight")
	fs.String("github-url", "https://api.github.com", "GitHub REST API base URL")
	fs.String("token", "", "GitHub token (optional, raises the rate limit)")
	fs.String("user-agent", "repo-analyzer/0.1.0", "User-Agent header sent to GitHub")
	fs.Float64("rate-limit", 10, "client-side requests per second (0 disables)")
	fs.Duration("timeout", 30*time.Second, "per-request timeout")
	fs.Duration("throttle-delay", time.Second, "wait per request while the GitHub rate limit is low")
	fs.String("redis-addr", "localhost:6379", "Redis address for cache and rate limit state")
	fs.Int("redis-db", 0, "Redis database number")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("pretty", false, "human-readable console logs")
	fs.String("metrics-addr", "", "serve /metrics and /health on this address while running")
	fs.Duration("recent-window", 24*time.Hour, "how recent an update must be to be reported")
	return fs
}

// Load parses args (without the program name) and merges every source.
// It returns pflag.ErrHelp when -h/--help is given.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("repo-analyzer")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for flagName, key := range flagBindings {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if repos := fs.Args(); len(repos) > 0 {
		cfg.Repos = repos
	}
	cfg.Repos = normalizeRepos(cfg.Repos)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeRepos trims entries and splits comma-separated values.
func normalizeRepos(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the configuration can start a run.
func (c *Config) Validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("%w: no repositories configured", ErrInvalid)
	}
	for _, r := range c.Repos {
		owner, name, ok := strings.Cut(r, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("%w: repository %q is not owner/name", ErrInvalid, r)
		}
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1 (got %d)", ErrInvalid, c.Concurrency)
	}
	if c.GitHub.UserAgent == "" {
		return fmt.Errorf("%w: github.user_agent is required", ErrInvalid)
	}
	if c.GitHub.RateLimit < 0 {
		return fmt.Errorf("%w: github.rate_limit must be >= 0", ErrInvalid)
	}
	if c.GitHub.ThrottleDelay < 0 {
		return fmt.Errorf("%w: github.throttle_delay must be >= 0", ErrInvalid)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// LoggingConfig converts the log section for logging.Setup.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(c.Log.Level)
	if err == nil {
		cfg.Level = level
	}
	cfg.Pretty = c.Log.Pretty
	cfg.Service = "repo-analyzer"
	return cfg
}
