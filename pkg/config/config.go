// Package config provides YAML-based configuration loading for inspectd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the service instance
	AppName string `mapstructure:"app_name"`

	// AccountsFile is the path to the backend credential list, one
	// user:pass[:...] per line
	AccountsFile string `mapstructure:"accounts_file"`

	HTTP     HTTPConfig     `mapstructure:"http"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Bots     BotsConfig     `mapstructure:"bots"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	GameData GameDataConfig `mapstructure:"game_data"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// HTTPConfig configures the request boundary.
type HTTPConfig struct {
	Port       int  `mapstructure:"port"`
	TrustProxy bool `mapstructure:"trust_proxy"`

	// Exact and regex origin allow-lists for CORS
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	AllowedRegexOrigins []string `mapstructure:"allowed_regex_origins"`

	// BulkKey is the shared secret required on /bulk; empty disables the check
	BulkKey string `mapstructure:"bulk_key"`

	// RequestTimeoutSec bounds how long a handler waits for its job
	RequestTimeoutSec int `mapstructure:"request_timeout_sec"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig is a per-client token bucket on the HTTP boundary.
type RateLimitConfig struct {
	Enable   bool `mapstructure:"enable"`
	WindowMS int  `mapstructure:"window_ms"`
	Max      int  `mapstructure:"max"`
}

// QueueConfig bounds admission into the dispatch queue.
type QueueConfig struct {
	// MaxSimultaneousRequests caps pending+in-flight tasks per client and
	// the /bulk batch size; 0 disables the per-client cap
	MaxSimultaneousRequests int `mapstructure:"max_simultaneous_requests"`
	// MaxQueueSize caps total pending+in-flight tasks; 0 disables
	MaxQueueSize int `mapstructure:"max_queue_size"`
}

// BotsConfig describes the worker pool.
type BotsConfig struct {
	// Count is the total number of accounts across all siblings
	Count    int         `mapstructure:"count"`
	Settings BotSettings `mapstructure:"settings"`
}

// BotSettings are per-bot session parameters.
type BotSettings struct {
	BackendURL       string `mapstructure:"backend_url"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	LookupTimeoutMS  int    `mapstructure:"lookup_timeout_ms"`
	ReconnectDelayMS int    `mapstructure:"reconnect_delay_ms"`
	HelloTimeoutMS   int    `mapstructure:"hello_timeout_ms"`
	// LoginDelayMS paces account logins during startup
	LoginDelayMS int `mapstructure:"login_delay_ms"`
}

// ClusterConfig controls the sibling process fleet.
type ClusterConfig struct {
	// Count is the number of sibling processes the supervisor forks
	Count int `mapstructure:"count"`
	// LifeHours is the sibling rotation lifetime
	LifeHours float64 `mapstructure:"life_hours"`
	// StaggerMinutes offsets each sibling's rotation deadline by index
	StaggerMinutes int `mapstructure:"stagger_minutes"`
	// GraceSec is how long after startup the health check stays quiet
	GraceSec int `mapstructure:"grace_sec"`
	// MinReadyFraction of the sibling's bot share that must be ready
	// once the grace period has passed
	MinReadyFraction float64 `mapstructure:"min_ready_fraction"`
	// StartupDelaySec per sibling index before account loading begins
	StartupDelaySec int `mapstructure:"startup_delay_sec"`
}

// PostgresConfig configures the relational item cache.
type PostgresConfig struct {
	DSN               string `mapstructure:"dsn"`
	EnableBulkInserts bool   `mapstructure:"enable_bulk_inserts"`
}

// RedisConfig configures the shared telemetry counter store.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// GameDataConfig configures catalog enrichment.
type GameDataConfig struct {
	Path              string `mapstructure:"path"`
	EnableUpdates     bool   `mapstructure:"enable_updates"`
	UpdateIntervalMin int    `mapstructure:"update_interval_min"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:      "inspectd",
		AccountsFile: "accounts.txt",
		HTTP: HTTPConfig{
			Port:              8080,
			RequestTimeoutSec: 25,
			RateLimit:         RateLimitConfig{Enable: false, WindowMS: 60000, Max: 120},
		},
		Queue: QueueConfig{
			MaxSimultaneousRequests: 1,
			MaxQueueSize:            500,
		},
		Bots: BotsConfig{
			Count: 1,
			Settings: BotSettings{
				BackendURL:       "ws://127.0.0.1:9000/session",
				MaxAttempts:      3,
				LookupTimeoutMS:  4000,
				ReconnectDelayMS: 10000,
				HelloTimeoutMS:   15000,
				LoginDelayMS:     1000,
			},
		},
		Cluster: ClusterConfig{
			Count:            1,
			LifeHours:        24,
			StaggerMinutes:   15,
			GraceSec:         300,
			MinReadyFraction: 0.1,
			StartupDelaySec:  2,
		},
		Postgres: PostgresConfig{DSN: "", EnableBulkInserts: false},
		Redis:    RedisConfig{URL: "redis://127.0.0.1:6379/0"},
		GameData: GameDataConfig{Path: "game_data.json", EnableUpdates: false, UpdateIntervalMin: 60},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/inspectd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix INSPECTD and `.`/`-` are replaced
// with `_`. Example: INSPECTD_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INSPECTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("accounts_file", cfg.AccountsFile)
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.trust_proxy", cfg.HTTP.TrustProxy)
	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)
	v.SetDefault("http.allowed_regex_origins", cfg.HTTP.AllowedRegexOrigins)
	v.SetDefault("http.bulk_key", cfg.HTTP.BulkKey)
	v.SetDefault("http.request_timeout_sec", cfg.HTTP.RequestTimeoutSec)
	v.SetDefault("http.rate_limit.enable", cfg.HTTP.RateLimit.Enable)
	v.SetDefault("http.rate_limit.window_ms", cfg.HTTP.RateLimit.WindowMS)
	v.SetDefault("http.rate_limit.max", cfg.HTTP.RateLimit.Max)
	v.SetDefault("queue.max_simultaneous_requests", cfg.Queue.MaxSimultaneousRequests)
	v.SetDefault("queue.max_queue_size", cfg.Queue.MaxQueueSize)
	v.SetDefault("bots.count", cfg.Bots.Count)
	v.SetDefault("bots.settings.backend_url", cfg.Bots.Settings.BackendURL)
	v.SetDefault("bots.settings.max_attempts", cfg.Bots.Settings.MaxAttempts)
	v.SetDefault("bots.settings.lookup_timeout_ms", cfg.Bots.Settings.LookupTimeoutMS)
	v.SetDefault("bots.settings.reconnect_delay_ms", cfg.Bots.Settings.ReconnectDelayMS)
	v.SetDefault("bots.settings.hello_timeout_ms", cfg.Bots.Settings.HelloTimeoutMS)
	v.SetDefault("bots.settings.login_delay_ms", cfg.Bots.Settings.LoginDelayMS)
	v.SetDefault("cluster.count", cfg.Cluster.Count)
	v.SetDefault("cluster.life_hours", cfg.Cluster.LifeHours)
	v.SetDefault("cluster.stagger_minutes", cfg.Cluster.StaggerMinutes)
	v.SetDefault("cluster.grace_sec", cfg.Cluster.GraceSec)
	v.SetDefault("cluster.min_ready_fraction", cfg.Cluster.MinReadyFraction)
	v.SetDefault("cluster.startup_delay_sec", cfg.Cluster.StartupDelaySec)
	v.SetDefault("postgres.dsn", cfg.Postgres.DSN)
	v.SetDefault("postgres.enable_bulk_inserts", cfg.Postgres.EnableBulkInserts)
	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("game_data.path", cfg.GameData.Path)
	v.SetDefault("game_data.enable_updates", cfg.GameData.EnableUpdates)
	v.SetDefault("game_data.update_interval_min", cfg.GameData.UpdateIntervalMin)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("INSPECTD_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("inspectd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".inspectd"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port: %d", c.HTTP.Port)
	}
	if c.Cluster.Count < 1 {
		return fmt.Errorf("cluster.count must be >= 1, got %d", c.Cluster.Count)
	}
	if c.Bots.Count < c.Cluster.Count {
		return fmt.Errorf("bots.count (%d) must be >= cluster.count (%d)", c.Bots.Count, c.Cluster.Count)
	}
	if c.Cluster.MinReadyFraction < 0 || c.Cluster.MinReadyFraction > 1 {
		return fmt.Errorf("cluster.min_ready_fraction must be within [0,1], got %v", c.Cluster.MinReadyFraction)
	}
	if c.Bots.Settings.MaxAttempts < 1 {
		c.Bots.Settings.MaxAttempts = 1
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// BotShare is the number of bots one sibling owns.
func (c *Config) BotShare() int {
	return c.Bots.Count / c.Cluster.Count
}

// BotSettings helpers converting configured integers into durations.

func (s BotSettings) LookupTimeout() time.Duration  { return time.Duration(s.LookupTimeoutMS) * time.Millisecond }
func (s BotSettings) ReconnectDelay() time.Duration { return time.Duration(s.ReconnectDelayMS) * time.Millisecond }
func (s BotSettings) HelloTimeout() time.Duration   { return time.Duration(s.HelloTimeoutMS) * time.Millisecond }
func (s BotSettings) LoginDelay() time.Duration     { return time.Duration(s.LoginDelayMS) * time.Millisecond }

// RequestTimeout converts the configured handler deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.RequestTimeoutSec) * time.Second
}
