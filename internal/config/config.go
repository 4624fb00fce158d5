// Package config loads livecache settings from defaults, an optional config
// file, a .env file and LIVECACHE_* environment variables, in rising order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/zfogg/livecache/internal/counter"
	"github.com/zfogg/livecache/internal/forum"
)

// EnvPrefix prefixes every environment override, e.g. LIVECACHE_STORE_DRIVER
const EnvPrefix = "LIVECACHE"

// Config is the full runtime configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Counter   CounterConfig   `mapstructure:"counter"`
	Upvotes   UpvotesConfig   `mapstructure:"upvotes"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// StoreConfig selects the live store backend
type StoreConfig struct {
	// Driver is memory, redis, sqlite or postgres
	Driver string `mapstructure:"driver"`

	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     string `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`
	Namespace     string `mapstructure:"namespace"`

	DSN string `mapstructure:"dsn"`
	// PollInterval is how often the SQL store looks for commits made by
	// other processes
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Debug        bool          `mapstructure:"debug"`
}

// CounterConfig bounds compare-and-swap retries
type CounterConfig struct {
	// MaxRetries zero retries until the swap lands
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// UpvotesConfig selects how upvotes are written
type UpvotesConfig struct {
	Mode string `mapstructure:"mode"`
}

// ServerConfig configures the HTTP and websocket server
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ReadLimit       int           `mapstructure:"read_limit"`
	WriteLimit      int           `mapstructure:"write_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis_host", "localhost")
	v.SetDefault("store.redis_port", "6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.namespace", "livecache")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.poll_interval", 200*time.Millisecond)
	v.SetDefault("store.debug", false)

	policy := counter.DefaultPolicy()
	v.SetDefault("counter.max_retries", policy.MaxRetries)
	v.SetDefault("counter.initial_backoff", policy.InitialBackoff)
	v.SetDefault("counter.max_backoff", policy.MaxBackoff)

	v.SetDefault("upvotes.mode", string(forum.ModeTwoPhase))

	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.read_limit", 300)
	v.SetDefault("server.write_limit", 60)
	v.SetDefault("server.rate_window", time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "livecache")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

// Load reads the configuration. path names an optional TOML, YAML or JSON
// file; a missing .env in the working directory is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory, redis, sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.PollInterval <= 0 {
		return fmt.Errorf("store.poll_interval must be positive, got %s", c.Store.PollInterval)
	}

	if c.Counter.MaxRetries < 0 {
		return fmt.Errorf("counter.max_retries must not be negative, got %d", c.Counter.MaxRetries)
	}
	if c.Counter.InitialBackoff < 0 || c.Counter.MaxBackoff < 0 {
		return errors.New("counter backoff intervals must not be negative")
	}

	if _, err := forum.ParseUpvoteMode(c.Upvotes.Mode); err != nil {
		return fmt.Errorf("upvotes.mode: %w", err)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ReadLimit <= 0 || c.Server.WriteLimit <= 0 || c.Server.RateWindow <= 0 {
		return errors.New("server rate limits and window must be positive")
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 16 {
		return errors.New("server.jwt_secret must be at least 16 bytes")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SamplingRate <= 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry.sampling_rate must be in (0, 1], got %v", c.Telemetry.SamplingRate)
		}
	}
	return nil
}

// Policy returns the counter retry policy
func (c *Config) Policy() counter.Policy {
	p := counter.DefaultPolicy()
	p.MaxRetries = c.Counter.MaxRetries
	p.InitialBackoff = c.Counter.InitialBackoff
	p.MaxBackoff = c.Counter.MaxBackoff
	return p
}

// UpvoteMode returns the validated upvote mode
func (c *Config) UpvoteMode() forum.UpvoteMode {
	mode, _ := forum.ParseUpvoteMode(c.Upvotes.Mode)
	return mode
}
