package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Portal    PortalConfig
	Content   ContentConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8910"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	// AllowedOrigins may open a kernel connection. Empty allows any origin.
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	MaxMessageBytes int64         `envconfig:"WS_MAX_MESSAGE_BYTES" default:"4194304"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// KernelConfig holds kernel behaviour settings.
type KernelConfig struct {
	DashboardOrigins []string      `envconfig:"DASHBOARD_ORIGINS" default:"http://kernel.skynet,https://skt.us"`
	PolicyFile       string        `envconfig:"POLICY_FILE"`
	SeedFile         string        `envconfig:"SEED_FILE"`
	SeedPassphrase   string        `envconfig:"SEED_PASSPHRASE"`
	HandlerTimeout   time.Duration `envconfig:"HANDLER_TIMEOUT" default:"5s"`
	FetchTimeout     time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	StatsInterval    time.Duration `envconfig:"STATS_INTERVAL" default:"30s"`
	ModuleLogRPS     float64       `envconfig:"MODULE_LOG_RPS" default:"20"`
	ModuleLogBurst   int           `envconfig:"MODULE_LOG_BURST" default:"50"`
}

// PortalConfig holds storage portal settings.
type PortalConfig struct {
	URLs      []string      `envconfig:"PORTALS" default:"https://siasky.net,https://web3portal.com"`
	Timeout   time.Duration `envconfig:"PORTAL_TIMEOUT" default:"30s"`
	Retries   int           `envconfig:"PORTAL_RETRIES" default:"2"`
	RPS       float64       `envconfig:"PORTAL_RPS" default:"20"`
	TripAfter uint32        `envconfig:"PORTAL_TRIP_AFTER" default:"5"`
	Cooldown  time.Duration `envconfig:"PORTAL_COOLDOWN" default:"30s"`
}

// ContentConfig holds local content settings. Empty directories disable
// the store or the cache.
type ContentConfig struct {
	StoreDir string `envconfig:"STORE_DIR"`
	CacheDir string `envconfig:"CACHE_DIR"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks settings envconfig cannot.
func (c *Config) Validate() error {
	if len(c.Portal.URLs) == 0 && c.Content.StoreDir == "" {
		return fmt.Errorf("config: no portals and no store, modules cannot be loaded")
	}
	if c.Kernel.HandlerTimeout <= 0 {
		return fmt.Errorf("config: HANDLER_TIMEOUT must be positive")
	}
	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: WS_MAX_MESSAGE_BYTES must be positive")
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8910",
			Host:            "127.0.0.1",
			MaxMessageBytes: 4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Kernel: KernelConfig{
			DashboardOrigins: []string{
				"http://kernel.skynet",
				"https://skt.us",
			},
			HandlerTimeout: 5 * time.Second,
			FetchTimeout:   30 * time.Second,
			StatsInterval:  30 * time.Second,
			ModuleLogRPS:   20,
			ModuleLogBurst: 50,
		},
		Portal: PortalConfig{
			URLs:      []string{"https://siasky.net", "https://web3portal.com"},
			Timeout:   30 * time.Second,
			Retries:   2,
			RPS:       20,
			TripAfter: 5,
			Cooldown:  30 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
