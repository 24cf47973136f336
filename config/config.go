package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes the environment variables read by Load. Nested keys use a
// double underscore: SYNCD_DATABASE__HOST -> database.host.
const EnvPrefix = "SYNCD_"

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Sync     SyncConfig     `koanf:"sync"`
	Session  SessionConfig  `koanf:"session"`
	Provider ProviderConfig `koanf:"provider"`
	Admin    AdminConfig    `koanf:"admin"`
}

type HTTPConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

func (h HTTPConfig) Addr() string {
	return h.Host + ":" + h.Port
}

type DatabaseConfig struct {
	Host         string `koanf:"host"`
	Port         string `koanf:"port"`
	User         string `koanf:"user"`
	Password     string `koanf:"password"`
	Name         string `koanf:"name"`
	SSLMode      string `koanf:"sslmode"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode,
	)
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type SyncConfig struct {
	// Interval between two cycles of the same operator/provider pair.
	Interval time.Duration `koanf:"interval"`
	// DiscoveryInterval controls how often newly activated api_configs are picked up.
	DiscoveryInterval time.Duration `koanf:"discovery_interval"`
	// ReconcileActiveOnly limits balance reconciliation to users with an open game session.
	ReconcileActiveOnly bool   `koanf:"reconcile_active_only"`
	ActorID             string `koanf:"actor_id"`
}

type SessionConfig struct {
	Interval     time.Duration `koanf:"interval"`
	PauseAfter   time.Duration `koanf:"pause_after"`
	ResumeWindow time.Duration `koanf:"resume_window"`
	PruneAfter   time.Duration `koanf:"prune_after"`
}

type ProviderConfig struct {
	Timeout        time.Duration `koanf:"timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	ProxyURL       string        `koanf:"proxy_url"`
	CallsPerSecond float64       `koanf:"calls_per_second"`
}

type AdminConfig struct {
	Secret  string        `koanf:"secret"`
	MaxSkew time.Duration `koanf:"max_skew"`
}

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Host: "127.0.0.1", Port: "3000"},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			Name:         "ledger",
			SSLMode:      "disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Sync: SyncConfig{
			Interval:          5 * time.Second,
			DiscoveryInterval: time.Minute,
			ActorID:           "sync-engine",
		},
		Session: SessionConfig{
			Interval:     30 * time.Second,
			PauseAfter:   4 * time.Minute,
			ResumeWindow: 30 * time.Second,
			PruneAfter:   24 * time.Hour,
		},
		Provider: ProviderConfig{
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			CallsPerSecond: 1,
		},
		Admin: AdminConfig{MaxSkew: 5 * time.Minute},
	}
}

// Load layers defaults, an optional .env file and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func (c *Config) Validate() error {
	var errs []error

	if c.Database.Host == "" || c.Database.Name == "" {
		errs = append(errs, errors.New("database host and name are required"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Session.Interval <= 0 || c.Session.PauseAfter <= 0 || c.Session.ResumeWindow <= 0 {
		errs = append(errs, errors.New("session intervals must be positive"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("provider.timeout must be positive"))
	}
	if c.Provider.MaxRetries < 0 {
		errs = append(errs, errors.New("provider.max_retries must not be negative"))
	}
	if c.Provider.MaxDelay < c.Provider.BaseDelay {
		errs = append(errs, errors.New("provider.max_delay must be >= provider.base_delay"))
	}
	if c.Provider.ProxyURL != "" {
		if _, err := url.Parse(c.Provider.ProxyURL); err != nil {
			errs = append(errs, fmt.Errorf("provider.proxy_url: %w", err))
		}
	}
	if c.Admin.Secret == "" {
		errs = append(errs, errors.New("admin.secret is required"))
	}

	return errors.Join(errs...)
}
