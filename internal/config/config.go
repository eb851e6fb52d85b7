// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then CLINICORE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"clinicore.org/internal/obs"
	"clinicore.org/internal/store/redis"
)

// EnvPrefix prefixes every environment override. Nested keys are separated by
// a double underscore: CLINICORE_SERVER__ADDR sets server.addr.
const EnvPrefix = "CLINICORE_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Environment string          `koanf:"environment"`
	Server      ServerConfig    `koanf:"server"`
	Store       StoreConfig     `koanf:"store"`
	Auth        AuthConfig      `koanf:"auth"`
	Audit       AuditConfig     `koanf:"audit"`
	Grants      GrantsConfig    `koanf:"grants"`
	Logging     LoggingConfig   `koanf:"logging"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
	Bootstrap   BootstrapConfig `koanf:"bootstrap"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

type StoreConfig struct {
	Driver       string      `koanf:"driver"`
	DSN          string      `koanf:"dsn"`
	MaxOpenConns int         `koanf:"max_open_conns"`
	Migrate      bool        `koanf:"migrate"`
	Redis        RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	DB       int    `koanf:"db"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Prefix   string `koanf:"prefix"`
	PoolSize int    `koanf:"pool_size"`
}

// Options converts the section into the backend's settings.
func (r RedisConfig) Options() redis.Config {
	cfg := redis.DefaultConfig()
	if r.Addr != "" {
		cfg.Addr = r.Addr
	}
	if r.Prefix != "" {
		cfg.Prefix = r.Prefix
	}
	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	cfg.DB = r.DB
	cfg.Username = r.Username
	cfg.Password = r.Password
	return cfg
}

type AuthConfig struct {
	SessionSecret   string        `koanf:"session_secret"`
	SessionTTL      time.Duration `koanf:"session_ttl"`
	Issuer          string        `koanf:"issuer"`
	MinSecretLength int           `koanf:"min_secret_length"`
}

type AuditConfig struct {
	Retention    int           `koanf:"retention"`
	QueueSize    int           `koanf:"queue_size"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// ChainSecret keys the audit hash chain. Empty falls back to the session secret.
	ChainSecret string `koanf:"chain_secret"`
}

// ChainKey is the secret the audit log chains entries with.
func (c *Config) ChainKey() string {
	if s := strings.TrimSpace(c.Audit.ChainSecret); s != "" {
		return s
	}
	return c.Auth.SessionSecret
}

type GrantsConfig struct {
	MinReasonLength int `koanf:"min_reason_length"`
	MaxReasonLength int `koanf:"max_reason_length"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	Stdout     bool   `koanf:"stdout"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// RateLimitConfig limits sign-in attempts per client address.
type RateLimitConfig struct {
	LoginPerMinute int `koanf:"login_per_minute"`
	LoginBurst     int `koanf:"login_burst"`
}

// BootstrapConfig seeds the first administrator when none exists.
type BootstrapConfig struct {
	AdminEmail  string `koanf:"admin_email"`
	AdminName   string `koanf:"admin_name"`
	AdminSecret string `koanf:"admin_secret"`
}

// Enabled reports whether a bootstrap administrator is configured.
func (b BootstrapConfig) Enabled() bool {
	return strings.TrimSpace(b.AdminEmail) != ""
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Store: StoreConfig{
			Driver:       DriverSQLite,
			DSN:          "clinicore.db",
			MaxOpenConns: 10,
			Migrate:      true,
			Redis:        RedisConfig{Addr: "localhost:6379", Prefix: "clinicore:"},
		},
		Auth: AuthConfig{
			SessionTTL:      24 * time.Hour,
			Issuer:          "clinicore",
			MinSecretLength: 8,
		},
		Audit: AuditConfig{
			Retention:    1000,
			QueueSize:    1024,
			WriteTimeout: 5 * time.Second,
		},
		Grants: GrantsConfig{MinReasonLength: 10, MaxReasonLength: 500},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		RateLimit: RateLimitConfig{LoginPerMinute: 10, LoginBurst: 5},
	}
}

// Load reads path (optional; a missing file is not an error) and the
// environment on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// envKey maps CLINICORE_RATE_LIMIT__LOGIN_BURST to rate_limit.login_burst.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	errs := errsx.Map{}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs.Set("server.addr", errors.New("listen address is required"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs.Set("server.max_body_bytes", errors.New("must be positive"))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs.Set("store.dsn", fmt.Errorf("dsn is required for the %s driver", c.Store.Driver))
		}
	default:
		errs.Set("store.driver", fmt.Errorf("unknown driver %q: must be one of memory, sqlite, postgres, redis", c.Store.Driver))
	}
	if len(strings.TrimSpace(c.Auth.SessionSecret)) < 16 {
		errs.Set("auth.session_secret", errors.New("must be at least 16 characters"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs.Set("auth.session_ttl", errors.New("must be positive"))
	}
	if c.Auth.MinSecretLength < 8 {
		errs.Set("auth.min_secret_length", errors.New("must be at least 8"))
	}
	if c.Audit.Retention <= 0 {
		errs.Set("audit.retention", errors.New("must be positive"))
	}
	if c.Audit.QueueSize <= 0 {
		errs.Set("audit.queue_size", errors.New("must be positive"))
	}
	if s := strings.TrimSpace(c.Audit.ChainSecret); s != "" && len(s) < 16 {
		errs.Set("audit.chain_secret", errors.New("must be at least 16 characters when set"))
	}
	if c.Grants.MinReasonLength <= 0 || c.Grants.MaxReasonLength < c.Grants.MinReasonLength {
		errs.Set("grants", fmt.Errorf("reason bounds [%d, %d] are invalid", c.Grants.MinReasonLength, c.Grants.MaxReasonLength))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs.Set("logging.format", fmt.Errorf("unknown format %q", c.Logging.Format))
	}
	if c.RateLimit.LoginPerMinute < 0 || c.RateLimit.LoginBurst < 0 {
		errs.Set("rate_limit", errors.New("must be non-negative"))
	}
	if c.Bootstrap.Enabled() && len(c.Bootstrap.AdminSecret) < c.Auth.MinSecretLength {
		errs.Set("bootstrap.admin_secret", fmt.Errorf("must be at least %d characters", c.Auth.MinSecretLength))
	}
	return errs.AsError()
}

// LogConfig converts the logging section for obs.NewLogger.
func (c *Config) LogConfig(service, version string) obs.LogConfig {
	format := strings.ToLower(c.Logging.Format)
	if format == "" {
		format = "json"
	}
	return obs.LogConfig{
		Level:       c.Logging.Level,
		Format:      format,
		Stdout:      c.Logging.Stdout,
		File:        c.Logging.File,
		MaxSizeMB:   c.Logging.MaxSizeMB,
		MaxBackups:  c.Logging.MaxBackups,
		MaxAgeDays:  c.Logging.MaxAgeDays,
		Compress:    c.Logging.Compress,
		Service:     service,
		Version:     version,
		Environment: c.Environment,
	}
}
