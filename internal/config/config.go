package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the calendar sync service.
// Values come from config.yaml with environment variable overrides.
// Secrets (keys, client secrets, passwords) must only come from environment variables.
type Config struct {
	Env string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`

	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Google    GoogleConfig    `yaml:"google"`
	Microsoft MicrosoftConfig `yaml:"microsoft"`
	Sync      SyncConfig      `yaml:"sync"`
	Matching  MatchingConfig  `yaml:"matching"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`

	// CredentialsKey seals OAuth token material at rest.
	// Generate with: openssl rand -base64 32
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"`
}

type ServerConfig struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.BindAddr, s.Port)
}

// AuthConfig controls verification of bearer tokens on the HTTP API.
type AuthConfig struct {
	// EnableVerification can be switched off for local development.
	EnableVerification bool   `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`
	JWKSURL            string `yaml:"jwks_url" env:"AUTH_JWKS_URL"`
	Issuer             string `yaml:"issuer" env:"AUTH_ISSUER"`
	Audience           string `yaml:"audience" env:"AUTH_AUDIENCE"`
}

// DatabaseConfig selects and configures the datastore.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite"`

	// SQLite
	Path string `yaml:"path" env:"DB_PATH" env-default:"data/calendar.db"`

	// PostgreSQL
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"calendar"`
	Password       string `yaml:"-" env:"PGPASSWORD"`
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"calendar"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
}

// PostgresURL builds a connection URL from the PostgreSQL fields.
func (d DatabaseConfig) PostgresURL() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id" env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `yaml:"-" env:"GOOGLE_CLIENT_SECRET"`
	// TokenURL overrides the OAuth2 token endpoint.
	TokenURL string `yaml:"token_url" env:"GOOGLE_TOKEN_URL"`
}

type MicrosoftConfig struct {
	ClientID     string `yaml:"client_id" env:"MICROSOFT_CLIENT_ID"`
	ClientSecret string `yaml:"-" env:"MICROSOFT_CLIENT_SECRET"`
	Tenant       string `yaml:"tenant" env:"MICROSOFT_TENANT" env-default:"common"`
	TokenURL     string `yaml:"token_url" env:"MICROSOFT_TOKEN_URL"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	LookaheadDays int           `yaml:"lookahead_days" env:"SYNC_LOOKAHEAD_DAYS" env-default:"14"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" env:"SYNC_FETCH_TIMEOUT" env-default:"30s"`
	// Interval between scheduled runs. Zero disables the scheduler.
	Interval    time.Duration `yaml:"interval" env:"SYNC_INTERVAL" env-default:"15m"`
	Workers     int           `yaml:"workers" env:"SYNC_WORKERS" env-default:"4"`
	RefreshSkew time.Duration `yaml:"refresh_skew" env:"SYNC_REFRESH_SKEW" env-default:"60s"`
}

type MatchingConfig struct {
	// ExcludeFreeMailContacts ignores gmail.com-style contact emails as prospect domains.
	ExcludeFreeMailContacts bool `yaml:"exclude_free_mail_contacts" env:"MATCHING_EXCLUDE_FREE_MAIL_CONTACTS" env-default:"false"`
}

// RedisConfig enables the cross-process per-connection lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"REDIS_LOCK_TTL" env-default:"5m"`
}

// NATSConfig enables sync-completed event publishing when URL is set.
type NATSConfig struct {
	URL              string        `yaml:"url" env:"NATS_URL"`
	DispatchInterval time.Duration `yaml:"dispatch_interval" env:"NATS_DISPATCH_INTERVAL" env-default:"2s"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads configuration from the YAML file at path with environment
// variable overrides. A missing file is not an error; env and defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if _, statErr := os.Stat(path); path != "" && statErr == nil {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CredentialsKey == "" {
		return errors.New("CREDENTIALS_KEY must be set")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Sync.LookaheadDays <= 0 {
		return fmt.Errorf("sync.lookahead_days must be positive, got %d", c.Sync.LookaheadDays)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.FetchTimeout <= 0 {
		return errors.New("sync.fetch_timeout must be positive")
	}
	if c.Auth.EnableVerification && c.Auth.JWKSURL == "" {
		return errors.New("auth.jwks_url is required when verification is enabled")
	}
	return nil
}
