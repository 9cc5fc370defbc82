// Package config loads evidence service configuration from an optional YAML
// file with koanf, then overlays environment variables with envdecode.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Backend drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSupabase = "supabase"
	DriverS3       = "s3"
	DriverLocal    = "local"
	DriverRedis    = "redis"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Auth         AuthConfig         `koanf:"auth"`
	Storage      StorageConfig      `koanf:"storage"`
	Supabase     SupabaseConfig     `koanf:"supabase"`
	Feed         FeedConfig         `koanf:"feed"`
	Blob         BlobConfig         `koanf:"blob"`
	Wallet       WalletConfig       `koanf:"wallet"`
	Registration RegistrationConfig `koanf:"registration"`
	Audit        AuditConfig        `koanf:"audit"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
	CORS         CORSConfig         `koanf:"cors"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" env:"EVIDENCE_ADDR"`
	ReadTimeout     time.Duration `koanf:"read_timeout" env:"EVIDENCE_READ_TIMEOUT"`
	WriteTimeout    time.Duration `koanf:"write_timeout" env:"EVIDENCE_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" env:"EVIDENCE_SHUTDOWN_TIMEOUT"`
}

type LoggingConfig struct {
	Level      string `koanf:"level" env:"EVIDENCE_LOG_LEVEL"`
	Format     string `koanf:"format" env:"EVIDENCE_LOG_FORMAT"`
	Output     string `koanf:"output" env:"EVIDENCE_LOG_OUTPUT"`
	FilePrefix string `koanf:"file_prefix" env:"EVIDENCE_LOG_FILE_PREFIX"`
}

type AuthConfig struct {
	JWTSecret    string `koanf:"jwt_secret" env:"SUPABASE_JWT_SECRET"`
	Audience     string `koanf:"audience" env:"EVIDENCE_JWT_AUDIENCE"`
	// AdminUserIDs is a comma separated allowlist of admin user ids.
	AdminUserIDs string `koanf:"admin_user_ids" env:"EVIDENCE_ADMIN_USER_IDS"`
}

type StorageConfig struct {
	Driver      string `koanf:"driver" env:"EVIDENCE_STORAGE_DRIVER"`
	DatabaseURL string `koanf:"database_url" env:"DATABASE_URL"`
	AutoMigrate bool   `koanf:"auto_migrate" env:"EVIDENCE_AUTO_MIGRATE"`
}

type SupabaseConfig struct {
	URL        string        `koanf:"url" env:"SUPABASE_URL"`
	ServiceKey string        `koanf:"service_key" env:"SUPABASE_SERVICE_KEY"`
	Timeout    time.Duration `koanf:"timeout" env:"SUPABASE_TIMEOUT"`
	Realtime   bool          `koanf:"realtime" env:"SUPABASE_REALTIME"`
}

type FeedConfig struct {
	Driver   string `koanf:"driver" env:"EVIDENCE_FEED_DRIVER"`
	RedisURL string `koanf:"redis_url" env:"REDIS_URL"`
	Channel  string `koanf:"channel" env:"EVIDENCE_FEED_CHANNEL"`
}

type BlobConfig struct {
	Driver    string        `koanf:"driver" env:"EVIDENCE_BLOB_DRIVER"`
	Bucket    string        `koanf:"bucket" env:"EVIDENCE_BLOB_BUCKET"`
	URLExpiry time.Duration `koanf:"url_expiry" env:"EVIDENCE_BLOB_URL_EXPIRY"`
	S3        S3Config      `koanf:"s3"`
}

type S3Config struct {
	Endpoint        string `koanf:"endpoint" env:"S3_ENDPOINT"`
	Region          string `koanf:"region" env:"S3_REGION"`
	AccessKeyID     string `koanf:"access_key_id" env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `koanf:"secret_access_key" env:"S3_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `koanf:"use_path_style" env:"S3_USE_PATH_STYLE"`
}

type WalletConfig struct {
	// RPCURL is the signer endpoint answering eth_requestAccounts and
	// eth_sendTransaction.
	RPCURL       string        `koanf:"rpc_url" env:"WALLET_RPC_URL"`
	RPCTimeout   time.Duration `koanf:"rpc_timeout" env:"WALLET_RPC_TIMEOUT"`
	PollInterval time.Duration `koanf:"poll_interval" env:"WALLET_POLL_INTERVAL"`
	WaitTimeout  time.Duration `koanf:"wait_timeout" env:"WALLET_WAIT_TIMEOUT"`
}

type RegistrationConfig struct {
	Timeout       time.Duration `koanf:"timeout" env:"EVIDENCE_REGISTRATION_TIMEOUT"`
	MaxFileSize   int64         `koanf:"max_file_size" env:"EVIDENCE_MAX_FILE_SIZE"`
	StaleAfter    time.Duration `koanf:"stale_after" env:"EVIDENCE_STALE_AFTER"`
	SweepSchedule string        `koanf:"sweep_schedule" env:"EVIDENCE_SWEEP_SCHEDULE"`
}

type AuditConfig struct {
	Buffer  int           `koanf:"buffer" env:"EVIDENCE_AUDIT_BUFFER"`
	Timeout time.Duration `koanf:"timeout" env:"EVIDENCE_AUDIT_TIMEOUT"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" env:"EVIDENCE_RATE_LIMIT_RPS"`
	Burst             int     `koanf:"burst" env:"EVIDENCE_RATE_LIMIT_BURST"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins" env:"EVIDENCE_CORS_ORIGINS"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Storage:  StorageConfig{Driver: DriverMemory, AutoMigrate: true},
		Supabase: SupabaseConfig{Timeout: 30 * time.Second},
		Feed:     FeedConfig{Driver: DriverLocal, Channel: "evidence:changes"},
		Blob:     BlobConfig{Driver: DriverMemory, Bucket: "evidence-files", URLExpiry: 15 * time.Minute},
		Wallet: WalletConfig{
			RPCTimeout:   5 * time.Minute,
			PollInterval: 2 * time.Second,
			WaitTimeout:  5 * time.Minute,
		},
		Registration: RegistrationConfig{
			Timeout:       10 * time.Minute,
			MaxFileSize:   100 << 20,
			StaleAfter:    30 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		Audit:     AuditConfig{Buffer: 1024, Timeout: 5 * time.Second},
		RateLimit: RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
		if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Blob.Driver = strings.ToLower(strings.TrimSpace(c.Blob.Driver))
	c.Feed.Driver = strings.ToLower(strings.TrimSpace(c.Feed.Driver))
	c.Supabase.URL = strings.TrimRight(c.Supabase.URL, "/")
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		add("auth.jwt_secret (SUPABASE_JWT_SECRET) is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			add("storage.database_url (DATABASE_URL) is required for the postgres driver")
		}
	case DriverSupabase:
		c.requireSupabase(add, "storage")
	default:
		add("storage.driver %q must be one of memory, postgres, supabase", c.Storage.Driver)
	}

	switch c.Blob.Driver {
	case DriverMemory:
	case DriverS3:
		if c.Blob.Bucket == "" {
			add("blob.bucket is required for the s3 driver")
		}
		if c.Blob.S3.AccessKeyID == "" || c.Blob.S3.SecretAccessKey == "" {
			add("blob.s3 credentials are required for the s3 driver")
		}
	case DriverSupabase:
		c.requireSupabase(add, "blob")
	default:
		add("blob.driver %q must be one of memory, s3, supabase", c.Blob.Driver)
	}

	switch c.Feed.Driver {
	case DriverLocal:
	case DriverRedis:
		if c.Feed.RedisURL == "" {
			add("feed.redis_url (REDIS_URL) is required for the redis driver")
		}
	default:
		add("feed.driver %q must be one of local, redis", c.Feed.Driver)
	}

	if c.Wallet.RPCURL != "" {
		if u, err := url.Parse(c.Wallet.RPCURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("wallet.rpc_url %q must be an http(s) URL", c.Wallet.RPCURL)
		}
	}
	if c.Registration.MaxFileSize <= 0 {
		add("registration.max_file_size must be positive")
	}
	if c.Registration.StaleAfter <= 0 {
		add("registration.stale_after must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		add("rate_limit values must not be negative")
	}

	return errors.Join(errs...)
}

func (c Config) requireSupabase(add func(string, ...interface{}), section string) {
	if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
		add("%s driver supabase requires supabase.url and supabase.service_key", section)
	}
}
