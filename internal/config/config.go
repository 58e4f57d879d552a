// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// TokenPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; signs bearer secrets.
	TokenPrivateKey string `mapstructure:"TOKEN_PRIVATE_KEY"`
	// TokenPublicKey is the PEM-encoded public key or path to file; verifies bearer secrets.
	TokenPublicKey string `mapstructure:"TOKEN_PUBLIC_KEY"`
	// TokenIssuer is the iss claim on issued secrets (e.g. "firmhub-security-core").
	TokenIssuer string `mapstructure:"TOKEN_ISSUER"`
	// TokenAudience is the aud claim on issued secrets (e.g. "firmhub-api").
	TokenAudience string `mapstructure:"TOKEN_AUDIENCE"`
	// AccessTTLRaw is the access credential lifetime (e.g. "15m").
	AccessTTLRaw string `mapstructure:"ACCESS_TTL"`
	// RefreshTTLRaw is the renewal credential lifetime (e.g. "168h").
	RefreshTTLRaw string `mapstructure:"REFRESH_TTL"`
	// AuditChainSecret is the keyed-MAC secret for audit record signatures.
	// Required by the sweeper and any binary that appends to or verifies the ledger.
	AuditChainSecret string `mapstructure:"AUDIT_CHAIN_SECRET"`
	// RetentionGraceRaw is how long expired credentials are kept before the sweep deletes them (e.g. "720h").
	RetentionGraceRaw string `mapstructure:"RETENTION_GRACE"`
	// SweepIntervalRaw is the interval between retention sweeps (e.g. "1h").
	SweepIntervalRaw string `mapstructure:"SWEEP_INTERVAL"`
	// SweepBatchSize is the max credentials deleted per sweep batch.
	SweepBatchSize int `mapstructure:"SWEEP_BATCH_SIZE"`
	// MetricsAddr is the address the sweeper's Prometheus endpoint listens on (e.g. :9102).
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("TOKEN_ISSUER", "firmhub-security-core")
	v.SetDefault("TOKEN_AUDIENCE", "firmhub-api")
	v.SetDefault("ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TTL", "168h") // 7d
	v.SetDefault("AUDIT_CHAIN_SECRET", "")
	v.SetDefault("RETENTION_GRACE", "720h") // 30d
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("SWEEP_BATCH_SIZE", 500)
	v.SetDefault("METRICS_ADDR", ":9102")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.SweepBatchSize <= 0 {
		return nil, errors.New("config: SWEEP_BATCH_SIZE must be positive")
	}

	return &cfg, nil
}

// AccessTTL parses AccessTTLRaw as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.AccessTTLRaw)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTTL parses RefreshTTLRaw as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := time.ParseDuration(c.RefreshTTLRaw)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}

// RetentionGrace parses RetentionGraceRaw. Returns 720h if unset or invalid.
func (c *Config) RetentionGrace() time.Duration {
	d, err := time.ParseDuration(c.RetentionGraceRaw)
	if err != nil || d < 0 {
		return 720 * time.Hour
	}
	return d
}

// SweepInterval parses SweepIntervalRaw. Returns 1h if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepIntervalRaw)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
