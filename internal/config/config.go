// Package config loads the maintenance server configuration from a TOML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Database     DatabaseConfig     `toml:"database"`
	Log          LogConfig          `toml:"log"`
	Actors       ActorsConfig       `toml:"actors"`
	Queues       QueuesConfig       `toml:"queues"`
	Google       GoogleConfig       `toml:"google"`
	ChannelToken ChannelTokenConfig `toml:"channel_token"`
	Feed         FeedConfig         `toml:"feed"`
	Workflow     WorkflowConfig     `toml:"workflow"`
	AWS          AWSConfig          `toml:"aws"`
	Secrets      SecretsConfig      `toml:"secrets"`
	Crypto       CryptoConfig       `toml:"crypto"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// DatabaseConfig locates the registry database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// ActorsConfig addresses the Account and User Graph actors.
type ActorsConfig struct {
	AccountURL     string        `toml:"account_url"`
	UserGraphURL   string        `toml:"user_graph_url"`
	AuthTokenParam string        `toml:"auth_token_param"` // secret name; empty sends no bearer token
	Timeout        time.Duration `toml:"timeout"`
}

// QueuesConfig holds one backend DSN per queue.
type QueuesConfig struct {
	Reconcile string `toml:"reconcile"`
	Sync      string `toml:"sync"`
	Mirror    string `toml:"mirror"`
}

// GoogleConfig holds Google push-channel settings.
type GoogleConfig struct {
	WebhookURL        string        `toml:"webhook_url"`
	CalendarID        string        `toml:"calendar_id"`
	ChannelTTL        time.Duration `toml:"channel_ttl"`
	RenewalWindow     time.Duration `toml:"renewal_window"`
	StaleAfter        time.Duration `toml:"stale_after"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
}

// ChannelTokenConfig configures the channel verification tokens.
type ChannelTokenConfig struct {
	SecretParam string        `toml:"secret_param"`
	TTL         time.Duration `toml:"ttl"`
}

// FeedConfig tunes ICS feed polling.
type FeedConfig struct {
	MinFetchInterval       time.Duration `toml:"min_fetch_interval"`
	DefaultRefreshInterval time.Duration `toml:"default_refresh_interval"`
	MaxBodyBytes           int64         `toml:"max_body_bytes"`
	RequestsPerSecond      float64       `toml:"requests_per_second"`
	Timeout                time.Duration `toml:"timeout"`
	UserAgent              string        `toml:"user_agent"`
}

// WorkflowConfig selects the deletion workflow engine.
// This uses a tagged union pattern: Backend decides which other fields apply.
type WorkflowConfig struct {
	Backend string `toml:"backend"`         // "", "memory" or "dynamodb"
	Table   string `toml:"table,omitempty"` // only used for backend=dynamodb
}

// AWSConfig holds shared AWS SDK settings.
type AWSConfig struct {
	Region string `toml:"region"`
}

// SecretsConfig selects where named secrets are read from.
type SecretsConfig struct {
	Backend string `toml:"backend"` // "env" or "ssm"
}

// CryptoConfig selects the encryptor for sealed feed URLs.
type CryptoConfig struct {
	Backend  string `toml:"backend"`              // "local" or "kms"
	KeyParam string `toml:"key_param,omitempty"`  // secret name of the local key
	KMSKeyID string `toml:"kms_key_id,omitempty"` // only used for backend=kms
}

// Backend names.
const (
	WorkflowNone     = ""
	WorkflowMemory   = "memory"
	WorkflowDynamoDB = "dynamodb"

	SecretsEnv = "env"
	SecretsSSM = "ssm"

	CryptoLocal = "local"
	CryptoKMS   = "kms"
)

// Default returns the configuration used when a setting is absent.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8099"},
		Database: DatabaseConfig{Path: "/data/maintenance.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Actors: ActorsConfig{
			AuthTokenParam: "/tminus/actor-auth-token",
			Timeout:        30 * time.Second,
		},
		Queues: QueuesConfig{
			Reconcile: "sqlite://",
			Sync:      "sqlite://",
			Mirror:    "sqlite://",
		},
		Google: GoogleConfig{
			CalendarID:        "primary",
			ChannelTTL:        7 * 24 * time.Hour,
			RenewalWindow:     24 * time.Hour,
			StaleAfter:        12 * time.Hour,
			RequestsPerSecond: 5,
		},
		ChannelToken: ChannelTokenConfig{
			SecretParam: "/tminus/channel-token-secret",
			TTL:         8 * 24 * time.Hour,
		},
		Feed: FeedConfig{
			MinFetchInterval:       5 * time.Minute,
			DefaultRefreshInterval: 15 * time.Minute,
			MaxBodyBytes:           10 << 20,
			RequestsPerSecond:      2,
			Timeout:                30 * time.Second,
			UserAgent:              "tminus-maintenance/1.0",
		},
		AWS:     AWSConfig{Region: "us-east-1"},
		Secrets: SecretsConfig{Backend: SecretsEnv},
		Crypto: CryptoConfig{
			Backend:  CryptoLocal,
			KeyParam: "/tminus/feed-url-key",
		},
	}
}

// Load reads the TOML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	c.Database.Path = getEnv("DATABASE_PATH", c.Database.Path)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Actors.AccountURL = getEnv("ACCOUNT_ACTOR_URL", c.Actors.AccountURL)
	c.Actors.UserGraphURL = getEnv("USER_GRAPH_URL", c.Actors.UserGraphURL)

	c.Queues.Reconcile = getEnv("RECONCILE_QUEUE_DSN", c.Queues.Reconcile)
	c.Queues.Sync = getEnv("SYNC_QUEUE_DSN", c.Queues.Sync)
	c.Queues.Mirror = getEnv("WRITE_QUEUE_DSN", c.Queues.Mirror)

	c.Google.WebhookURL = getEnv("GOOGLE_WEBHOOK_URL", c.Google.WebhookURL)

	c.Workflow.Backend = getEnv("WORKFLOW_BACKEND", c.Workflow.Backend)
	c.Workflow.Table = getEnv("WORKFLOW_TABLE", c.Workflow.Table)

	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.Secrets.Backend = getEnv("SECRETS_BACKEND", c.Secrets.Backend)
	c.Crypto.Backend = getEnv("CRYPTO_BACKEND", c.Crypto.Backend)
	c.Crypto.KMSKeyID = getEnv("KMS_KEY_ID", c.Crypto.KMSKeyID)
}

// getEnv returns an environment variable value or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	requireURL := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			return
		}
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, value))
		}
	}
	requirePositive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	requireNonEmpty := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	requireNonEmpty("server.addr", c.Server.Addr)
	requireNonEmpty("database.path", c.Database.Path)

	requireURL("actors.account_url", c.Actors.AccountURL)
	requireURL("actors.user_graph_url", c.Actors.UserGraphURL)
	requireURL("google.webhook_url", c.Google.WebhookURL)

	requireNonEmpty("queues.reconcile", c.Queues.Reconcile)
	requireNonEmpty("queues.sync", c.Queues.Sync)
	requireNonEmpty("queues.mirror", c.Queues.Mirror)

	requirePositive("actors.timeout", c.Actors.Timeout)
	requirePositive("google.channel_ttl", c.Google.ChannelTTL)
	requirePositive("google.renewal_window", c.Google.RenewalWindow)
	requirePositive("google.stale_after", c.Google.StaleAfter)
	requirePositive("channel_token.ttl", c.ChannelToken.TTL)
	requirePositive("feed.min_fetch_interval", c.Feed.MinFetchInterval)
	requirePositive("feed.default_refresh_interval", c.Feed.DefaultRefreshInterval)
	requirePositive("feed.timeout", c.Feed.Timeout)
	if c.Feed.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("feed.max_body_bytes must be positive"))
	}

	requireNonEmpty("channel_token.secret_param", c.ChannelToken.SecretParam)

	switch c.Workflow.Backend {
	case WorkflowNone, WorkflowMemory:
	case WorkflowDynamoDB:
		requireNonEmpty("workflow.table", c.Workflow.Table)
	default:
		errs = append(errs, fmt.Errorf("workflow.backend %q is not one of memory, dynamodb", c.Workflow.Backend))
	}

	switch c.Secrets.Backend {
	case SecretsEnv, SecretsSSM:
	default:
		errs = append(errs, fmt.Errorf("secrets.backend %q is not one of env, ssm", c.Secrets.Backend))
	}

	switch c.Crypto.Backend {
	case CryptoLocal:
		requireNonEmpty("crypto.key_param", c.Crypto.KeyParam)
	case CryptoKMS:
		requireNonEmpty("crypto.kms_key_id", c.Crypto.KMSKeyID)
	default:
		errs = append(errs, fmt.Errorf("crypto.backend %q is not one of local, kms", c.Crypto.Backend))
	}

	if c.UsesAWS() {
		requireNonEmpty("aws.region", c.AWS.Region)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// UsesAWS reports whether any configured backend needs AWS credentials.
func (c *Config) UsesAWS() bool {
	return c.Workflow.Backend == WorkflowDynamoDB ||
		c.Secrets.Backend == SecretsSSM ||
		c.Crypto.Backend == CryptoKMS
}
