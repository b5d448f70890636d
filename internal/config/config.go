// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// LedgerNodeMemory selects an in-process chain for the direct path. Only
// valid for a single process with no backend path.
const LedgerNodeMemory = "memory"

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`

	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint   string `mapstructure:"OTLP_ENDPOINT"`

	// APIKeys is a comma separated list of client:key pairs
	APIKeys        string  `mapstructure:"API_KEYS"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	LedgerBackendURL    string        `mapstructure:"LEDGER_BACKEND_URL"`
	LedgerBackendAPIKey string        `mapstructure:"LEDGER_BACKEND_API_KEY"`
	LedgerTimeout       time.Duration `mapstructure:"LEDGER_TIMEOUT"`
	LedgerOptional      bool          `mapstructure:"LEDGER_OPTIONAL"`
	LedgerDirectEnabled bool          `mapstructure:"LEDGER_DIRECT_ENABLED"`
	LedgerSignerAddress string        `mapstructure:"LEDGER_SIGNER_ADDRESS"`
	// LedgerNodeURL is where the direct path submits signed calls
	LedgerNodeURL    string `mapstructure:"LEDGER_NODE_URL"`
	LedgerNodeAPIKey string `mapstructure:"LEDGER_NODE_API_KEY"`
	// GatewayAPIKeys guards the ledger gateway, same format as APIKeys
	GatewayAPIKeys string `mapstructure:"GATEWAY_API_KEYS"`

	LockTimezone string `mapstructure:"LOCK_TIMEZONE"`

	ReconcilerWorkers int `mapstructure:"RECONCILER_WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT",
	"STORE", "DATABASE_URL", "KAFKA_BROKERS",
	"TRACING_ENABLED", "OTLP_ENDPOINT",
	"API_KEYS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"LEDGER_BACKEND_URL", "LEDGER_BACKEND_API_KEY", "LEDGER_TIMEOUT",
	"LEDGER_OPTIONAL", "LEDGER_DIRECT_ENABLED", "LEDGER_SIGNER_ADDRESS",
	"LEDGER_NODE_URL", "LEDGER_NODE_API_KEY", "GATEWAY_API_KEYS", "LOCK_TIMEZONE", "RECONCILER_WORKERS",
}

// Load reads configuration from the environment, falling back to .env and defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("LEDGER_TIMEOUT", "15s")
	v.SetDefault("LEDGER_OPTIONAL", false)
	v.SetDefault("LEDGER_DIRECT_ENABLED", false)
	v.SetDefault("LEDGER_SIGNER_ADDRESS", "0x00000000000000000000000000000000000000d0")
	v.SetDefault("LOCK_TIMEZONE", "UTC")
	v.SetDefault("RECONCILER_WORKERS", 8)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env file is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option combinations
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE=postgres")
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive, got %s", c.LedgerTimeout)
	}
	if c.LedgerDirectEnabled {
		switch {
		case c.LedgerNodeURL == "":
			return errors.New("LEDGER_NODE_URL is required when LEDGER_DIRECT_ENABLED=true")
		case c.LedgerNodeURL == LedgerNodeMemory && c.LedgerBackendURL != "":
			return errors.New("LEDGER_NODE_URL=memory cannot be combined with LEDGER_BACKEND_URL")
		}
	}
	if _, err := ParseAPIKeys(c.APIKeys); err != nil {
		return fmt.Errorf("API_KEYS: %w", err)
	}
	if _, err := ParseAPIKeys(c.GatewayAPIKeys); err != nil {
		return fmt.Errorf("GATEWAY_API_KEYS: %w", err)
	}
	return nil
}

// NodeAPIKey is the key for the ledger node, defaulting to the backend key
func (c *Config) NodeAPIKey() string {
	if c.LedgerNodeAPIKey != "" {
		return c.LedgerNodeAPIKey
	}
	return c.LedgerBackendAPIKey
}

// Location resolves LOCK_TIMEZONE
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.LockTimezone)
	if err != nil {
		return nil, fmt.Errorf("LOCK_TIMEZONE %q: %w", c.LockTimezone, err)
	}
	return loc, nil
}

// APIKeyMap returns the public API keys as key -> client ID
func (c *Config) APIKeyMap() map[string]string {
	m, _ := ParseAPIKeys(c.APIKeys)
	return m
}

// GatewayKeyMap returns the ledger gateway keys as key -> client ID
func (c *Config) GatewayKeyMap() map[string]string {
	m, _ := ParseAPIKeys(c.GatewayAPIKeys)
	return m
}

// EventsEnabled reports whether a broker is configured
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ParseAPIKeys parses "client:key,client2:key2" into key -> client ID
func ParseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(raw) {
		client, key, ok := strings.Cut(pair, ":")
		client, key = strings.TrimSpace(client), strings.TrimSpace(key)
		if !ok || client == "" || key == "" {
			return nil, fmt.Errorf("malformed entry %q, want client:key", pair)
		}
		out[key] = client
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
