// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TransportCredentials is one messaging provider's credential set. The core
// treats it as opaque and hands it to the transport adapter.
type TransportCredentials struct {
	AccountID string
	AuthToken string
	BotID     string
}

// Configured reports whether the credential set is usable.
func (t TransportCredentials) Configured() bool {
	return t.AccountID != "" && t.AuthToken != ""
}

// Config is the full service configuration.
type Config struct {
	AppName     string
	Environment string
	Debug       bool
	SecretKey   string

	ListenAddr      string
	ShutdownTimeout time.Duration

	DatabaseURL    string
	DBEcho         bool
	SQLiteFallback bool

	RedisURL     string
	RedisEnabled bool

	LedgerNetwork      string
	LedgerNodeURL      string
	LedgerNodeToken    string
	LedgerNodeBackups  []string
	LedgerIndexerURL   string
	LedgerIndexerToken string

	EncryptionKey string

	SMS  TransportCredentials
	Chat TransportCredentials

	RateLimitEnabled   bool
	RateLimitPerMinute int

	LogLevel string
	LogFile  string

	TelemetryEnabled  bool
	TelemetryEndpoint string
	TelemetryHeaders  string
	TelemetryInsecure bool
}

// FromEnv reads the configuration, applying development defaults for
// anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:     getenvDefault("APP_NAME", "chatpay"),
		Environment: getenvDefault("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),
		SecretKey:   os.Getenv("SECRET_KEY"),

		ListenAddr:      getenvDefault("LISTEN_ADDR", ":8080"),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBEcho:         envBool("DB_ECHO", false),
		SQLiteFallback: envBool("USE_SQLITE_FALLBACK", true),

		RedisURL:     getenvDefault("REDIS_URL", "redis://localhost:6379/0"),
		RedisEnabled: envBool("REDIS_ENABLED", false),

		LedgerNetwork:      getenvDefault("LEDGER_NETWORK", "testnet"),
		LedgerNodeURL:      getenvDefault("LEDGER_NODE_URL", "https://testnet-api.algonode.cloud"),
		LedgerNodeToken:    os.Getenv("LEDGER_NODE_TOKEN"),
		LedgerNodeBackups:  envList("LEDGER_NODE_BACKUP_URLS"),
		LedgerIndexerURL:   getenvDefault("LEDGER_INDEXER_URL", "https://testnet-idx.algonode.cloud"),
		LedgerIndexerToken: os.Getenv("LEDGER_INDEXER_TOKEN"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		SMS: TransportCredentials{
			AccountID: os.Getenv("SMS_ACCOUNT_ID"),
			AuthToken: os.Getenv("SMS_AUTH_TOKEN"),
			BotID:     os.Getenv("SMS_BOT_ID"),
		},
		Chat: TransportCredentials{
			AccountID: os.Getenv("CHAT_ACCOUNT_ID"),
			AuthToken: os.Getenv("CHAT_AUTH_TOKEN"),
			BotID:     os.Getenv("CHAT_BOT_ID"),
		},

		RateLimitEnabled:   envBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 30),

		LogLevel: getenvDefault("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),

		TelemetryEnabled:  envBool("OTEL_ENABLED", false),
		TelemetryEndpoint: getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		TelemetryHeaders:  os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		TelemetryInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}
	if cfg.EncryptionKey == "" {
		if cfg.Environment == "production" {
			return Config{}, fmt.Errorf("config: ENCRYPTION_KEY is required in production")
		}
		cfg.EncryptionKey = "chatpay-dev-only-encryption-key!"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 30
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
