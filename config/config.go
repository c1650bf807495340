package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Ledger
	LedgerBackend   string // sqlite, postgres, redis or memory
	SQLitePath      string
	PostgresDSN     string
	RedisAddr       string
	StartBalanceUSD float64
	Users           map[string]string // username -> password

	// Providers
	OpenAIAPIKey   string
	GeminiAPIKey   string
	OpenAIBaseURL  string
	GeminiBaseURL  string
	GatewayTimeout time.Duration

	// Pricing
	MissingUsagePolicy   string // "free" or "estimate"
	ExpectedOutputTokens int

	// Observability
	LogLevel             string
	LogFormat            string // "console" or "json"
	OTELExporterType     string // "none", "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	MetricsEnabled       bool
}

// Load reads an optional .env, then resolves every key from the environment,
// an optional advisor.yaml in the working directory, and built-in defaults,
// in that order of precedence.
func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("advisor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if path := os.Getenv("ADVISOR_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		// advisor.yaml is optional; an explicit ADVISOR_CONFIG is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("ledger_backend", BackendSQLite)
	v.SetDefault("sqlite_path", "wallet.db")
	v.SetDefault("start_balance_usd", "0.05")
	v.SetDefault("advisor_users", "admin:admin,user:user")
	v.SetDefault("gateway_timeout", "60s")
	v.SetDefault("missing_usage_policy", "free")
	v.SetDefault("expected_output_tokens", "90")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("otel_exporter_type", "none")
	v.SetDefault("otel_exporter_endpoint", "localhost:4317")
	v.SetDefault("metrics_enabled", "true")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                 v.GetString("port"),
		LedgerBackend:        strings.ToLower(strings.TrimSpace(v.GetString("ledger_backend"))),
		SQLitePath:           v.GetString("sqlite_path"),
		PostgresDSN:          v.GetString("postgres_dsn"),
		RedisAddr:            v.GetString("redis_addr"),
		OpenAIAPIKey:         v.GetString("openai_api_key"),
		GeminiAPIKey:         v.GetString("gemini_api_key"),
		OpenAIBaseURL:        v.GetString("openai_base_url"),
		GeminiBaseURL:        v.GetString("gemini_base_url"),
		MissingUsagePolicy:   strings.ToLower(strings.TrimSpace(v.GetString("missing_usage_policy"))),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            strings.ToLower(v.GetString("log_format")),
		OTELExporterType:     strings.ToLower(v.GetString("otel_exporter_type")),
		OTELExporterEndpoint: v.GetString("otel_exporter_endpoint"),
	}

	var err error
	if cfg.StartBalanceUSD, err = strconv.ParseFloat(v.GetString("start_balance_usd"), 64); err != nil {
		return nil, fmt.Errorf("invalid START_BALANCE_USD: %w", err)
	}
	if cfg.ExpectedOutputTokens, err = strconv.Atoi(v.GetString("expected_output_tokens")); err != nil {
		return nil, fmt.Errorf("invalid EXPECTED_OUTPUT_TOKENS: %w", err)
	}
	if cfg.GatewayTimeout, err = parseDuration(v.GetString("gateway_timeout")); err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
	}
	if cfg.MetricsEnabled, err = strconv.ParseBool(v.GetString("metrics_enabled")); err != nil {
		return nil, fmt.Errorf("invalid METRICS_ENABLED: %w", err)
	}
	if cfg.Users, err = ParseUsers(v.GetString("advisor_users")); err != nil {
		return nil, fmt.Errorf("invalid ADVISOR_USERS: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	if c.StartBalanceUSD < 0 || math.IsNaN(c.StartBalanceUSD) || math.IsInf(c.StartBalanceUSD, 0) {
		return fmt.Errorf("START_BALANCE_USD must be a non-negative amount, got %v", c.StartBalanceUSD)
	}
	if c.MissingUsagePolicy != "free" && c.MissingUsagePolicy != "estimate" {
		return fmt.Errorf("MISSING_USAGE_POLICY must be free or estimate, got %q", c.MissingUsagePolicy)
	}
	if c.ExpectedOutputTokens <= 0 {
		return fmt.Errorf("EXPECTED_OUTPUT_TOKENS must be positive, got %d", c.ExpectedOutputTokens)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("ADVISOR_USERS must name at least one user")
	}
	return nil
}

// ParseUsers reads "name:password,name:password". Passwords may contain ':'.
func ParseUsers(s string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, password, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("malformed user entry %q", name)
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("duplicate user %q", name)
		}
		users[name] = password
	}
	return users, nil
}

// parseDuration accepts Go durations ("60s") and bare seconds ("60").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
