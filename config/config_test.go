package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearEnv isolates Load from the developer's shell and any .env file.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LEDGER_BACKEND", "SQLITE_PATH", "POSTGRES_DSN", "REDIS_ADDR",
		"OPENAI_API_KEY", "GEMINI_API_KEY", "OPENAI_BASE_URL", "GEMINI_BASE_URL",
		"GATEWAY_TIMEOUT", "START_BALANCE_USD", "ADVISOR_USERS", "MISSING_USAGE_POLICY",
		"EXPECTED_OUTPUT_TOKENS", "LOG_LEVEL", "LOG_FORMAT", "OTEL_EXPORTER_TYPE",
		"OTEL_EXPORTER_ENDPOINT", "METRICS_ENABLED", "ADVISOR_CONFIG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.LedgerBackend != BackendSQLite || cfg.SQLitePath != "wallet.db" {
		t.Errorf("Unexpected server/ledger defaults %+v", cfg)
	}
	if cfg.StartBalanceUSD != 0.05 || cfg.ExpectedOutputTokens != 90 || cfg.MissingUsagePolicy != "free" {
		t.Errorf("Unexpected pricing defaults %+v", cfg)
	}
	if cfg.GatewayTimeout != 60*time.Second {
		t.Errorf("Expected 60s timeout, got %v", cfg.GatewayTimeout)
	}
	if !reflect.DeepEqual(cfg.Users, map[string]string{"admin": "admin", "user": "user"}) {
		t.Errorf("Unexpected users %v", cfg.Users)
	}
	if cfg.OTELExporterType != "none" || !cfg.MetricsEnabled || cfg.LogFormat != "console" {
		t.Errorf("Unexpected observability defaults %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGER_BACKEND", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/advisor")
	t.Setenv("GATEWAY_TIMEOUT", "15")
	t.Setenv("START_BALANCE_USD", "1.5")
	t.Setenv("ADVISOR_USERS", "alice:s3:cret")
	t.Setenv("MISSING_USAGE_POLICY", "estimate")
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LedgerBackend != BackendPostgres || cfg.PostgresDSN != "postgres://localhost/advisor" {
		t.Errorf("Unexpected ledger config %+v", cfg)
	}
	if cfg.GatewayTimeout != 15*time.Second {
		t.Errorf("Expected bare seconds to parse, got %v", cfg.GatewayTimeout)
	}
	if cfg.StartBalanceUSD != 1.5 || cfg.MissingUsagePolicy != "estimate" || cfg.MetricsEnabled {
		t.Errorf("Unexpected overrides %+v", cfg)
	}
	if cfg.Users["alice"] != "s3:cret" {
		t.Errorf("Expected password with colon to survive, got %v", cfg.Users)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	yaml := "ledger_backend: memory\nport: \"9090\"\nexpected_output_tokens: 120\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADVISOR_CONFIG", path)
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LedgerBackend != BackendMemory || cfg.ExpectedOutputTokens != 120 {
		t.Errorf("Expected file values, got %+v", cfg)
	}
	if cfg.Port != "7070" {
		t.Errorf("Expected env to win over file, got %q", cfg.Port)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADVISOR_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without dsn", map[string]string{"LEDGER_BACKEND": "postgres"}, "POSTGRES_DSN"},
		{"redis without addr", map[string]string{"LEDGER_BACKEND": "redis"}, "REDIS_ADDR"},
		{"unknown backend", map[string]string{"LEDGER_BACKEND": "mongo"}, "LEDGER_BACKEND"},
		{"negative balance", map[string]string{"START_BALANCE_USD": "-1"}, "START_BALANCE_USD"},
		{"bad balance", map[string]string{"START_BALANCE_USD": "lots"}, "START_BALANCE_USD"},
		{"unknown policy", map[string]string{"MISSING_USAGE_POLICY": "double"}, "MISSING_USAGE_POLICY"},
		{"empty users", map[string]string{"ADVISOR_USERS": " , "}, "ADVISOR_USERS"},
		{"malformed users", map[string]string{"ADVISOR_USERS": "admin"}, "ADVISOR_USERS"},
		{"bad timeout", map[string]string{"GATEWAY_TIMEOUT": "soon"}, "GATEWAY_TIMEOUT"},
		{"zero output tokens", map[string]string{"EXPECTED_OUTPUT_TOKENS": "0"}, "EXPECTED_OUTPUT_TOKENS"},
		{"negative output tokens", map[string]string{"EXPECTED_OUTPUT_TOKENS": "-5"}, "EXPECTED_OUTPUT_TOKENS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestParseUsers_NeverEchoesPasswords(t *testing.T) {
	_, err := ParseUsers("admin:hunter2,admin:hunter3")
	if err == nil || strings.Contains(err.Error(), "hunter") {
		t.Errorf("Expected duplicate error without password, got %v", err)
	}
}
