package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/config"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger("warn", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("username", "admin").Msg("shown")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "shown" || entry["level"] != "warn" || entry["service"] != "coin-advisor" {
		t.Errorf("Unexpected entry %v", entry)
	}
}

func TestNewLogger_Invalid(t *testing.T) {
	if _, err := NewLogger("loud", "json", nil); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := NewLogger("info", "xml", nil); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer("test", &config.Config{OTELExporterType: ExporterNone}, zerolog.Nop())
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()

	if _, err := InitTracer("test", &config.Config{OTELExporterType: "jaeger"}, zerolog.Nop()); err == nil {
		t.Error("Expected error for unknown exporter")
	}
}
