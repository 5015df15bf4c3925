package config

import (
	"testing"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.ChunkTokenSize != 1200 {
		t.Fatalf("expected default chunk token size 1200, got %d", cfg.ChunkTokenSize)
	}
	if cfg.SourceIDsLimitMethod != model.MethodFIFO {
		t.Fatalf("expected default FIFO method, got %s", cfg.SourceIDsLimitMethod)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected default poll interval 5s, got %s", cfg.PollInterval)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CHUNK_TOKEN_SIZE", "500")
	t.Setenv("SOURCE_IDS_LIMIT_METHOD", "KEEP")
	t.Setenv("EXTRACTION_TEMPERATURE", "0.7")
	t.Setenv("POLL_INTERVAL", "2s")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected overridden port 9090, got %s", cfg.Port)
	}
	if cfg.ChunkTokenSize != 500 {
		t.Fatalf("expected overridden chunk token size 500, got %d", cfg.ChunkTokenSize)
	}
	if cfg.SourceIDsLimitMethod != model.MethodKEEP {
		t.Fatalf("expected overridden KEEP method, got %s", cfg.SourceIDsLimitMethod)
	}
	if cfg.ExtractionTemperature != 0.7 {
		t.Fatalf("expected overridden temperature 0.7, got %v", cfg.ExtractionTemperature)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("expected overridden poll interval 2s, got %s", cfg.PollInterval)
	}
}

func TestEnvOrIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("BAD_INT", "not-a-number")
	if got := envOrInt("BAD_INT", 42); got != 42 {
		t.Fatalf("expected fallback 42, got %d", got)
	}
}
