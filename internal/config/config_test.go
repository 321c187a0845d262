package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8084" {
		t.Fatalf("expected default addr :8084, got %s", cfg.HTTPAddr)
	}
	if cfg.QrTTL != 15*time.Minute {
		t.Fatalf("expected default QR TTL 15m, got %s", cfg.QrTTL)
	}
	if !cfg.ExpireSweepEnabled {
		t.Fatalf("expected sweep enabled by default")
	}
	if cfg.EventChannel == "" {
		t.Fatalf("expected a default event channel")
	}
	if cfg.DemoSeed {
		t.Fatalf("expected demo seed off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("QR_TTL", "30m")
	t.Setenv("EXPIRE_SWEEP_ENABLED", "false")
	t.Setenv("EVENT_CHANNEL", "test.channel")
	t.Setenv("DEMO_SEED", "1")

	cfg := Load()
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.HTTPAddr)
	}
	if cfg.QrTTL != 30*time.Minute {
		t.Fatalf("expected 30m, got %s", cfg.QrTTL)
	}
	if cfg.ExpireSweepEnabled {
		t.Fatalf("expected sweep disabled")
	}
	if cfg.EventChannel != "test.channel" {
		t.Fatalf("expected test.channel, got %s", cfg.EventChannel)
	}
	if !cfg.DemoSeed {
		t.Fatalf("expected demo seed enabled")
	}
}

func TestGetenvDurationSecondsFallback(t *testing.T) {
	t.Setenv("EXPIRE_SWEEP_INTERVAL_SECONDS", "90")
	if got := getenvDuration("EXPIRE_SWEEP_INTERVAL", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}

	t.Setenv("EXPIRE_SWEEP_INTERVAL", "not-a-duration")
	if got := getenvDuration("EXPIRE_SWEEP_INTERVAL", time.Minute); got != 90*time.Second {
		t.Fatalf("expected seconds fallback, got %s", got)
	}
}
