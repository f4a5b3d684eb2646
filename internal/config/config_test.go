package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Warmth.DefaultMode != "medium" || cfg.Warmth.Blend != "reset" {
		t.Errorf("warmth defaults = %q/%q", cfg.Warmth.DefaultMode, cfg.Warmth.Blend)
	}
	if cfg.Entitlements.SweepLookahead != 48*time.Hour {
		t.Errorf("SweepLookahead = %s", cfg.Entitlements.SweepLookahead)
	}
	if cfg.Entitlements.TrialCooldown != 90*24*time.Hour {
		t.Errorf("TrialCooldown = %s", cfg.Entitlements.TrialCooldown)
	}
	if cfg.RateLimit.CallerLimit != 100 || cfg.RateLimit.CallerWindow != time.Minute {
		t.Errorf("rate limit defaults = %d/%s", cfg.RateLimit.CallerLimit, cfg.RateLimit.CallerWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("WARMTH_DEFAULT_MODE", "fast")
	t.Setenv("WARMTH_BLEND", "additive")
	t.Setenv("SWEEP_LOOKAHEAD", "24h")
	t.Setenv("SWEEP_BATCH_SIZE", "25")
	t.Setenv("WEBHOOK_IOS_SECRET", "ios-secret")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Warmth.DefaultMode != "fast" || cfg.Warmth.Blend != "additive" {
		t.Errorf("warmth = %q/%q", cfg.Warmth.DefaultMode, cfg.Warmth.Blend)
	}
	if cfg.Entitlements.SweepLookahead != 24*time.Hour || cfg.Entitlements.SweepBatchSize != 25 {
		t.Errorf("sweep = %s/%d", cfg.Entitlements.SweepLookahead, cfg.Entitlements.SweepBatchSize)
	}
	if cfg.Webhooks.IOSSecret != "ios-secret" {
		t.Errorf("IOSSecret = %q", cfg.Webhooks.IOSSecret)
	}
	if !cfg.Log.Pretty {
		t.Error("LOG_PRETTY not honored")
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	t.Setenv("WARMTH_DEFAULT_MODE", "glacial")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestLoadRejectsInvalidBlend(t *testing.T) {
	t.Setenv("WARMTH_BLEND", "blendy")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid blend")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SWEEP_BATCH_SIZE", "lots")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Entitlements.SweepBatchSize != 100 {
		t.Errorf("SweepBatchSize = %d, want fallback 100", cfg.Entitlements.SweepBatchSize)
	}
	if cfg.RateLimit.CallerWindow != time.Minute {
		t.Errorf("CallerWindow = %s, want fallback", cfg.RateLimit.CallerWindow)
	}
}
