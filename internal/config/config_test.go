package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DEFAULT_TAX_RATE", "MPESA_CORRELATION_TTL_MINUTES", "TRACK_LOCATIONS", "DEFAULT_LOCATION_ID", "MPESA_CONSUMER_KEY"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.DefaultTaxRate.IntPart() != 16 {
		t.Fatalf("expected default tax rate 16, got %s", cfg.DefaultTaxRate)
	}
	if cfg.CorrelationTTL != 10*time.Minute {
		t.Fatalf("expected 10m correlation ttl, got %s", cfg.CorrelationTTL)
	}
	if cfg.TrackLocations {
		t.Fatalf("expected location tracking off by default")
	}
	if cfg.DefaultLocationID != "main" {
		t.Fatalf("expected main location, got %q", cfg.DefaultLocationID)
	}
	if cfg.Mpesa.Enabled() {
		t.Fatalf("expected mpesa disabled without credentials")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("DEFAULT_TAX_RATE", "8")
	t.Setenv("TRACK_LOCATIONS", "true")
	t.Setenv("MPESA_SWEEP_INTERVAL_SECONDS", "15")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-4")

	cfg := Load()
	if cfg.DefaultTaxRate.IntPart() != 8 {
		t.Fatalf("expected tax rate 8, got %s", cfg.DefaultTaxRate)
	}
	if !cfg.TrackLocations {
		t.Fatalf("expected location tracking on")
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Fatalf("expected 15s sweep, got %s", cfg.SweepInterval)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected fallback token ttl, got %d", cfg.AccessTokenTTLMinutes)
	}
}
