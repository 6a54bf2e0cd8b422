package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.PCName = "station-01"
	cfg.ServerURL = "http://10.0.0.5:3000"
	return cfg
}

func TestValidateTieredMissingServerURLIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.ServerURL = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing serverUrl should be fatal")
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.ServerURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
	if !strings.Contains(result.Fatals[0].Error(), "scheme") {
		t.Fatalf("unexpected fatal: %v", result.Fatals[0])
	}
}

func TestValidateTieredControlCharsInPCNameIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.PCName = "station\x00-01"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in pcName should be fatal")
	}
}

func TestValidateTieredIntervalClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.HeartbeatIntervalMs = 10
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped interval")
	}
	if cfg.HeartbeatIntervalMs != MinHeartbeatIntervalMs {
		t.Fatalf("HeartbeatIntervalMs = %d, want %d", cfg.HeartbeatIntervalMs, MinHeartbeatIntervalMs)
	}
}

func TestValidateTieredHighIntervalClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.HeartbeatIntervalMs = 99999999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.HeartbeatIntervalMs != MaxHeartbeatIntervalMs {
		t.Fatalf("HeartbeatIntervalMs = %d, want %d", cfg.HeartbeatIntervalMs, MaxHeartbeatIntervalMs)
	}
}

func TestValidateTieredInvalidLogLevelIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("log settings should not be fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", result.Warnings)
	}
}

func TestValidateTieredSessionPathGetsLeadingSlash(t *testing.T) {
	cfg := validConfig()
	cfg.SessionPath = "agent/ws"
	cfg.ValidateTiered()
	if cfg.SessionPath != "/agent/ws" {
		t.Fatalf("SessionPath = %q", cfg.SessionPath)
	}
}

func TestValidateTieredValidConfigIsClean(t *testing.T) {
	cfg := validConfig()
	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 0 {
		t.Fatalf("expected clean result, got fatals=%v warnings=%v", result.Fatals, result.Warnings)
	}
}
