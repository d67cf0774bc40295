package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnInvalidDurations(t *testing.T) {
	t.Setenv("INVOICE_LOCK_TTL_SECONDS", "0")
	t.Setenv("INVOICE_CACHE_TTL_SECONDS", "abc")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.InvoiceLockTTL() != 10*time.Second {
		t.Fatalf("expected default lock ttl, got %s", cfg.InvoiceLockTTL())
	}
	if cfg.InvoiceCacheTTL() != 30*time.Second {
		t.Fatalf("expected default cache ttl, got %s", cfg.InvoiceCacheTTL())
	}
	if cfg.AccessTokenTTL() != 480*time.Minute {
		t.Fatalf("expected default token ttl, got %s", cfg.AccessTokenTTL())
	}
}

func TestLoadReadsStorageAndLogging(t *testing.T) {
	t.Setenv("SQLITE_PATH", " /tmp/pos.db ")
	t.Setenv("INVOICE_CACHE_TTL_SECONDS", "0")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("APP_ENV", "development")

	cfg := Load()
	if cfg.SQLitePath != "/tmp/pos.db" {
		t.Fatalf("expected trimmed sqlite path, got %q", cfg.SQLitePath)
	}
	if cfg.InvoiceCacheTTLSeconds != 0 {
		t.Fatalf("expected cache ttl 0 to disable caching, got %d", cfg.InvoiceCacheTTLSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected lowercased log level, got %q", cfg.LogLevel)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development mode")
	}
}
