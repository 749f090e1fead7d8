package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.DefaultOrgID != "org-demo" {
		t.Fatalf("unexpected org %q", cfg.DefaultOrgID)
	}
	if cfg.SessionTTL() != 12*time.Hour {
		t.Fatalf("unexpected session ttl %s", cfg.SessionTTL())
	}
	if cfg.VarianceAlertThreshold != 5000 {
		t.Fatalf("unexpected threshold %d", cfg.VarianceAlertThreshold)
	}
}

func TestLoadClampsOutOfRangeValues(t *testing.T) {
	t.Setenv("CATALOG_TTL_SECONDS", "0")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("MANAGER_PIN", "  739154 ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CatalogTTL() != time.Minute {
		t.Fatalf("expected catalog ttl fallback, got %s", cfg.CatalogTTL())
	}
	if cfg.TokenTTL() != 8*time.Hour {
		t.Fatalf("expected token ttl fallback, got %s", cfg.TokenTTL())
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("expected worker concurrency fallback, got %d", cfg.WorkerConcurrency)
	}
	if cfg.ManagerPIN != "739154" {
		t.Fatalf("expected trimmed pin, got %q", cfg.ManagerPIN)
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("REDIS_DB", "zero")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error for REDIS_DB")
	}
}
