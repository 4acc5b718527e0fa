package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MARTPOS_AUTH_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %q", cfg.Address())
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty auth secret when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadHonorsEnvironment(t *testing.T) {
	t.Setenv("MARTPOS_PORT", "9191")
	t.Setenv("MARTPOS_DATABASE_URL", "postgres://localhost/martpos_test")
	t.Setenv("MARTPOS_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9191" {
		t.Fatalf("expected port 9191, got %q", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://localhost/martpos_test" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.LogLevel)
	}
}
