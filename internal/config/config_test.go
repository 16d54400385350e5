package config

import "testing"

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE", "")
	t.Setenv("PORT", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE", "postgres://localhost/factory")
	t.Setenv("PORT", "")
	t.Setenv("HOSTNAME", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 54428 {
		t.Errorf("expected default port 54428, got %d", cfg.Port)
	}
	if cfg.DataDir != "/var/lib/miniapp-factory" {
		t.Errorf("expected default datadir, got %s", cfg.DataDir)
	}
	if cfg.Hostname != "localhost" {
		t.Errorf("expected default hostname, got %s", cfg.Hostname)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("DATABASE", "postgres://localhost/factory")
	t.Setenv("PORT", "9999")
	t.Setenv("DATADIR", "/tmp/factory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected overridden port 9999, got %d", cfg.Port)
	}
	if cfg.DataDir != "/tmp/factory" {
		t.Errorf("expected overridden datadir, got %s", cfg.DataDir)
	}
}
