package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VOCORCH_HOME", dir)
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != SourceLocal {
		t.Errorf("Source = %q, want local", cfg.Source)
	}
	if cfg.DashboardPort != 8787 {
		t.Errorf("DashboardPort = %d, want 8787", cfg.DashboardPort)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("dashboard_port: 9001\nsource: telegram\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DashboardPort != 9001 {
		t.Errorf("DashboardPort = %d, want 9001", cfg.DashboardPort)
	}
	if cfg.Source != SourceTelegram {
		t.Errorf("Source = %q, want telegram", cfg.Source)
	}
}

func TestValidateMissingAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg := defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestValidateTelegramRequiresToken(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	cfg := defaults()
	cfg.Source = SourceTelegram
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing telegram token")
	}
}

func TestModelAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "secret-key")
	cfg := defaults()
	if got := cfg.ModelAPIKey(); got != "secret-key" {
		t.Errorf("ModelAPIKey = %q, want secret-key", got)
	}
}
