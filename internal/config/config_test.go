package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFullConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `bus: system
page_path: /run/sysgenid/generation
serve:
  listen: 127.0.0.1:8486
  log_level: debug
  log_format: json
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Bus != "system" {
		t.Errorf("Bus = %q, want system", cfg.Bus)
	}
	if cfg.PagePath != "/run/sysgenid/generation" {
		t.Errorf("PagePath = %q", cfg.PagePath)
	}
	if cfg.Serve.Listen != "127.0.0.1:8486" {
		t.Errorf("Serve.Listen = %q", cfg.Serve.Listen)
	}
	if cfg.Serve.LogLevel != "debug" {
		t.Errorf("Serve.LogLevel = %q, want debug", cfg.Serve.LogLevel)
	}
	if cfg.Serve.LogFormat != "json" {
		t.Errorf("Serve.LogFormat = %q, want json", cfg.Serve.LogFormat)
	}
}

func TestLoadMissingFileIsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("Load of missing file = %+v, want zero Config", cfg)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("bus: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load of invalid YAML succeeded, want error")
	}
}

func TestDefaultPathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")

	want := "/tmp/xdg-config/sysgenid/config.yaml"
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestDefaultPagePath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got, want := DefaultPagePath(), "/run/user/1000/sysgenid/generation"; got != want {
		t.Errorf("DefaultPagePath() = %q, want %q", got, want)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if got, want := DefaultPagePath(), "/run/sysgenid/generation"; got != want {
		t.Errorf("DefaultPagePath() without XDG_RUNTIME_DIR = %q, want %q", got, want)
	}
}
