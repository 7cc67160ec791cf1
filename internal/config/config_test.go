package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Channel.SendTimeout = 20 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Channel.SendTimeout != 20*time.Second {
		t.Errorf("SendTimeout = %v, want 20s", loaded.Channel.SendTimeout)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestResolveMissingUsesDefaults(t *testing.T) {
	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Channel.RetryWindow != 3*time.Minute {
		t.Errorf("RetryWindow = %v, want 3m", cfg.Channel.RetryWindow)
	}
	if cfg.Channel.SendTimeout < 10*time.Second || cfg.Channel.SendTimeout > 30*time.Second {
		t.Errorf("SendTimeout = %v, want within 10s..30s", cfg.Channel.SendTimeout)
	}
}

func TestResolveOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_session = "clinic"

[backend]
base_url = "https://portal.example.com"

[channel]
backoff_initial = "2s"
retry_window = "5m"
send_timeout = "0s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.DefaultSession != "clinic" {
		t.Errorf("DefaultSession = %q", cfg.DefaultSession)
	}
	if cfg.Backend.BaseURL != "https://portal.example.com" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.ChannelURL != Default().Backend.ChannelURL {
		t.Errorf("ChannelURL = %q, want default", cfg.Backend.ChannelURL)
	}
	if cfg.Channel.BackoffInitial != 2*time.Second || cfg.Channel.RetryWindow != 5*time.Minute {
		t.Errorf("channel = %+v", cfg.Channel)
	}
	// An explicit zero falls back to the default.
	if cfg.Channel.SendTimeout != Default().Channel.SendTimeout {
		t.Errorf("SendTimeout = %v, want default", cfg.Channel.SendTimeout)
	}
}

func TestResolveMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_session = ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(path); err == nil {
		t.Error("Resolve() expected error for malformed file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
