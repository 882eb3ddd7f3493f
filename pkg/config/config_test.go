package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("TEST_INTERVAL", "250ms")
	if got := GetDuration("TEST_INTERVAL", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
	t.Setenv("TEST_INTERVAL", "7")
	if got := GetDuration("TEST_INTERVAL", time.Second); got != 7*time.Second {
		t.Fatalf("expected bare integer as seconds, got %v", got)
	}
	t.Setenv("TEST_INTERVAL", "soon")
	if got := GetDuration("TEST_INTERVAL", time.Second); got != time.Second {
		t.Fatalf("expected fallback for invalid value, got %v", got)
	}
}

func TestGetIntAndBoolFallback(t *testing.T) {
	t.Setenv("TEST_COUNT", " 12 ")
	if got := GetInt("TEST_COUNT", 3); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	t.Setenv("TEST_COUNT", "twelve")
	if got := GetInt("TEST_COUNT", 3); got != 3 {
		t.Fatalf("expected fallback for invalid int, got %d", got)
	}
	t.Setenv("TEST_FLAG", "")
	if got := GetBool("TEST_FLAG", true); !got {
		t.Fatal("expected fallback for blank bool")
	}
	t.Setenv("TEST_FLAG", "false")
	if got := GetBool("TEST_FLAG", true); got {
		t.Fatal("expected false")
	}
}

func TestParseUsers(t *testing.T) {
	users := ParseUsers("admin:pw:admin, dev:secret ,broken,:x")
	if len(users) != 2 {
		t.Fatalf("expected two users, got %d (%v)", len(users), users)
	}
	if users["admin"] != "pw:admin" {
		t.Fatalf("unexpected admin entry %q", users["admin"])
	}
	if users["dev"] != "secret:developer" {
		t.Fatalf("expected default role, got %q", users["dev"])
	}
}

func TestLoadCLIConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "api_url: https://hub.example.com\npoll_interval: 2s\nrealtime: false\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PLATFORMHUB_OUTPUT", "json")

	cfg, err := LoadCLIConfig(NewCLIViper(path))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.APIBaseURL != "https://hub.example.com" {
		t.Fatalf("unexpected api url %q", cfg.APIBaseURL)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
	if cfg.Realtime {
		t.Fatal("expected realtime disabled from file")
	}
	if !cfg.Polling {
		t.Fatal("expected polling default to stay enabled")
	}
	if cfg.Output != "json" {
		t.Fatalf("expected env override for output, got %q", cfg.Output)
	}
	if cfg.CredentialsFile == "" {
		t.Fatal("expected credentials file default")
	}
}
