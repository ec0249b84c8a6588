package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope", "config.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Channel.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d, want 5", cfg.Channel.ReconnectAttempts)
	}
	if cfg.Chat.MaxAttachmentBytes != 10<<20 {
		t.Errorf("MaxAttachmentBytes = %d, want 10 MiB", cfg.Chat.MaxAttachmentBytes)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"gateway": {"base_url": "https://backoffice.example.com/api", "timeout_seconds": 30},
		"channel": {"url": "wss://backoffice.example.com/channel", "reconnect_attempts": 3}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Gateway.BaseURL != "https://backoffice.example.com/api" {
		t.Errorf("BaseURL = %q", cfg.Gateway.BaseURL)
	}
	if cfg.Channel.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", cfg.Channel.ReconnectAttempts)
	}
	// Untouched fields keep their defaults.
	if cfg.Channel.ReconnectDelaySeconds != 1 {
		t.Errorf("ReconnectDelaySeconds = %d, want 1", cfg.Channel.ReconnectDelaySeconds)
	}
}

func TestLoadConfig_EnvOnlyStillValidated(t *testing.T) {
	t.Setenv("ORDERTALK_RECONNECT_ATTEMPTS", "-1")

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope", "config.json")); err == nil {
		t.Fatal("invalid env-only configuration should fail validation")
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"chat": {"sender_role": "driver"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ORDERTALK_SENDER_ROLE", "dispatcher")
	t.Setenv("ORDERTALK_RECONNECT_ATTEMPTS", "7")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Chat.SenderRole != "dispatcher" {
		t.Errorf("SenderRole = %q, want env override", cfg.Chat.SenderRole)
	}
	if cfg.Channel.ReconnectAttempts != 7 {
		t.Errorf("ReconnectAttempts = %d, want 7", cfg.Channel.ReconnectAttempts)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing gateway URL should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Channel.ReconnectAttempts = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative reconnect attempts should fail validation")
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
