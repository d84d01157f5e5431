package main

import (
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig on empty home: %v", err)
	}
	for key, value := range map[string]string{
		"default.base_url": "https://api.gatherly.app",
		"auth.token":       "tok-abcdef123456",
		"auth.tenant_id":   "grace",
	} {
		if err := setConfigValue(cfg, key, value); err != nil {
			t.Fatalf("setConfigValue(%s): %v", key, err)
		}
	}
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got.Default.BaseURL != "https://api.gatherly.app" || got.Auth.TenantID != "grace" {
		t.Errorf("unexpected config after reload: %+v", got)
	}
}

func TestSetConfigValue_Errors(t *testing.T) {
	cfg := &Config{}
	for _, key := range []string{"token", "auth.nope", "nope.token"} {
		if err := setConfigValue(cfg, key, "x"); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
	if err := setConfigValue(cfg, "default.transport", "carrier-pigeon"); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestResolveConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := saveConfig(&Config{Auth: ConfigAuth{Token: "from-file", TenantID: "grace"}}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	t.Setenv("GATHERLY_AUTH_TOKEN", "from-env")
	t.Setenv("GATHERLY_DEFAULT_BASE_URL", "http://localhost:8080")

	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Token = %q, want env override", cfg.Auth.Token)
	}
	if cfg.Auth.TenantID != "grace" {
		t.Errorf("TenantID = %q, want value from file", cfg.Auth.TenantID)
	}
	if cfg.Default.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want env-only value", cfg.Default.BaseURL)
	}
	if cfg.Default.Transport != "websocket" || cfg.Default.QueuePath != filepath.Join(home, ".gatherly", "queue.db") {
		t.Errorf("defaults not applied: %+v", cfg.Default)
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("short"); got != "****" {
		t.Errorf("maskKey(short) = %q", got)
	}
	if got := maskKey("tok-abcdef123456"); got != "tok-ab...3456" {
		t.Errorf("maskKey = %q", got)
	}
}
