package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		"logging": {"level": "debug", "console": true},
		"active_profile": "home",
		"profiles": {
			"home": {
				"enabled": true,
				"host": "zm.local",
				"port": 9443,
				"use_tls": true,
				"username": "admin",
				"password": "secret",
				"monitors": [{"id": 2, "interval_seconds": 30}]
			}
		}
	}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level lost: %+v", cfg.Logging)
	}
	p := cfg.Profiles["home"]
	if p.Host != "zm.local" || p.Port != 9443 {
		t.Fatalf("profile mismapped: %+v", p)
	}
	if p.UseTLS == nil || !*p.UseTLS {
		t.Fatalf("use_tls pointer lost: %+v", p.UseTLS)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get must return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
logging:
  level: info
  console: true
profiles:
  home:
    enabled: true
    host: zm.local
    username: admin
    password: secret
`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !cfg.Profiles["home"].Enabled || cfg.Profiles["home"].Host != "zm.local" {
		t.Fatalf("yaml coercion broken: %+v", cfg.Profiles["home"])
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"logging": {"level": "info"}, "profiles": {}, "bogus": 1}`)

	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"active_profile": "ghost", "profiles": {}}`)

	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatalf("validation must run on load")
	}
}

func TestSubscribePublish(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"profiles": {}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := &Config{Profiles: map[string]ProfileConfig{}}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatalf("wrong config delivered")
		}
	default:
		t.Fatalf("publish never delivered")
	}
}
