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
	cfg.DefaultProfile = "vendor"
	cfg.Chat.MaxRetries = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "vendor" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "vendor")
	}
	if loaded.Chat.MaxRetries != 3 {
		t.Errorf("Chat.MaxRetries = %d, want 3", loaded.Chat.MaxRetries)
	}
	if loaded.Notifications.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", loaded.Notifications.PollInterval)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_profile = "work"

[server]
api_url = "https://api.example.com"

[notifications]
poll_interval = "45s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.APIURL != "https://api.example.com" {
		t.Errorf("APIURL = %q", cfg.Server.APIURL)
	}
	if cfg.Server.SocketURL != Default().Server.SocketURL {
		t.Errorf("SocketURL = %q, want default", cfg.Server.SocketURL)
	}
	if cfg.Notifications.PollInterval != 45*time.Second {
		t.Errorf("PollInterval = %v, want 45s", cfg.Notifications.PollInterval)
	}
	if len(cfg.Credentials.LegacyKeys) != 3 {
		t.Errorf("LegacyKeys = %v, want 3 defaults", cfg.Credentials.LegacyKeys)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Chat.SendTimeout != Default().Chat.SendTimeout {
		t.Errorf("SendTimeout = %v, want default", cfg.Chat.SendTimeout)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
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

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"empty api url", func(c *Config) { c.Server.APIURL = "" }, true},
		{"empty socket url", func(c *Config) { c.Server.SocketURL = "" }, true},
		{"zero poll", func(c *Config) { c.Notifications.PollInterval = 0 }, true},
		{"zero send timeout", func(c *Config) { c.Chat.SendTimeout = 0 }, true},
		{"negative retries", func(c *Config) { c.Chat.MaxRetries = -1 }, true},
		{"reconnect disabled ignores interval", func(c *Config) {
			c.Reconnect.Enabled = false
			c.Reconnect.InitialInterval = 0
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
