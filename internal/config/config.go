package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	MetricsAddr    string `toml:"metrics_addr"`

	Server        ServerConfig       `toml:"server"`
	Credentials   CredentialConfig   `toml:"credentials"`
	Chat          ChatConfig         `toml:"chat"`
	Notifications NotificationConfig `toml:"notifications"`
	Reconnect     ReconnectConfig    `toml:"reconnect"`
	Log           LogConfig          `toml:"log"`
}

// ServerConfig points at the marketplace backend.
type ServerConfig struct {
	APIURL           string        `toml:"api_url"`
	SocketURL        string        `toml:"socket_url"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
}

// CredentialConfig names the credential store keys, in resolution order.
type CredentialConfig struct {
	SessionKey  string   `toml:"session_key"`
	SessionPath string   `toml:"session_path"`
	VendorKey   string   `toml:"vendor_key"`
	VendorPath  string   `toml:"vendor_path"`
	LegacyKeys  []string `toml:"legacy_keys"`
}

// ChatConfig holds the message lifecycle policy.
type ChatConfig struct {
	// Identity overrides the identity discovered from the server.
	Identity          string        `toml:"identity"`
	SendTimeout       time.Duration `toml:"send_timeout"`
	MatchWindow       time.Duration `toml:"match_window"`
	MaxRetries        int           `toml:"max_retries"`
	AutoRetries       int           `toml:"auto_retries"`
	ResendOnReconnect bool          `toml:"resend_on_reconnect"`
	ResendRate        int           `toml:"resend_rate"`
	TypingTTL         time.Duration `toml:"typing_ttl"`
}

// NotificationConfig controls the notification poller.
type NotificationConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	PageSize     int           `toml:"page_size"`
}

// ReconnectConfig controls the daemon's reconnect wrapper.
type ReconnectConfig struct {
	Enabled         bool          `toml:"enabled"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
}

// LogConfig sets the daemon log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIURL:           "http://localhost:3000",
			SocketURL:        "ws://localhost:3000/ws",
			RequestTimeout:   15 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Credentials: CredentialConfig{
			SessionKey:  "auth-session",
			SessionPath: "state.token",
			VendorKey:   "vendor-profile",
			VendorPath:  "token",
			LegacyKeys:  []string{"token", "authToken", "access_token"},
		},
		Chat: ChatConfig{
			SendTimeout:       30 * time.Second,
			MatchWindow:       2 * time.Minute,
			ResendOnReconnect: true,
			ResendRate:        10,
			TypingTTL:         5 * time.Second,
		},
		Notifications: NotificationConfig{
			PollInterval: 30 * time.Second,
			PageSize:     50,
		},
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default(). Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default() when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate reports the first setting the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.APIURL == "":
		return fmt.Errorf("server.api_url is required")
	case c.Server.SocketURL == "":
		return fmt.Errorf("server.socket_url is required")
	case c.Server.RequestTimeout <= 0:
		return fmt.Errorf("server.request_timeout must be positive")
	case c.Chat.SendTimeout <= 0:
		return fmt.Errorf("chat.send_timeout must be positive")
	case c.Chat.MatchWindow <= 0:
		return fmt.Errorf("chat.match_window must be positive")
	case c.Chat.TypingTTL <= 0:
		return fmt.Errorf("chat.typing_ttl must be positive")
	case c.Chat.MaxRetries < 0 || c.Chat.AutoRetries < 0:
		return fmt.Errorf("chat retry limits must not be negative")
	case c.Notifications.PollInterval <= 0:
		return fmt.Errorf("notifications.poll_interval must be positive")
	case c.Reconnect.Enabled && c.Reconnect.InitialInterval <= 0:
		return fmt.Errorf("reconnect.initial_interval must be positive")
	}
	return nil
}
