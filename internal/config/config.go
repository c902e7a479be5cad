package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the websocket endpoint of the message server.
	ServerURL string `toml:"server_url"`
	// AuthRefreshURL is the token-refresh endpoint of the auth service.
	AuthRefreshURL string `toml:"auth_refresh_url"`

	// MaxReconnectAttempts bounds the reconnect loop before the engine gives
	// up and reports a terminal failure.
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectInitial     duration `toml:"reconnect_initial"`
	ReconnectMax         duration `toml:"reconnect_max"`

	// TypingTimeout bounds how long a peer's typing indicator survives
	// without renewal.
	TypingTimeout duration `toml:"typing_timeout"`

	// PageSize is the default message-page size for store queries.
	PageSize int `toml:"page_size"`
}

// duration wraps time.Duration with TOML string encoding ("1s", "500ms").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL:            "wss://api.sparkline.dev/ws",
		AuthRefreshURL:       "https://api.sparkline.dev/auth/refresh",
		MaxReconnectAttempts: 5,
		ReconnectInitial:     duration{time.Second},
		ReconnectMax:         duration{30 * time.Second},
		TypingTimeout:        duration{3 * time.Second},
		PageSize:             50,
	}
}

// Load reads config from the given path, layered over defaults. A missing
// file yields the defaults without error; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
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
