package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.portalchat/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Backend        Backend `toml:"backend"`
	Channel        Channel `toml:"channel"`
	Push           Push    `toml:"push"`
	Metrics        Metrics `toml:"metrics"`
}

// Backend locates the portal backend.
type Backend struct {
	BaseURL    string `toml:"base_url"`
	ChannelURL string `toml:"channel_url"`
}

// Channel tunes the live connection. RetryWindow bounds the whole
// reconnect sequence after a drop; SendTimeout bounds how long a message
// may stay pending before it is marked failed.
type Channel struct {
	BackoffInitial    time.Duration `toml:"backoff_initial"`
	BackoffMax        time.Duration `toml:"backoff_max"`
	BackoffMultiplier float64       `toml:"backoff_multiplier"`
	RetryWindow       time.Duration `toml:"retry_window"`
	SendTimeout       time.Duration `toml:"send_timeout"`
	PingInterval      time.Duration `toml:"ping_interval"`
	DialTimeout       time.Duration `toml:"dial_timeout"`
}

// Push configures the push path and the background delivery process.
type Push struct {
	Enabled           bool          `toml:"enabled"`
	ProviderURL       string        `toml:"provider_url"`
	ListenAddr        string        `toml:"listen_addr"`
	PublicURL         string        `toml:"public_url"`
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
	WindowCommand     []string      `toml:"window_command"`
}

// Endpoint is the URL the provider delivers pushes to.
func (p Push) Endpoint() string {
	if p.PublicURL != "" {
		return p.PublicURL
	}
	return "http://" + p.ListenAddr + "/v1/push"
}

// Metrics configures the optional Prometheus endpoint.
type Metrics struct {
	ListenAddr string `toml:"listen_addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: Backend{
			BaseURL:    "http://127.0.0.1:8080",
			ChannelURL: "ws://127.0.0.1:8080/ws",
		},
		Channel: Channel{
			BackoffInitial:    time.Second,
			BackoffMax:        30 * time.Second,
			BackoffMultiplier: 2,
			RetryWindow:       3 * time.Minute,
			SendTimeout:       15 * time.Second,
			PingInterval:      25 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		Push: Push{
			Enabled:           true,
			ListenAddr:        "127.0.0.1:7790",
			ReconcileInterval: 30 * time.Second,
			WindowCommand:     []string{"portaltui"},
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve loads the file at path on top of Default. A missing file yields
// the defaults; a malformed one is an error.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg.fillZero(Default())
	return cfg, nil
}

// fillZero restores defaults for values a file explicitly zeroed.
func (c *Config) fillZero(d *Config) {
	ch := &c.Channel
	if ch.BackoffInitial <= 0 {
		ch.BackoffInitial = d.Channel.BackoffInitial
	}
	if ch.BackoffMax < ch.BackoffInitial {
		ch.BackoffMax = max(d.Channel.BackoffMax, ch.BackoffInitial)
	}
	if ch.BackoffMultiplier < 1 {
		ch.BackoffMultiplier = d.Channel.BackoffMultiplier
	}
	if ch.RetryWindow <= 0 {
		ch.RetryWindow = d.Channel.RetryWindow
	}
	if ch.SendTimeout <= 0 {
		ch.SendTimeout = d.Channel.SendTimeout
	}
	if ch.PingInterval <= 0 {
		ch.PingInterval = d.Channel.PingInterval
	}
	if ch.DialTimeout <= 0 {
		ch.DialTimeout = d.Channel.DialTimeout
	}
	if c.Push.ReconcileInterval <= 0 {
		c.Push.ReconcileInterval = d.Push.ReconcileInterval
	}
	if c.Push.ListenAddr == "" {
		c.Push.ListenAddr = d.Push.ListenAddr
	}
	if len(c.Push.WindowCommand) == 0 {
		c.Push.WindowCommand = d.Push.WindowCommand
	}
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
