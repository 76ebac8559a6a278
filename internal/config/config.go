package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/trumoto/internal/log"
)

// Config holds all application configuration.
type Config struct {
	Device       DeviceConfig    `yaml:"device"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	CacheDir     string          `yaml:"cache_dir"`
	ProfilesPath string          `yaml:"profiles_path"`
	Log          log.Options     `yaml:"log"`
	HTTP         HTTPConfig      `yaml:"http"`
	MQTT         MQTTConfig      `yaml:"mqtt"`
}

// DeviceConfig selects which controller to talk to.
type DeviceConfig struct {
	Address      string        `yaml:"address"` // empty: first controller found by a scan
	NameContains string        `yaml:"name_contains"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
}

// ReconnectConfig holds the automatic reconnection policy.
type ReconnectConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	Step           time.Duration `yaml:"step"` // attempt N waits N*step
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// HTTPConfig holds the status server settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTConfig holds the telemetry relay settings.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	TopicRoot      string        `yaml:"topic_root"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      uint16        `yaml:"keep_alive"` // seconds
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "trumoto")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "trumoto")

	return &Config{
		Device: DeviceConfig{
			NameContains: "TruMoto",
			ScanTimeout:  5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:    5,
			Step:           2 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		CacheDir:     filepath.Join(dataDir, "cache"),
		ProfilesPath: filepath.Join(DefaultConfigDir(), "profiles.yaml"),
		Log:          *log.NewOptions(),
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:9460",
		},
		MQTT: MQTTConfig{
			Broker:         "mqtt://localhost:1883",
			ClientID:       "trumoto",
			TopicRoot:      "trumoto",
			KeepAlive:      30,
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.CacheDir = expandTilde(cfg.CacheDir)
	cfg.ProfilesPath = expandTilde(cfg.ProfilesPath)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}

	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be >= 1, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.Step <= 0 {
		return fmt.Errorf("reconnect.step must be > 0")
	}
	if c.Reconnect.ConnectTimeout <= 0 {
		return fmt.Errorf("reconnect.connect_timeout must be > 0")
	}

	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}
	if c.ProfilesPath == "" {
		return fmt.Errorf("profiles_path must not be empty")
	}

	if err := c.Log.Validate(); err != nil {
		return err
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty when http is enabled")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			return fmt.Errorf("mqtt.broker is not a valid URL: %w", err)
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicRoot == "" {
			return fmt.Errorf("mqtt.topic_root must not be empty when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	return nil
}

const defaultHeader = `# trumoto configuration
# Durations use Go syntax (5s, 2s, 1m). Paths may start with ~.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
