// Package config provides configuration loading and the configuration directory for proxymux.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Routes understood by the classifier.
const (
	RouteSSH = "ssh"
	RouteVPN = "vpn"
)

// MaxPeekSize is the largest number of bytes a single peek may inspect.
const MaxPeekSize = 1024

// Config holds every process-lifetime setting of the relay.
type Config struct {
	ListenAddress  string `yaml:"listen_address"`
	Port           int    `yaml:"port"`
	Status         string `yaml:"status"`
	Camouflage     bool   `yaml:"camouflage"`
	SSHAddress     string `yaml:"ssh_address"`
	VPNAddress     string `yaml:"vpn_address"`
	DefaultRoute   string `yaml:"default_route"`
	PeekSize       int    `yaml:"peek_size"`
	MaxConnections int    `yaml:"max_connections"`

	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ClassifyTimeout  time.Duration `yaml:"classify_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`

	ConnectionRetries int           `yaml:"connection_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMultiplier   float64       `yaml:"retry_multiplier"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`

	MetricsAddress string `yaml:"metrics_address"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		ListenAddress:     "0.0.0.0",
		Port:              80,
		Status:            "@ProxyManager",
		Camouflage:        true,
		SSHAddress:        "127.0.0.1:22",
		VPNAddress:        "127.0.0.1:1194",
		DefaultRoute:      RouteVPN,
		PeekSize:          MaxPeekSize,
		AcceptBurst:       1,
		HandshakeTimeout:  5 * time.Second,
		ClassifyTimeout:   1 * time.Second,
		DialTimeout:       5 * time.Second,
		ConnectionRetries: 5,
		RetryBaseDelay:    1 * time.Second,
		RetryMultiplier:   2,
		RetryMaxDelay:     30 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds a configuration from the defaults, the YAML file at path and the
// PROXYMUX_* environment. An empty path means the default file in GetConfigDir,
// which may be absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from PROXYMUX_* variables. Every file key has an
// upper-cased counterpart, e.g. dial_timeout is PROXYMUX_DIAL_TIMEOUT.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup("PROXYMUX_" + key)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"LISTEN_ADDRESS":  &c.ListenAddress,
		"STATUS":          &c.Status,
		"SSH_ADDRESS":     &c.SSHAddress,
		"VPN_ADDRESS":     &c.VPNAddress,
		"DEFAULT_ROUTE":   &c.DefaultRoute,
		"METRICS_ADDRESS": &c.MetricsAddress,
		"LOG_LEVEL":       &c.LogLevel,
		"LOG_FORMAT":      &c.LogFormat,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":               &c.Port,
		"PEEK_SIZE":          &c.PeekSize,
		"MAX_CONNECTIONS":    &c.MaxConnections,
		"ACCEPT_BURST":       &c.AcceptBurst,
		"CONNECTION_RETRIES": &c.ConnectionRetries,
	}
	for key, dst := range ints {
		v, ok := get(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROXYMUX_%s: %w", key, err)
		}
		*dst = n
	}

	floats := map[string]*float64{
		"ACCEPT_RATE":      &c.AcceptRate,
		"RETRY_MULTIPLIER": &c.RetryMultiplier,
	}
	for key, dst := range floats {
		v, ok := get(key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PROXYMUX_%s: %w", key, err)
		}
		*dst = f
	}

	durations := map[string]*time.Duration{
		"HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"CLASSIFY_TIMEOUT":  &c.ClassifyTimeout,
		"DIAL_TIMEOUT":      &c.DialTimeout,
		"RETRY_BASE_DELAY":  &c.RetryBaseDelay,
		"RETRY_MAX_DELAY":   &c.RetryMaxDelay,
	}
	for key, dst := range durations {
		v, ok := get(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROXYMUX_%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := get("CAMOUFLAGE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROXYMUX_CAMOUFLAGE: %w", err)
		}
		c.Camouflage = b
	}
	return nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if strings.TrimSpace(c.Status) == "" {
		return errors.New("status banner must not be empty")
	}
	if strings.ContainsAny(c.Status, "\r\n") {
		return errors.New("status banner must be a single line")
	}
	if c.SSHAddress == "" || c.VPNAddress == "" {
		return errors.New("backend addresses must be set")
	}
	if c.DefaultRoute != RouteSSH && c.DefaultRoute != RouteVPN {
		return fmt.Errorf("unknown default route %q", c.DefaultRoute)
	}
	if c.PeekSize < 1 || c.PeekSize > MaxPeekSize {
		return fmt.Errorf("peek size must be between 1 and %d", MaxPeekSize)
	}
	if c.MaxConnections < 0 {
		return errors.New("max connections must not be negative")
	}
	if c.AcceptRate < 0 {
		return errors.New("accept rate must not be negative")
	}
	if c.ConnectionRetries < 1 {
		return errors.New("connection retries must be at least 1")
	}
	if c.HandshakeTimeout <= 0 || c.ClassifyTimeout <= 0 || c.DialTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("retry delays must satisfy 0 <= base <= max")
	}
	if c.RetryMultiplier < 1 {
		return errors.New("retry multiplier must be at least 1")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// ListenAddr returns the host:port the acceptor binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// GetConfigDir returns the configuration directory for proxymux.
// It follows platform-specific conventions:
// - Windows: %APPDATA%\proxymux
// - Unix-like: $XDG_CONFIG_HOME/proxymux or $HOME/.config/proxymux
func GetConfigDir() (string, error) {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "proxymux"), nil
	}
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "proxymux"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "proxymux"), nil
}

// DefaultPath returns the full path to the config file in the config directory.
func DefaultPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}
