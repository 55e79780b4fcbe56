// Package config provides configuration parsing and validation for rusty-proxy.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Sniff     SniffConfig     `yaml:"sniff"`
	Backends  BackendsConfig  `yaml:"backends"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig defines the inbound listener.
type ListenConfig struct {
	Port           int     `yaml:"port"`
	IPv4Only       bool    `yaml:"ipv4_only"`       // bind 0.0.0.0 instead of [::]
	MaxConnections int     `yaml:"max_connections"` // 0 = unlimited
	AcceptRate     float64 `yaml:"accept_rate"`     // accepts per second, 0 = unlimited
	AcceptBurst    int     `yaml:"accept_burst"`
}

// HandshakeConfig defines the greeting written to every client.
type HandshakeConfig struct {
	Status string `yaml:"status"`
}

// SniffConfig bounds the look-ahead on client traffic.
type SniffConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int           `yaml:"max_bytes"`
}

// BackendsConfig holds the relay destinations.
type BackendsConfig struct {
	SSH         string        `yaml:"ssh"`
	UDPGW       string        `yaml:"udpgw"`
	OpenVPN     string        `yaml:"openvpn"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RelayConfig tunes the byte pump.
type RelayConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, auto
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Port:        80,
			AcceptBurst: 16,
		},
		Handshake: HandshakeConfig{
			Status: "@RustyManager",
		},
		Sniff: SniffConfig{
			Timeout:  2 * time.Second,
			MaxBytes: 8192,
		},
		Backends: BackendsConfig{
			SSH:         "0.0.0.0:22",
			UDPGW:       "127.0.0.1:7300",
			OpenVPN:     "0.0.0.0:1194",
			DialTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			BufferSize: 8192,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown references are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, found := os.LookupEnv(varName); found {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be between 1 and 65535, got %d", c.Listen.Port))
	}
	if c.Listen.MaxConnections < 0 {
		errs = append(errs, "listen.max_connections must not be negative")
	}
	if c.Listen.AcceptRate < 0 {
		errs = append(errs, "listen.accept_rate must not be negative")
	}
	if c.Listen.AcceptRate > 0 && c.Listen.AcceptBurst < 1 {
		errs = append(errs, "listen.accept_burst must be positive when accept_rate is set")
	}

	if strings.ContainsAny(c.Handshake.Status, "\r\n") {
		errs = append(errs, "handshake.status must be a single line")
	}

	if c.Sniff.Timeout <= 0 {
		errs = append(errs, "sniff.timeout must be positive")
	}
	if c.Sniff.MaxBytes < 1 {
		errs = append(errs, "sniff.max_bytes must be positive")
	}

	for name, addr := range map[string]string{
		"backends.ssh":     c.Backends.SSH,
		"backends.udpgw":   c.Backends.UDPGW,
		"backends.openvpn": c.Backends.OpenVPN,
	} {
		if err := validateHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if c.Backends.DialTimeout < 0 {
		errs = append(errs, "backends.dial_timeout must not be negative")
	}

	if c.Relay.BufferSize < 512 {
		errs = append(errs, "relay.buffer_size must be at least 512")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text, json, or auto)", c.Log.Format))
	}

	if len(errs) > 0 {
		// map iteration above is unordered
		slices.Sort(errs)
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ListenAddress returns the network and address the listener binds to.
func (c *Config) ListenAddress() (network, address string) {
	port := strconv.Itoa(c.Listen.Port)
	if c.Listen.IPv4Only {
		return "tcp4", net.JoinHostPort("0.0.0.0", port)
	}
	return "tcp", net.JoinHostPort("::", port)
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json", "auto":
		return true
	default:
		return false
	}
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}
