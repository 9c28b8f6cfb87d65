// Package config provides YAML configuration loading and validation for the
// gateway daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the top-level configuration structure for gatewayd.
type GatewayConfig struct {
	// Port is the TCP port the HTTP front door listens on. Defaults to 3456.
	Port int `yaml:"port"`

	// Host is the listen address. Defaults to "127.0.0.1".
	Host string `yaml:"host"`

	// MaxInflightPerTarget caps concurrent upstream invocations per target.
	// Defaults to 1.
	MaxInflightPerTarget int `yaml:"max_inflight_per_target"`

	// MaxQueuePerTarget caps the number of requests waiting (not yet
	// executing) per target. Defaults to 64.
	MaxQueuePerTarget int `yaml:"max_queue_per_target"`

	// TimeoutMs is how long a request may wait from enqueue before it is
	// abandoned with a timeout. Defaults to 30000.
	TimeoutMs int `yaml:"timeout_ms"`

	// MaxBodySize is the maximum request body accepted, parsed from forms
	// like "1mb", "512kb", "100000". Defaults to "1mb"; hard cap 100 MB.
	MaxBodySize string `yaml:"max_body_size"`

	// DrainDeadlineMs bounds how long shutdown waits for in-flight and
	// queued requests to finish before forcing exit. Defaults to 30000.
	DrainDeadlineMs int `yaml:"drain_deadline_ms"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Targets is the set of known upstream targets the gateway fronts.
	Targets []TargetConfig `yaml:"targets"`

	// Auth holds the JWT bearer-token validation settings.
	Auth AuthConfig `yaml:"auth"`

	// Store selects and configures the EventStore backend.
	Store StoreConfig `yaml:"store"`
}

// TargetConfig names one upstream connector or agent the gateway will admit
// requests for.
type TargetConfig struct {
	// ID is the opaque target identifier used in the URL path
	// (/mcp/:id, /a2a/:id). Required.
	ID string `yaml:"id"`

	// Kind is one of "mcp" or "a2a". Required.
	Kind string `yaml:"kind"`

	// URL is the upstream endpoint for an "a2a" target. Required when Kind
	// is "a2a"; ignored for "mcp" targets, which use a stdio transport
	// supplied by the operator rather than this config.
	URL string `yaml:"url,omitempty"`
}

// AuthConfig configures the default JWT-backed CredentialResolver.
type AuthConfig struct {
	// PublicKeyPath is the path to a PEM-encoded RSA public key used to
	// verify RS256-signed bearer tokens. Required.
	PublicKeyPath string `yaml:"public_key_path"`
}

// StoreConfig selects the EventStore backend and its connection settings.
type StoreConfig struct {
	// Driver is one of "sqlite" or "postgres". Defaults to "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file path, used when Driver is "sqlite".
	// Defaults to "gateway.db".
	Path string `yaml:"path"`

	// ConnString is the Postgres connection string, used when Driver is
	// "postgres". Required in that case.
	ConnString string `yaml:"conn_string"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validTargetKinds is the set of accepted target kind strings.
var validTargetKinds = map[string]bool{
	"mcp": true,
	"a2a": true,
}

// validStoreDrivers is the set of accepted EventStore backends.
var validStoreDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

const maxBodySizeHardCap = 100 * 1024 * 1024 // 100 MB

// LoadConfig reads the YAML file at path, unmarshals it into GatewayConfig,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered.
func LoadConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *GatewayConfig) {
	if cfg.Port == 0 {
		cfg.Port = 3456
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxInflightPerTarget == 0 {
		cfg.MaxInflightPerTarget = 1
	}
	if cfg.MaxQueuePerTarget == 0 {
		cfg.MaxQueuePerTarget = 64
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 30000
	}
	if cfg.MaxBodySize == "" {
		cfg.MaxBodySize = "1mb"
	}
	if cfg.DrainDeadlineMs == 0 {
		cfg.DrainDeadlineMs = 30000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "gateway.db"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *GatewayConfig) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.MaxInflightPerTarget < 0 {
		errs = append(errs, errors.New("max_inflight_per_target must not be negative"))
	}
	if cfg.MaxQueuePerTarget < 0 {
		errs = append(errs, errors.New("max_queue_per_target must not be negative"))
	}
	if cfg.TimeoutMs <= 0 {
		errs = append(errs, errors.New("timeout_ms must be positive"))
	}
	if cfg.DrainDeadlineMs <= 0 {
		errs = append(errs, errors.New("drain_deadline_ms must be positive"))
	}

	if _, err := ParseByteSize(cfg.MaxBodySize); err != nil {
		errs = append(errs, fmt.Errorf("max_body_size: %w", err))
	} else if n, _ := ParseByteSize(cfg.MaxBodySize); n > maxBodySizeHardCap {
		errs = append(errs, fmt.Errorf("max_body_size %q exceeds the 100mb hard cap", cfg.MaxBodySize))
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		} else if seen[t.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate target id %q", prefix, t.ID))
		}
		seen[t.ID] = true
		if !validTargetKinds[t.Kind] {
			errs = append(errs, fmt.Errorf("%s: kind %q must be one of: mcp, a2a", prefix, t.Kind))
		}
		if t.Kind == "a2a" && t.URL == "" {
			errs = append(errs, fmt.Errorf("%s: url is required for a2a targets", prefix))
		}
	}

	if cfg.Auth.PublicKeyPath == "" {
		errs = append(errs, errors.New("auth.public_key_path is required"))
	}

	if !validStoreDrivers[cfg.Store.Driver] {
		errs = append(errs, fmt.Errorf("store.driver %q must be one of: sqlite, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.ConnString == "" {
		errs = append(errs, errors.New("store.conn_string is required when store.driver is \"postgres\""))
	}

	return errors.Join(errs...)
}

// Timeout returns cfg.TimeoutMs as a time.Duration.
func (cfg *GatewayConfig) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// DrainDeadline returns cfg.DrainDeadlineMs as a time.Duration.
func (cfg *GatewayConfig) DrainDeadline() time.Duration {
	return time.Duration(cfg.DrainDeadlineMs) * time.Millisecond
}

// MaxBodyBytes parses cfg.MaxBodySize, which has already been validated by
// LoadConfig and therefore cannot fail here.
func (cfg *GatewayConfig) MaxBodyBytes() int64 {
	n, _ := ParseByteSize(cfg.MaxBodySize)
	return n
}

// ParseByteSize parses strings of the form "100", "512kb", "1mb", "2gb"
// (case-insensitive) into a byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.New("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "kb"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "mb"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "gb"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "gb")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must not be negative", s)
	}
	return n * multiplier, nil
}
