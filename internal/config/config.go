// Package config manages the Neighborhood Synchronization Core's
// configuration using koanf/v2: YAML file, environment variable, and
// built-in default layering.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete profilesrv configuration as a read-only
// snapshot loaded once at startup.
type Config struct {
	LBN          LBNConfig          `koanf:"lbn"`
	Identity     IdentityConfig     `koanf:"identity"`
	Neighborhood NeighborhoodConfig `koanf:"neighborhood"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Log          LogConfig          `koanf:"log"`
}

// LBNConfig describes how to reach the trusted external LBN node.
type LBNConfig struct {
	// Endpoint is the LBN node's host:port.
	Endpoint string `koanf:"endpoint"`
}

// IdentityConfig describes this profile server's own registration
// identity.
type IdentityConfig struct {
	// ServerInterface is the IPv4 or IPv6 address this server advertises.
	ServerInterface string `koanf:"server_interface"`

	// PrimaryRolePort is the TCP port this server's primary role listens on.
	PrimaryRolePort int `koanf:"primary_role_port"`

	// IdentityKeyPath is the path to the PEM-encoded public key this
	// server's network id is derived from (sha256(public_key)).
	IdentityKeyPath string `koanf:"identity_key_path"`
}

// NeighborhoodConfig bounds the Reconciler's admission control.
type NeighborhoodConfig struct {
	// MaxSize is max_neighborhood_size.
	MaxSize int `koanf:"max_neighborhood_size"`

	// IdentifierLength is identifier_length, always 32 in production
	// but configurable so tests can probe the
	// validation contract directly.
	IdentifierLength int `koanf:"identifier_length"`
}

// MetricsConfig holds the Prometheus + health HTTP endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address (e.g., ":9100").
	Addr string `koanf:"addr"`
	// MetricsPath is the URL path for the Prometheus endpoint.
	MetricsPath string `koanf:"metrics_path"`
	// HealthPath is the URL path for the /healthz endpoint.
	HealthPath string `koanf:"health_path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LBN: LBNConfig{
			Endpoint: "lbn.local:8850",
		},
		Identity: IdentityConfig{
			ServerInterface: "0.0.0.0",
			PrimaryRolePort: 16987,
			IdentityKeyPath: "/etc/profilesrv/identity.pub",
		},
		Neighborhood: NeighborhoodConfig{
			MaxSize:          100,
			IdentifierLength: 32,
		},
		Metrics: MetricsConfig{
			Addr:        ":9110",
			MetricsPath: "/metrics",
			HealthPath:  "/healthz",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envPrefix is the environment variable prefix for profilesrv
// configuration. Variables are named PROFILESRV_<section>_<key>, e.g.
// PROFILESRV_LBN_ENDPOINT.
const envPrefix = "PROFILESRV_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PROFILESRV_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms PROFILESRV_LBN_ENDPOINT -> lbn.endpoint and
// PROFILESRV_METRICS_METRICS_PATH -> metrics.metrics_path. Only the first
// underscore (the section separator) becomes a dot; the rest of the key
// keeps its underscores so multi-word field names like server_interface
// survive the round trip.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"lbn.endpoint":                        defaults.LBN.Endpoint,
		"identity.server_interface":           defaults.Identity.ServerInterface,
		"identity.primary_role_port":          defaults.Identity.PrimaryRolePort,
		"identity.identity_key_path":          defaults.Identity.IdentityKeyPath,
		"neighborhood.max_neighborhood_size":  defaults.Neighborhood.MaxSize,
		"neighborhood.identifier_length":      defaults.Neighborhood.IdentifierLength,
		"metrics.addr":                        defaults.Metrics.Addr,
		"metrics.metrics_path":                defaults.Metrics.MetricsPath,
		"metrics.health_path":                 defaults.Metrics.HealthPath,
		"log.level":                           defaults.Log.Level,
		"log.format":                          defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrEmptyLBNEndpoint       = errors.New("lbn.endpoint must not be empty")
	ErrInvalidServerInterface = errors.New("identity.server_interface must be a valid IPv4 or IPv6 address")
	ErrInvalidPrimaryRolePort = errors.New("identity.primary_role_port must be in [1, 65535]")
	ErrInvalidMaxSize         = errors.New("neighborhood.max_neighborhood_size must be > 0")
	ErrInvalidIdentifierLen   = errors.New("neighborhood.identifier_length must be 32")
)

// Validate checks the configuration for logical errors, returning the
// first one encountered.
func Validate(cfg *Config) error {
	if cfg.LBN.Endpoint == "" {
		return ErrEmptyLBNEndpoint
	}
	if net.ParseIP(cfg.Identity.ServerInterface) == nil {
		return ErrInvalidServerInterface
	}
	if cfg.Identity.PrimaryRolePort < 1 || cfg.Identity.PrimaryRolePort > 65535 {
		return ErrInvalidPrimaryRolePort
	}
	if cfg.Neighborhood.MaxSize <= 0 {
		return ErrInvalidMaxSize
	}
	if cfg.Neighborhood.IdentifierLength != 32 {
		return ErrInvalidIdentifierLen
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
