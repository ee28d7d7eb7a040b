// Package config provides YAML configuration loading and validation for the
// tripobserve Observation Core binary.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by applyDefaults when the corresponding field is omitted.
const (
	DefaultCollectorAddr = "127.0.0.1:8888"
	DefaultHealthAddr    = "127.0.0.1:9000"
	DefaultStorePath     = "tripobserve.db"
	DefaultTagCacheSize  = 4096
	DefaultLogLevel      = "info"
)

// Config is the top-level configuration structure for tripobserve.
type Config struct {
	// HostTarget is the image filename suffix (e.g. "Claude.exe") that marks
	// the root process ProcessGraph tracks. Required unless supplied via the
	// CLI's --target flag or interactive prompt.
	HostTarget string `yaml:"host_target"`

	// HostConfigPath is the host's MCP server configuration file
	// ({ mcpServers: {...} }). Required.
	HostConfigPath string `yaml:"host_config_path"`

	// ExtensionsDir is the directory enumerated for "*/manifest.json" vendor
	// extension entries. Optional; extension scanning is skipped if empty or
	// the directory doesn't exist.
	ExtensionsDir string `yaml:"extensions_dir,omitempty"`

	// VendorExtensionDir is matched against File/Process paths by TagResolver
	// rule 6. Optional; rule 6 is disabled if empty.
	VendorExtensionDir string `yaml:"vendor_extension_dir,omitempty"`

	// RegistryWatch enables an fsnotify watch on HostConfigPath/ExtensionsDir
	// that triggers an automatic registry Reload on change, in addition to
	// the always-available explicit reload.
	RegistryWatch bool `yaml:"registry_watch"`

	// CollectorAddr is the loopback TCP address the Collector listens on.
	// Defaults to "127.0.0.1:8888" (spec default port 8888) when omitted.
	CollectorAddr string `yaml:"collector_addr"`

	// StorePath is the SQLite database file path. Defaults to
	// "tripobserve.db" when omitted.
	StorePath string `yaml:"store_path"`

	// TagCacheSize bounds the TagResolver's (pid, basename) LRU cache.
	// Defaults to 4096 when omitted or <= 0.
	TagCacheSize int `yaml:"tag_cache_size"`

	// KernelWatchPaths lists directories KernelSource's file-event provider
	// watches (the tracked target's own working directories and any
	// registry-known log/config paths). Optional.
	KernelWatchPaths []string `yaml:"kernel_watch_paths"`

	// NetProxyAddr, if set, starts NetProxySource listening for newline-JSON
	// events from a mitm addon on this address. Empty disables it.
	NetProxyAddr string `yaml:"net_proxy_addr,omitempty"`

	// ControlAddr, if set, starts the optional control-plane gRPC service
	// (GetProcessTree, ReloadRegistry). Empty disables it.
	ControlAddr string `yaml:"control_addr,omitempty"`

	// JWTSigningKey, if set, requires a valid bearer token on the
	// /debug/tags introspection endpoint. Empty leaves it open.
	JWTSigningKey string `yaml:"jwt_signing_key,omitempty"`

	// AuditLogPath, if set, hash-chains every control-plane administrative
	// action (currently ReloadRegistry) to this file. Empty disables
	// auditing.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz and /debug/tags
	// HTTP server. Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered (joined, per field).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = DefaultHealthAddr
	}
	if cfg.CollectorAddr == "" {
		cfg.CollectorAddr = DefaultCollectorAddr
	}
	if cfg.StorePath == "" {
		cfg.StorePath = DefaultStorePath
	}
	if cfg.TagCacheSize <= 0 {
		cfg.TagCacheSize = DefaultTagCacheSize
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values. HostTarget is intentionally
// not required here: the CLI may supply it interactively or positionally
// after LoadConfig returns (spec.md §6 CLI surface).
func validate(cfg *Config) error {
	var errs []error

	if cfg.HostConfigPath == "" {
		errs = append(errs, errors.New("host_config_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
