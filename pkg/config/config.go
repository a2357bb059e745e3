package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete StrataFS configuration.
//
// This structure captures all configurable aspects of a StrataFS server:
//   - Logging configuration
//   - Server identity and metrics
//   - Plugin module discovery
//   - Catalog selection and configuration (type-specific)
//   - Redirection between servers
//   - The resource topology
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (STRATAFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Type-specific sections follow the same pattern everywhere: a Type field
// selects the implementation and only the matching map is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Plugins controls where resource plugin modules are loaded from
	Plugins PluginsConfig `mapstructure:"plugins" yaml:"plugins"`

	// Catalog specifies the catalog type and type-specific configuration
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`

	// Redirect configures how operations reach resources on other servers
	Redirect RedirectConfig `mapstructure:"redirect" yaml:"redirect"`

	// Resources defines the resource topology
	Resources []ResourceConfig `mapstructure:"resources" yaml:"resources" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`

	// File rotation settings, only used when Output is a file path
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// Hostname is the name this server is known by in resource host bindings.
	// Empty uses os.Hostname().
	Hostname string `mapstructure:"hostname" yaml:"hostname"`

	// LocalHosts lists further names or addresses that refer to this server
	LocalHosts []string `mapstructure:"local_hosts" yaml:"local_hosts"`

	// Zone is the local zone name
	Zone string `mapstructure:"zone" yaml:"zone" validate:"required"`

	// DefaultResource is used when a create names no target resource
	DefaultResource string `mapstructure:"default_resource" yaml:"default_resource"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics controls the Prometheus exporter
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the TCP port of the /metrics endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// PluginsConfig controls plugin module discovery.
type PluginsConfig struct {
	// Home is the directory searched for lib<type>.so modules
	Home string `mapstructure:"home" yaml:"home"`

	// SharedObjects enables loading modules from Home for types that have
	// no built-in implementation
	SharedObjects bool `mapstructure:"shared_objects" yaml:"shared_objects"`
}

// CatalogConfig specifies catalog configuration.
//
// The Type field determines which catalog implementation is used.
// Only the corresponding type-specific configuration section is used.
type CatalogConfig struct {
	// Type specifies which catalog implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// RedirectConfig configures redirection to peer servers.
type RedirectConfig struct {
	// Directory maps host names to server addresses
	Directory DirectoryConfig `mapstructure:"directory" yaml:"directory"`

	// DNSCacheTTL bounds how long resolved host addresses are reused
	DNSCacheTTL time.Duration `mapstructure:"dns_cache_ttl" yaml:"dns_cache_ttl" validate:"gte=0"`

	// ForwardRateLimit throttles forwarded operations per peer host
	ForwardRateLimit RateLimitConfig `mapstructure:"forward_rate_limit" yaml:"forward_rate_limit"`

	// MaxIdlePerHost is the number of idle peer connections kept per host
	MaxIdlePerHost int `mapstructure:"max_idle_per_host" yaml:"max_idle_per_host" validate:"gte=0"`
}

// DirectoryConfig selects the host directory implementation.
type DirectoryConfig struct {
	// Type specifies the directory implementation
	// Valid values: static, consul
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=static consul"`

	// Static contains static directory configuration
	// Only used when Type = "static"
	Static map[string]any `mapstructure:"static" yaml:"static"`

	// Consul contains consul directory configuration
	// Only used when Type = "consul"
	Consul map[string]any `mapstructure:"consul" yaml:"consul"`
}

// RateLimitConfig configures a token bucket. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             uint `mapstructure:"burst" yaml:"burst"`
}

// ResourceConfig defines one node of the resource topology.
type ResourceConfig struct {
	// ID is the numeric resource id. Zero assigns the next free id.
	ID int64 `mapstructure:"id" yaml:"id,omitempty" validate:"gte=0"`

	// Name is the unique resource name
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Type is the plugin type tag (e.g. unixfilesystem, compound, s3)
	Type string `mapstructure:"type" yaml:"type" validate:"required"`

	// Class is the resource class
	// Valid values: cache, archive, bundle
	Class string `mapstructure:"class" yaml:"class,omitempty" validate:"omitempty,oneof=cache archive bundle"`

	// Host is the server the resource is bound to. Empty binds it to this
	// server.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// VaultPath is the physical root directory or key prefix
	VaultPath string `mapstructure:"vault_path" yaml:"vault_path,omitempty"`

	// Zone defaults to server.zone
	Zone string `mapstructure:"zone" yaml:"zone,omitempty"`

	// Status is up or down
	Status string `mapstructure:"status" yaml:"status,omitempty" validate:"omitempty,oneof=up down"`

	FreeSpace int64 `mapstructure:"free_space" yaml:"free_space,omitempty" validate:"gte=0"`
	Quota     int64 `mapstructure:"quota" yaml:"quota,omitempty" validate:"gte=0"`

	// Parent is the name of the parent resource. Empty makes this a root.
	Parent string `mapstructure:"parent" yaml:"parent,omitempty"`

	// ParentContext is the string the parent uses to classify this child
	ParentContext string `mapstructure:"parent_context" yaml:"parent_context,omitempty"`

	// Context holds plugin-specific key/value configuration
	Context map[string]string `mapstructure:"context" yaml:"context,omitempty"`

	Comment string `mapstructure:"comment" yaml:"comment,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STRATAFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use STRATAFS_ prefix and underscores
	// Example: STRATAFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("STRATAFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/stratafs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stratafs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "stratafs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
