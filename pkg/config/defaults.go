package config

import (
	"strings"
	"time"

	"github.com/marmos91/stratafs/pkg/redirect"
	"github.com/marmos91/stratafs/pkg/resource"
)

// DefaultZone is the zone used when server.zone is not set.
const DefaultZone = "tempZone"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Implementation-specific defaults are handled by the implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyCatalogDefaults(&cfg.Catalog)
	applyRedirectDefaults(&cfg.Redirect)

	// Add a single local vault resource if no topology is configured
	if len(cfg.Resources) == 0 {
		cfg.Resources = []ResourceConfig{
			{
				Name:      "demoResc",
				Type:      "unixfilesystem",
				VaultPath: "/tmp/stratafs-vault",
			},
		}
	}

	applyResourceDefaults(cfg.Resources, cfg.Server.Zone)

	if cfg.Server.DefaultResource == "" {
		cfg.Server.DefaultResource = firstRoot(cfg.Resources)
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}

	// Rotation limits only matter for file output but are always filled so
	// the generated sample shows them.
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 28
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Zone == "" {
		cfg.Zone = DefaultZone
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.LocalHosts == nil {
		cfg.LocalHosts = []string{}
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyCatalogDefaults sets catalog defaults.
func applyCatalogDefaults(cfg *CatalogConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Apply defaults for all catalog types (for config file generation)
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/stratafs-catalog"
	}
}

// applyRedirectDefaults sets redirection defaults.
func applyRedirectDefaults(cfg *RedirectConfig) {
	if cfg.Directory.Type == "" {
		cfg.Directory.Type = "static"
	}
	if cfg.Directory.Static == nil {
		cfg.Directory.Static = make(map[string]any)
	}
	if cfg.Directory.Consul == nil {
		cfg.Directory.Consul = make(map[string]any)
	}
	if _, ok := cfg.Directory.Static["port"]; !ok {
		cfg.Directory.Static["port"] = redirect.DefaultServerPort
	}

	if cfg.DNSCacheTTL == 0 {
		cfg.DNSCacheTTL = redirect.DefaultDNSCacheTTL
	}
	if cfg.MaxIdlePerHost == 0 {
		cfg.MaxIdlePerHost = redirect.DefaultMaxIdlePerHost
	}

	// ForwardRateLimit defaults to zero (unlimited)
}

// applyResourceDefaults sets per-resource defaults.
func applyResourceDefaults(resources []ResourceConfig, zone string) {
	for i := range resources {
		r := &resources[i]

		if r.Zone == "" {
			r.Zone = zone
		}
		if r.Status == "" {
			r.Status = string(resource.StatusUp)
		}
		if r.Context == nil {
			r.Context = map[string]string{}
		}

		// Host defaults to empty (bound to this server)
		// ID defaults to 0 (assigned in declaration order by the factory)
	}
}

func firstRoot(resources []ResourceConfig) string {
	for _, r := range resources {
		if r.Parent == "" {
			return r.Name
		}
	}
	return ""
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The topology is a compound resource over a filesystem cache and a
// filesystem archive, next to a standalone vault. This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Server: ServerConfig{
			DefaultResource: "demoResc",
		},
		Catalog: CatalogConfig{
			Memory: make(map[string]any),
		},
		Resources: []ResourceConfig{
			{
				Name:      "demoResc",
				Type:      "unixfilesystem",
				VaultPath: "/tmp/stratafs-vault",
			},
			{
				Name: "compResc",
				Type: "compound",
			},
			{
				Name:          "cacheResc",
				Type:          "unixfilesystem",
				Class:         string(resource.ClassCache),
				VaultPath:     "/tmp/stratafs-cache",
				Parent:        "compResc",
				ParentContext: resource.ContextCache,
			},
			{
				Name:          "archiveResc",
				Type:          "unixfilesystem",
				Class:         string(resource.ClassArchive),
				VaultPath:     "/tmp/stratafs-archive",
				Parent:        "compResc",
				ParentContext: resource.ContextArchive,
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
