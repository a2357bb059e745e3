package config

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/catalog"
	catalogBadger "github.com/marmos91/stratafs/pkg/catalog/badger"
	catalogMemory "github.com/marmos91/stratafs/pkg/catalog/memory"
	"github.com/marmos91/stratafs/pkg/redirect"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/mitchellh/mapstructure"

	// Built-in resource plugins register themselves on import.
	_ "github.com/marmos91/stratafs/pkg/backend/compound"
	_ "github.com/marmos91/stratafs/pkg/backend/deferred"
	_ "github.com/marmos91/stratafs/pkg/backend/memory"
	_ "github.com/marmos91/stratafs/pkg/backend/passthru"
	_ "github.com/marmos91/stratafs/pkg/backend/random"
	_ "github.com/marmos91/stratafs/pkg/backend/replication"
	_ "github.com/marmos91/stratafs/pkg/backend/roundrobin"
	_ "github.com/marmos91/stratafs/pkg/backend/s3"
	_ "github.com/marmos91/stratafs/pkg/backend/structfile"
	_ "github.com/marmos91/stratafs/pkg/backend/unixfilesystem"
)

// ConfigureLogging applies the logging section to the process logger.
func ConfigureLogging(cfg *LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)
	return logger.SetOutput(cfg.Output, logger.FileOptions{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

// CreateCatalog creates a catalog based on configuration.
//
// This factory function uses the Type field to determine which catalog
// implementation to create, then decodes the type-specific configuration
// from the corresponding map and passes it to the constructor.
//
// Supported types:
//   - "memory": Uses pkg/catalog/memory (volatile, for tests and single runs)
//   - "badger": Uses pkg/catalog/badger (persistent BadgerDB storage)
func CreateCatalog(ctx context.Context, cfg *CatalogConfig) (catalog.Catalog, error) {
	switch cfg.Type {
	case "memory":
		return catalogMemory.New(), nil
	case "badger":
		return createBadgerCatalog(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown catalog type: %q", cfg.Type)
	}
}

// createBadgerCatalog creates a BadgerDB-backed catalog.
func createBadgerCatalog(ctx context.Context, options map[string]any) (catalog.Catalog, error) {
	var badgerCfg catalogBadger.Config
	if err := mapstructure.Decode(options, &badgerCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger catalog config: %w", err)
	}

	if err := validate.Struct(&badgerCfg); err != nil {
		return nil, fmt.Errorf("badger catalog: %w", formatValidationError(err))
	}

	cat, err := catalogBadger.New(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger catalog: %w", err)
	}

	return cat, nil
}

// CreateDirectory creates the host directory used to reach peer servers.
func CreateDirectory(cfg *DirectoryConfig) (redirect.HostDirectory, error) {
	switch cfg.Type {
	case "static":
		return redirect.NewDirectory(cfg.Type, cfg.Static)
	case "consul":
		return redirect.NewDirectory(cfg.Type, cfg.Consul)
	default:
		return nil, fmt.Errorf("unknown host directory type: %q", cfg.Type)
	}
}

// ResourceDescriptors converts the configured topology into descriptors.
//
// Resources without an id are numbered after the highest explicit id, in
// declaration order, so the numbering is stable across restarts with the
// same file. Descriptors are returned parents first.
func ResourceDescriptors(cfg *Config) ([]*resource.Descriptor, error) {
	var next int64
	for _, r := range cfg.Resources {
		if r.ID > next {
			next = r.ID
		}
	}

	byName := make(map[string]*resource.Descriptor, len(cfg.Resources))
	descriptors := make([]*resource.Descriptor, 0, len(cfg.Resources))
	for _, r := range cfg.Resources {
		id := r.ID
		if id == 0 {
			next++
			id = next
		}

		d := &resource.Descriptor{
			ID:            id,
			Name:          r.Name,
			Zone:          r.Zone,
			Type:          r.Type,
			Class:         resource.Class(r.Class),
			Host:          r.Host,
			VaultPath:     r.VaultPath,
			FreeSpace:     r.FreeSpace,
			Quota:         r.Quota,
			Status:        resource.Status(r.Status),
			ParentContext: r.ParentContext,
			Context:       r.Context,
			Comment:       r.Comment,
		}
		if d.Zone == "" {
			d.Zone = cfg.Server.Zone
		}
		byName[d.Name] = d
		descriptors = append(descriptors, d)
	}

	depth := make(map[string]int, len(descriptors))
	for i, r := range cfg.Resources {
		if r.Parent == "" {
			continue
		}
		parent, ok := byName[r.Parent]
		if !ok {
			return nil, fmt.Errorf("resource %s: parent %q is not defined", r.Name, r.Parent)
		}
		descriptors[i].ParentID = parent.ID

		n := 0
		for p := r.Parent; p != ""; p = parentOf(cfg.Resources, p) {
			if n++; n > len(cfg.Resources) {
				return nil, fmt.Errorf("resource %s: parent cycle", r.Name)
			}
		}
		depth[r.Name] = n
	}

	sort.SliceStable(descriptors, func(i, j int) bool {
		return depth[descriptors[i].Name] < depth[descriptors[j].Name]
	})
	return descriptors, nil
}

func parentOf(resources []ResourceConfig, name string) string {
	for _, r := range resources {
		if r.Name == name {
			return r.Parent
		}
	}
	return ""
}

// SeedCatalog writes descriptors into cat. Parents must precede their
// children, as ResourceDescriptors returns them.
func SeedCatalog(ctx context.Context, cat catalog.Catalog, descriptors []*resource.Descriptor) error {
	for _, d := range descriptors {
		if err := cat.PutResource(ctx, d); err != nil {
			return fmt.Errorf("failed to store resource %s: %w", d.Name, err)
		}
	}
	logger.Debug("Stored %d resource(s) in the catalog", len(descriptors))
	return nil
}

// Hostname returns the name this server is known by.
func Hostname(cfg *ServerConfig) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	if hn, err := os.Hostname(); err == nil {
		return hn
	}
	return "localhost"
}
