package fco

import (
	"context"
	"sync"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// structuredPlugins maps container formats to the plugin type handling them.
var structuredPlugins = map[string]string{
	"tar":  "structfile",
	"msso": "mssofile",
}

// PluginTypeFor returns the plugin type serving a container format.
func PluginTypeFor(specCollType string) (string, error) {
	if t, ok := structuredPlugins[specCollType]; ok {
		return t, nil
	}
	return "", resource.NewError(resource.ErrInvalidArgument, "unknown structured file type %q", specCollType)
}

// Loader loads plugin instances.
type Loader interface {
	Load(ctx context.Context, typeTag, instanceName, rescContext string) (*plugin.Instance, error)
}

// StructuredCache holds one plugin instance per structured plugin type,
// outside of any resource hierarchy. Each resolution derives a sibling
// instance whose properties describe the container being accessed.
type StructuredCache struct {
	loader Loader
	zone   string

	mu    sync.RWMutex
	cache map[string]*plugin.Instance
}

// NewStructuredCache creates a cache. zone is used for objects that carry
// none.
func NewStructuredCache(loader Loader, zone string) *StructuredCache {
	return &StructuredCache{loader: loader, zone: zone, cache: make(map[string]*plugin.Instance)}
}

// Resolve returns an instance for obj with host, zone, path, class and status
// populated from the object's address.
func (c *StructuredCache) Resolve(ctx context.Context, obj *StructuredObject) (*plugin.Instance, error) {
	typeTag, err := PluginTypeFor(obj.SpecCollType)
	if err != nil {
		return nil, err
	}

	base, err := c.instance(ctx, typeTag)
	if err != nil {
		return nil, err
	}

	zone := obj.Zone
	if zone == "" {
		zone = c.zone
	}

	props := resource.NewProperties()
	props.Set(resource.PropName, typeTag)
	props.Set(resource.PropType, typeTag)
	props.Set(resource.PropHost, obj.Host)
	props.Set(resource.PropZone, zone)
	props.Set(resource.PropVaultPath, obj.Physical)
	props.Set(resource.PropClass, string(resource.ClassCache))
	props.Set(resource.PropStatus, string(resource.StatusUp))
	return base.Derive(props), nil
}

func (c *StructuredCache) instance(ctx context.Context, typeTag string) (*plugin.Instance, error) {
	c.mu.RLock()
	inst, ok := c.cache[typeTag]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.cache[typeTag]; ok {
		return inst, nil
	}

	inst, err := c.loader.Load(ctx, typeTag, typeTag, "")
	if err != nil {
		return nil, err
	}
	logger.Debug("Structured plugin %s loaded", typeTag)
	c.cache[typeTag] = inst
	return inst, nil
}

// Len returns the number of cached plugin types.
func (c *StructuredCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
