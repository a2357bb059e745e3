package resource

import (
	"fmt"
	"sync"
)

// Property keys populated from a resource descriptor.
const (
	PropName      = "name"
	PropID        = "id"
	PropZone      = "zone"
	PropType      = "type"
	PropClass     = "class"
	PropHost      = "location"
	PropVaultPath = "path"
	PropFreeSpace = "freespace"
	PropQuota     = "quota"
	PropStatus    = "status"
	PropContext   = "context"
)

// Properties is a concurrency-safe string-keyed property bag attached to a
// plugin instance.
type Properties struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewProperties creates an empty property bag.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]any)}
}

// PropertiesFromDescriptor builds a property bag holding the descriptor fields
// a backend needs at call time.
func PropertiesFromDescriptor(d *Descriptor) *Properties {
	p := NewProperties()
	p.values[PropName] = d.Name
	p.values[PropID] = d.ID
	p.values[PropZone] = d.Zone
	p.values[PropType] = d.Type
	p.values[PropClass] = string(d.Class)
	p.values[PropHost] = d.Host
	p.values[PropVaultPath] = d.VaultPath
	p.values[PropFreeSpace] = d.FreeSpace
	p.values[PropQuota] = d.Quota
	status := d.Status
	if status == "" {
		status = StatusUp
	}
	p.values[PropStatus] = string(status)
	p.values[PropContext] = d.ContextString()
	return p
}

// Set stores a value.
func (p *Properties) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Get returns a value and whether it was present.
func (p *Properties) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Merge copies every value of other into p.
func (p *Properties) Merge(other *Properties) {
	if other == nil {
		return
	}
	snapshot := other.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range snapshot {
		p.values[k] = v
	}
}

// String returns a string property, or "" when absent or not a string.
func (p *Properties) String(key string) string {
	v, ok := p.Get(key)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns an integer property, or 0 when absent or not numeric.
func (p *Properties) Int64(key string) int64 {
	v, ok := p.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Snapshot returns a copy of every property.
func (p *Properties) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Name is a shortcut for the resource name property.
func (p *Properties) Name() string { return p.String(PropName) }

// Host is a shortcut for the resource host property.
func (p *Properties) Host() string { return p.String(PropHost) }

// VaultPath is a shortcut for the resource vault path property.
func (p *Properties) VaultPath() string { return p.String(PropVaultPath) }

// IsDown reports whether the status property is "down".
func (p *Properties) IsDown() bool { return p.String(PropStatus) == string(StatusDown) }
