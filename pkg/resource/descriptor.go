// Package resource holds the data model shared by every layer of the resource
// engine: resource descriptors, the plugin property bag and the error taxonomy.
package resource

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the runtime availability of a resource.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Class tags a resource's role in a hierarchy.
type Class string

const (
	ClassCache   Class = "cache"
	ClassArchive Class = "archive"
	ClassBundle  Class = "bundle"
)

// Well-known parent context strings a coordinating resource interprets to tell
// its children apart.
const (
	ContextCache   = "cache"
	ContextArchive = "archive"
)

// Descriptor describes a single resource node in the topology.
//
// Descriptors are created from configuration or a catalog snapshot and are
// treated as immutable values once handed to the registry.
type Descriptor struct {
	// ID is the numeric catalog identifier (must be > 0)
	ID int64 `json:"id"`

	// Name is the unique resource name
	Name string `json:"name"`

	// Zone is the zone the resource belongs to
	Zone string `json:"zone,omitempty"`

	// Type is the plugin type tag (e.g. "unixfilesystem", "compound")
	Type string `json:"type"`

	// Class is the resource class (e.g. "cache", "archive")
	Class Class `json:"class,omitempty"`

	// Host is the server host the resource is bound to
	Host string `json:"host,omitempty"`

	// VaultPath is the physical root directory or key prefix of the resource
	VaultPath string `json:"vault_path,omitempty"`

	// FreeSpace is the last known free space in bytes
	FreeSpace int64 `json:"free_space,omitempty"`

	// Quota is the configured quota in bytes (0 means unlimited)
	Quota int64 `json:"quota,omitempty"`

	// Status is up or down
	Status Status `json:"status,omitempty"`

	// ParentID is the id of the parent resource (0 for roots)
	ParentID int64 `json:"parent_id,omitempty"`

	// ParentContext is the string the parent uses to classify this child
	ParentContext string `json:"parent_context,omitempty"`

	// Children holds the ordered child ids. It is derived by the registry.
	Children []int64 `json:"-"`

	// Context holds plugin-specific configuration
	Context map[string]string `json:"context,omitempty"`

	Info       string    `json:"info,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	CreateTime time.Time `json:"create_time,omitzero"`
	ModifyTime time.Time `json:"modify_time,omitzero"`
}

// IsRoot reports whether the descriptor has no parent.
func (d *Descriptor) IsRoot() bool {
	return d.ParentID == 0
}

// IsLeaf reports whether the descriptor has no children.
func (d *Descriptor) IsLeaf() bool {
	return len(d.Children) == 0
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	if d.Children != nil {
		c.Children = append([]int64(nil), d.Children...)
	}
	if d.Context != nil {
		c.Context = make(map[string]string, len(d.Context))
		for k, v := range d.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// ContextString returns the canonical form of the plugin context.
func (d *Descriptor) ContextString() string {
	return FormatContext(d.Context)
}

// FormatContext renders a context map as "k1=v1;k2=v2" with sorted keys.
func FormatContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ctx[k])
	}
	return strings.Join(parts, ";")
}

// ParseContext parses a "k1=v1;k2=v2" context string.
func ParseContext(s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context entry %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
