// Package registry holds the process-wide resource tree.
//
// The tree is built from descriptors (configuration or a catalog snapshot)
// into an immutable value and swapped in under the write lock, so readers
// never observe a half-built tree. Plugin instances are created lazily the
// first time a resource is resolved.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/tidwall/btree"
)

// Loader creates plugin instances. *plugin.Loader implements it.
type Loader interface {
	Load(ctx context.Context, typeTag, instanceName, rescContext string) (*plugin.Instance, error)
}

// DescriptorSource supplies a resource topology snapshot. Catalogs implement it.
type DescriptorSource interface {
	Resources(ctx context.Context) ([]*resource.Descriptor, error)
}

type entry struct {
	desc *resource.Descriptor
	hier hierarchy.Handle

	mu   sync.Mutex
	inst *plugin.Instance
}

// tree is never mutated after build.
type tree struct {
	byName *btree.Map[string, *entry]
	byID   map[int64]*entry
	roots  []string
}

// Registry resolves resource names and ids to descriptors and plugin
// instances.
//
// Thread safety:
// Lookups take the read lock. Load swaps the whole tree under the write lock.
type Registry struct {
	loader Loader

	mu   sync.RWMutex
	tree *tree
}

// New creates an empty registry backed by loader.
func New(loader Loader) *Registry {
	return &Registry{loader: loader, tree: emptyTree()}
}

func emptyTree() *tree {
	return &tree{byName: btree.NewMap[string, *entry](0), byID: make(map[int64]*entry)}
}

// Load replaces the resource tree with one built from descriptors.
//
// The topology is validated first: names and ids must be unique, parents must
// exist and the parent graph must be acyclic. On error the current tree is
// left in place.
func (r *Registry) Load(ctx context.Context, descriptors []*resource.Descriptor) error {
	t, err := build(descriptors)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tree = t
	r.mu.Unlock()

	logger.Info("Resource registry loaded: %d resources, %d roots", len(t.byID), len(t.roots))
	return nil
}

// Reload rebuilds the tree from src.
func (r *Registry) Reload(ctx context.Context, src DescriptorSource) error {
	descriptors, err := src.Resources(ctx)
	if err != nil {
		return fmt.Errorf("failed to read resource topology: %w", err)
	}
	return r.Load(ctx, descriptors)
}

func build(descriptors []*resource.Descriptor) (*tree, error) {
	t := emptyTree()

	for _, d := range descriptors {
		if d == nil || d.Name == "" {
			return nil, resource.NewError(resource.ErrInvalidArgument, "resource descriptor without a name")
		}
		if d.ID <= 0 {
			return nil, resource.NewError(resource.ErrInvalidArgument, "resource %s has invalid id %d", d.Name, d.ID)
		}
		if _, dup := t.byName.Get(d.Name); dup {
			return nil, resource.NewError(resource.ErrInvalidArgument, "duplicate resource name %q", d.Name)
		}
		if other, dup := t.byID[d.ID]; dup {
			return nil, resource.NewError(resource.ErrInvalidArgument,
				"resources %s and %s share id %d", other.desc.Name, d.Name, d.ID)
		}

		e := &entry{desc: d.Clone()}
		e.desc.Children = nil
		t.byName.Set(d.Name, e)
		t.byID[d.ID] = e
	}

	ids := make([]int64, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := t.byID[id]
		if e.desc.ParentID == 0 {
			t.roots = append(t.roots, e.desc.Name)
			continue
		}
		parent, ok := t.byID[e.desc.ParentID]
		if !ok {
			return nil, resource.NewError(resource.ErrNotFound,
				"parent id %d of resource %s not found", e.desc.ParentID, e.desc.Name)
		}
		parent.desc.Children = append(parent.desc.Children, id)
	}
	sort.Strings(t.roots)

	for _, id := range ids {
		h, err := t.pathTo(t.byID[id])
		if err != nil {
			return nil, err
		}
		t.byID[id].hier = h
	}
	return t, nil
}

// pathTo walks from e up to its root.
func (t *tree) pathTo(e *entry) (hierarchy.Handle, error) {
	names := []string{e.desc.Name}
	seen := map[int64]bool{e.desc.ID: true}

	for cur := e; cur.desc.ParentID != 0; {
		cur = t.byID[cur.desc.ParentID]
		if seen[cur.desc.ID] {
			return hierarchy.Handle{}, resource.NewError(resource.ErrHierarchy,
				"resource %s is part of a parent cycle", e.desc.Name)
		}
		seen[cur.desc.ID] = true
		names = append([]string{cur.desc.Name}, names...)
	}
	return hierarchy.New(names...)
}

func (r *Registry) snapshot() *tree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree
}

func (t *tree) lookupName(name string) (*entry, error) {
	e, ok := t.byName.Get(name)
	if !ok {
		return nil, &resource.ResourceError{
			Code:     resource.ErrNotFound,
			Message:  fmt.Sprintf("resource %q not found", name),
			Resource: name,
		}
	}
	return e, nil
}

func (t *tree) lookupID(id int64) (*entry, error) {
	e, ok := t.byID[id]
	if !ok {
		return nil, resource.NewError(resource.ErrNotFound, "resource id %d not found", id)
	}
	return e, nil
}

// Resolve returns the plugin instance for a resource name or, when no
// resource has that name and it is numeric, a resource id.
func (r *Registry) Resolve(ctx context.Context, nameOrID string) (*plugin.Instance, error) {
	t := r.snapshot()
	if e, ok := t.byName.Get(nameOrID); ok {
		return r.instance(ctx, t, e)
	}
	if id, err := strconv.ParseInt(nameOrID, 10, 64); err == nil {
		return r.ResolveByID(ctx, id)
	}
	_, err := t.lookupName(nameOrID)
	return nil, err
}

// ResolveByName returns the plugin instance of a named resource.
func (r *Registry) ResolveByName(ctx context.Context, name string) (*plugin.Instance, error) {
	t := r.snapshot()
	e, err := t.lookupName(name)
	if err != nil {
		return nil, err
	}
	return r.instance(ctx, t, e)
}

// ResolveByID returns the plugin instance of a resource id.
func (r *Registry) ResolveByID(ctx context.Context, id int64) (*plugin.Instance, error) {
	t := r.snapshot()
	e, err := t.lookupID(id)
	if err != nil {
		return nil, err
	}
	return r.instance(ctx, t, e)
}

// InitFromDescriptor returns the instance of a descriptor known to the
// registry, loading it on first use.
func (r *Registry) InitFromDescriptor(ctx context.Context, d *resource.Descriptor) (*plugin.Instance, error) {
	if d == nil {
		return nil, resource.NewError(resource.ErrInvalidArgument, "nil resource descriptor")
	}
	return r.ResolveByName(ctx, d.Name)
}

// instance loads e's plugin and derives the tree's own instance from it,
// with e's properties and children.
func (r *Registry) instance(ctx context.Context, t *tree, e *entry) (*plugin.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inst != nil {
		return e.inst, nil
	}
	if r.loader == nil {
		return nil, resource.NewError(resource.ErrModuleNotFound, "registry has no plugin loader")
	}

	loaded, err := r.loader.Load(ctx, e.desc.Type, e.desc.Name, e.desc.ContextString())
	if err != nil {
		return nil, err
	}

	// The loaded instance is shared by every tree built with the same key.
	// Properties and children belong to this tree only.
	props := resource.NewProperties()
	props.Merge(loaded.Properties())
	props.Merge(resource.PropertiesFromDescriptor(e.desc))
	inst := loaded.Derive(props)

	children := make([]plugin.Child, 0, len(e.desc.Children))
	for _, id := range e.desc.Children {
		ce := t.byID[id]
		child, err := r.instance(ctx, t, ce)
		if err != nil {
			return nil, fmt.Errorf("resource %s: child %s: %w", e.desc.Name, ce.desc.Name, err)
		}
		children = append(children, plugin.Child{Context: ce.desc.ParentContext, Instance: child})
	}
	inst.SetChildren(children)

	e.inst = inst
	return inst, nil
}

// Descriptor returns a copy of a named resource's descriptor.
func (r *Registry) Descriptor(name string) (*resource.Descriptor, error) {
	e, err := r.snapshot().lookupName(name)
	if err != nil {
		return nil, err
	}
	return e.desc.Clone(), nil
}

// DescriptorByID returns a copy of a resource's descriptor.
func (r *Registry) DescriptorByID(id int64) (*resource.Descriptor, error) {
	e, err := r.snapshot().lookupID(id)
	if err != nil {
		return nil, err
	}
	return e.desc.Clone(), nil
}

// Descriptors returns copies of every descriptor ordered by name.
func (r *Registry) Descriptors() []*resource.Descriptor {
	t := r.snapshot()
	out := make([]*resource.Descriptor, 0, t.byName.Len())
	t.byName.Scan(func(name string, e *entry) bool {
		out = append(out, e.desc.Clone())
		return true
	})
	return out
}

// Count returns the number of resources.
func (r *Registry) Count() int {
	return r.snapshot().byName.Len()
}

// IDToName returns the name of a resource id.
func (r *Registry) IDToName(id int64) (string, error) {
	e, err := r.snapshot().lookupID(id)
	if err != nil {
		return "", err
	}
	return e.desc.Name, nil
}

// HierarchyOf returns the full hierarchy from the root down to name.
func (r *Registry) HierarchyOf(name string) (hierarchy.Handle, error) {
	e, err := r.snapshot().lookupName(name)
	if err != nil {
		return hierarchy.Handle{}, err
	}
	return e.hier, nil
}

// LeafIDToHier returns the hierarchy string ending at resource id. It is the
// inverse of HierToLeafID.
func (r *Registry) LeafIDToHier(id int64) (string, error) {
	e, err := r.snapshot().lookupID(id)
	if err != nil {
		return "", err
	}
	return e.hier.String(), nil
}

// HierToLeafID returns the id of the last resource of hier after checking
// that every entry is a child of the one before it.
func (r *Registry) HierToLeafID(hier string) (int64, error) {
	h, err := hierarchy.Parse(hier)
	if err != nil {
		return 0, err
	}
	e, err := r.snapshot().walk(h)
	if err != nil {
		return 0, err
	}
	return e.desc.ID, nil
}

// ValidateHierarchy checks that h names a chain of parent and child resources.
func (r *Registry) ValidateHierarchy(h hierarchy.Handle) error {
	_, err := r.snapshot().walk(h)
	return err
}

func (t *tree) walk(h hierarchy.Handle) (*entry, error) {
	if h.IsZero() {
		return nil, resource.NewError(resource.ErrHierarchy, "empty hierarchy")
	}

	var prev *entry
	for _, name := range h.Names() {
		e, err := t.lookupName(name)
		if err != nil {
			return nil, resource.Annotate(err, "", h.String(), "")
		}
		if prev == nil && e.desc.ParentID != 0 {
			return nil, &resource.ResourceError{
				Code:      resource.ErrHierarchy,
				Message:   fmt.Sprintf("resource %s is not a root resource", name),
				Hierarchy: h.String(),
				Resource:  name,
			}
		}
		if prev != nil && e.desc.ParentID != prev.desc.ID {
			return nil, &resource.ResourceError{
				Code:      resource.ErrHierarchy,
				Message:   fmt.Sprintf("resource %s is not a child of %s", name, prev.desc.Name),
				Hierarchy: h.String(),
				Resource:  name,
			}
		}
		prev = e
	}
	return prev, nil
}

// RootResources returns the names of resources without a parent, sorted.
func (r *Registry) RootResources() []string {
	return append([]string(nil), r.snapshot().roots...)
}

// LeafBundles maps each root resource to the ids of the leaves below it.
func (r *Registry) LeafBundles() map[string][]int64 {
	t := r.snapshot()
	out := make(map[string][]int64, len(t.roots))
	for _, root := range t.roots {
		e, _ := t.byName.Get(root)
		var leaves []int64
		t.collectLeaves(e, &leaves)
		sort.Slice(leaves, func(i, j int) bool { return leaves[i] < leaves[j] })
		out[root] = leaves
	}
	return out
}

func (t *tree) collectLeaves(e *entry, out *[]int64) {
	if len(e.desc.Children) == 0 {
		*out = append(*out, e.desc.ID)
		return
	}
	for _, id := range e.desc.Children {
		t.collectLeaves(t.byID[id], out)
	}
}
