// Package memory provides an in-process Catalog. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/stratafs/pkg/catalog"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Catalog is a catalog.Catalog kept in maps.
//
// Thread safety:
// A single mutex guards all state. UpdateReplicas holds it for the duration
// of the update function, which serializes concurrent writers.
type Catalog struct {
	mu        sync.Mutex
	resources map[int64]*resource.Descriptor
	names     map[string]int64
	replicas  map[string][]replica.Replica
	acls      map[string]map[string]catalog.Permission
	closed    bool
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		resources: make(map[int64]*resource.Descriptor),
		names:     make(map[string]int64),
		replicas:  make(map[string][]replica.Replica),
		acls:      make(map[string]map[string]catalog.Permission),
	}
}

var _ catalog.Catalog = (*Catalog)(nil)

func (c *Catalog) checkOpen() error {
	if c.closed {
		return resource.NewError(resource.ErrInvalidArgument, "catalog is closed")
	}
	return nil
}

func (c *Catalog) Resources(ctx context.Context) ([]*resource.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]*resource.Descriptor, 0, len(c.resources))
	for _, d := range c.resources {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) ResourceByName(ctx context.Context, name string) (*resource.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	id, ok := c.names[name]
	if !ok {
		return nil, resource.NewError(resource.ErrNotFound, "resource %q not found", name)
	}
	return c.resources[id].Clone(), nil
}

func (c *Catalog) ResourceByID(ctx context.Context, id int64) (*resource.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	d, ok := c.resources[id]
	if !ok {
		return nil, resource.NewError(resource.ErrNotFound, "resource id %d not found", id)
	}
	return d.Clone(), nil
}

func (c *Catalog) PutResource(ctx context.Context, d *resource.Descriptor) error {
	if err := catalog.ValidateDescriptor(d); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	stored := d.Clone()
	stored.Children = nil

	if existing, ok := c.names[stored.Name]; ok && existing != stored.ID {
		if stored.ID != 0 {
			return resource.NewError(resource.ErrInvalidArgument,
				"resource name %q already used by id %d", stored.Name, existing)
		}
		stored.ID = existing
	}
	if stored.ID == 0 {
		for id := range c.resources {
			if id > stored.ID {
				stored.ID = id
			}
		}
		stored.ID++
	}
	if stored.ParentID != 0 {
		if _, ok := c.resources[stored.ParentID]; !ok {
			return resource.NewError(resource.ErrNotFound, "parent id %d of %s not found", stored.ParentID, stored.Name)
		}
	}

	if old, ok := c.resources[stored.ID]; ok && old.Name != stored.Name {
		delete(c.names, old.Name)
	}
	c.resources[stored.ID] = stored
	c.names[stored.Name] = stored.ID
	d.ID = stored.ID
	return nil
}

func (c *Catalog) DeleteResource(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	id, ok := c.names[name]
	if !ok {
		return resource.NewError(resource.ErrNotFound, "resource %q not found", name)
	}
	for _, d := range c.resources {
		if d.ParentID == id {
			return resource.NewError(resource.ErrHierarchy, "resource %s still has child %s", name, d.Name)
		}
	}
	delete(c.resources, id)
	delete(c.names, name)
	return nil
}

func (c *Catalog) Replicas(ctx context.Context, logicalPath string) ([]replica.Replica, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return append([]replica.Replica(nil), c.replicas[logicalPath]...), nil
}

func (c *Catalog) UpdateReplicas(ctx context.Context, logicalPath string, fn replica.UpdateFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next, err := fn(append([]replica.Replica(nil), c.replicas[logicalPath]...))
	if err != nil {
		return err
	}
	if len(next) == 0 {
		delete(c.replicas, logicalPath)
		return nil
	}
	c.replicas[logicalPath] = append([]replica.Replica(nil), next...)
	return nil
}

func (c *Catalog) MoveReplicas(ctx context.Context, fromPath, toPath string, fn replica.MoveFunc) error {
	if fromPath == toPath {
		return resource.NewError(resource.ErrInvalidArgument, "cannot move replicas of %s onto itself", fromPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nextFrom, nextTo, err := fn(
		append([]replica.Replica(nil), c.replicas[fromPath]...),
		append([]replica.Replica(nil), c.replicas[toPath]...),
	)
	if err != nil {
		return err
	}
	c.setReplicas(fromPath, nextFrom)
	c.setReplicas(toPath, nextTo)
	return nil
}

func (c *Catalog) setReplicas(logicalPath string, replicas []replica.Replica) {
	if len(replicas) == 0 {
		delete(c.replicas, logicalPath)
		return
	}
	c.replicas[logicalPath] = append([]replica.Replica(nil), replicas...)
}

func (c *Catalog) CheckPermission(ctx context.Context, user, logicalPath string, required catalog.Permission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	for _, p := range catalog.Ancestors(logicalPath) {
		if level, ok := c.acls[p][user]; ok && level >= required {
			return nil
		}
	}
	return catalog.DeniedError(user, logicalPath, required)
}

func (c *Catalog) GrantPermission(ctx context.Context, user, logicalPath string, level catalog.Permission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	p := catalog.Ancestors(logicalPath)[0]
	if level == catalog.PermNone {
		delete(c.acls[p], user)
		return nil
	}
	if c.acls[p] == nil {
		c.acls[p] = make(map[string]catalog.Permission)
	}
	c.acls[p][user] = level
	return nil
}

func (c *Catalog) Healthcheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkOpen()
}

func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog already closed")
	}
	c.closed = true
	return nil
}
