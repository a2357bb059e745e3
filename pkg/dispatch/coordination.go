package dispatch

import (
	"context"
	"time"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/catalog"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/redirect"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
)

// coordinate runs op on the root of the hierarchy of obj and records the
// replicas it produced.
//
// Without a hierarchy on obj the authoritative replica is used. The root
// receives the replica list of the object and, as Hierarchy, the empty
// parent prefix.
func (d *Dispatcher) coordinate(ctx context.Context, sess *Session, obj *fco.DataObject, op string) (res *plugin.Result, err error) {
	var loc redirect.Location
	defer d.observe(op, &loc, time.Now(), &err)

	replicas, err := d.tracker.Replicas(ctx, obj.Logical)
	if err != nil {
		return nil, err
	}
	if len(replicas) == 0 {
		return nil, &resource.ResourceError{Code: resource.ErrNotFound, Message: "object does not exist", Path: obj.Logical, Operation: op}
	}
	if obj.Hier == "" {
		r, err := replica.Authoritative(replicas)
		if err != nil {
			return nil, resource.Annotate(err, obj.Logical, "", op)
		}
		obj.Hier = r.Hierarchy
	}
	if r, ok := replica.FindByHierarchy(replicas, obj.Hier); ok {
		obj.ReplNum, obj.RescID, obj.Physical, obj.Size = r.Number, r.ResourceID, r.PhysicalPath, r.Size
	}

	h, err := hierarchy.Parse(obj.Hier)
	if err != nil {
		return nil, resource.Annotate(err, obj.Logical, obj.Hier, op)
	}
	req := &plugin.Request{Replicas: replicaRefs(replicas)}

	if loc, err = d.locator.LocateHierarchy(ctx, obj.Hier); err != nil {
		return nil, err
	}
	if !loc.IsLocal() {
		return d.forward(ctx, sess, loc.Host, obj, op, req)
	}

	if err := d.authorize(ctx, sess, obj.Logical, catalog.PermWrite); err != nil {
		return nil, resource.Annotate(err, "", obj.Hier, op)
	}
	root, err := d.registry.ResolveByName(ctx, h.First())
	if err != nil {
		return nil, resource.Annotate(err, obj.Logical, obj.Hier, op)
	}

	res, err = d.local(ctx, &call{sess: sess, obj: obj, op: op, req: req, inst: root, checked: true})
	if err != nil {
		return nil, err
	}
	if err := d.recordWritten(ctx, obj.Logical, res.Written); err != nil {
		return nil, err
	}
	logger.Debug("%s of %s on %s produced %d replicas", op, obj.Logical, h.First(), len(res.Written))
	return res, nil
}

// Stage copies the good archive replica of obj into the cache tier of its
// compound resource. It returns the hierarchy of the staged replica.
func (d *Dispatcher) Stage(ctx context.Context, sess *Session, obj *fco.DataObject) (string, error) {
	res, err := d.coordinate(ctx, sess, obj, plugin.OpStage)
	if err != nil {
		return "", err
	}
	return res.Hierarchy, nil
}

// Sync pushes the replica of obj to the archive tier of its compound
// resource.
func (d *Dispatcher) Sync(ctx context.Context, sess *Session, obj *fco.DataObject) error {
	_, err := d.coordinate(ctx, sess, obj, plugin.OpSync)
	return err
}

// Replicate creates replicas of obj on every child of its replicating root
// that holds no good one.
func (d *Dispatcher) Replicate(ctx context.Context, sess *Session, obj *fco.DataObject) ([]plugin.Written, error) {
	res, err := d.coordinate(ctx, sess, obj, plugin.OpReplicate)
	if err != nil {
		return nil, err
	}
	return res.Written, nil
}

// Rebalance rewrites the replica of obj on every child of its replicating
// root from the good source.
func (d *Dispatcher) Rebalance(ctx context.Context, sess *Session, obj *fco.DataObject) ([]plugin.Written, error) {
	res, err := d.coordinate(ctx, sess, obj, plugin.OpRebalance)
	if err != nil {
		return nil, err
	}
	return res.Written, nil
}

// FreeSpace reports the free bytes of a resource.
func (d *Dispatcher) FreeSpace(ctx context.Context, sess *Session, rescName string) (int64, error) {
	h, err := d.registry.HierarchyOf(rescName)
	if err != nil {
		return 0, err
	}
	res, err := d.Invoke(ctx, sess, fco.NewDataObject("", h.String()), plugin.OpFreeSpace, &plugin.Request{})
	if err != nil {
		return 0, err
	}
	return res.FreeSpace, nil
}
