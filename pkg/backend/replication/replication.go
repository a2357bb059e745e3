// Package replication implements a coordinating resource that keeps a copy of
// every object on each of its children.
package replication

import (
	"context"
	"sort"
	"sync"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"golang.org/x/sync/errgroup"
)

// Type is the plugin type tag.
const Type = "replication"

type options struct {
	// Concurrency bounds the number of replicas copied at once, 0 means one
	// per child
	Concurrency int `mapstructure:"concurrency"`
}

// Factory creates a replication resource.
func Factory(name, rescContext string) *plugin.Instance {
	var opts options
	if err := backend.DecodeContextString(name, rescContext, &opts); err != nil {
		logger.Warn("replication %s: %v", name, err)
		return nil
	}
	inst := plugin.NewInstance(Type, name, rescContext, &opts)
	plugin.BindOperations(inst, operations)
	return inst
}

var operations = map[string]plugin.Operation{
	plugin.OpStart:            start,
	plugin.OpResolveHierarchy: resolve,
	plugin.OpModified:         modified,
	plugin.OpReplicate:        replicate,
	plugin.OpRebalance:        rebalance,
}

func init() {
	plugin.Register(&plugin.ModuleInfo{
		Type:    Type,
		Version: plugin.APIVersion,
		Factory: Factory,
		Symbols: plugin.Symbols(Type, operations),
	})
}

// children returns the child instances sorted by name.
func children(inst *plugin.Instance) []*plugin.Instance {
	cs := inst.Children()
	out := make([]*plugin.Instance, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func start(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	if len(call.Instance.Children()) == 0 {
		return nil, resource.NewError(resource.ErrHierarchy, "replication %s has no children", call.Instance.Name())
	}
	return nil, nil
}

// resolve picks the child with the highest vote. Ties go to the first child
// by name.
func resolve(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	if inst.Properties().IsDown() {
		return &plugin.Result{Vote: backend.VoteNone, Hierarchy: backend.Extend(call.Request.Hierarchy, inst.Name())}, nil
	}

	var best *plugin.Result
	var written []plugin.Written
	for _, child := range children(inst) {
		res, err := backend.VoteChild(ctx, inst, child, call)
		if err != nil {
			logger.Debug("replication %s: child %s did not vote: %v", inst.Name(), child.Name(), err)
			continue
		}
		written = append(written, res.Written...)
		if best == nil || res.Vote > best.Vote {
			best = res
		}
	}

	if best == nil {
		return &plugin.Result{Vote: backend.VoteNone, Hierarchy: backend.Extend(call.Request.Hierarchy, inst.Name())}, nil
	}
	return &plugin.Result{Vote: best.Vote, Hierarchy: best.Hierarchy, Written: written}, nil
}

type target struct {
	hier string
	leaf *plugin.Instance
}

// targetFor resolves where a new replica on child lands.
func targetFor(ctx context.Context, inst, child *plugin.Instance, parent string, obj plugin.Object) (target, error) {
	if len(child.Children()) == 0 {
		return target{hier: backend.ChildHierarchy(parent, inst, child), leaf: child}, nil
	}

	res, err := child.Invoke(ctx, plugin.OpResolveHierarchy, obj, &plugin.Request{
		Operation: plugin.OpCreate,
		Hierarchy: backend.Extend(parent, inst.Name()),
	})
	if err != nil {
		return target{}, err
	}
	if res.Vote <= 0 {
		return target{}, resource.NewError(resource.ErrHierarchy, "child %s cannot accept a replica", child.Name())
	}
	leaf, err := backend.Descend(child, res.Hierarchy)
	if err != nil {
		return target{}, err
	}
	return target{hier: res.Hierarchy, leaf: leaf}, nil
}

// fanOut copies obj from the source leaf to every target child.
func fanOut(ctx context.Context, call *plugin.Call, srcLeaf *plugin.Instance, srcObj plugin.Object, dests []*plugin.Instance) ([]plugin.Written, error) {
	inst := call.Instance
	parent := backend.ParentHierarchy(call.Object, inst)
	if parent == "" {
		parent = call.Request.Hierarchy
	}

	var (
		mu      sync.Mutex
		written []plugin.Written
	)

	g, gctx := errgroup.WithContext(ctx)
	if n := inst.State().(*options).Concurrency; n > 0 {
		g.SetLimit(n)
	}

	for _, child := range dests {
		g.Go(func() error {
			t, err := targetFor(gctx, inst, child, parent, call.Object)
			if err != nil {
				return err
			}
			dstPhysical := ""
			if existing, ok := backend.FindReplica(call.Request.Replicas, t.hier); ok {
				dstPhysical = existing.PhysicalPath
			}

			w, err := backend.Copy(gctx, srcLeaf, srcObj, t.leaf, plugin.Retarget(call.Object, dstPhysical, t.hier))
			if err != nil {
				return resource.Annotate(err, call.Object.LogicalPath(), t.hier, plugin.OpReplicate)
			}

			mu.Lock()
			written = append(written, w)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(written, func(i, j int) bool { return written[i].Hierarchy < written[j].Hierarchy })
	return written, nil
}

// modified copies the freshly written replica to every other child.
func modified(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	source, err := backend.NextInHierarchy(call.Object, inst)
	if err != nil {
		return nil, err
	}
	srcLeaf, err := backend.Descend(inst, call.Object.Hierarchy())
	if err != nil {
		return nil, err
	}

	var dests []*plugin.Instance
	for _, child := range children(inst) {
		if child.Name() != source.Name() {
			dests = append(dests, child)
		}
	}

	written, err := fanOut(ctx, call, srcLeaf, call.Object, dests)
	if err != nil {
		return nil, err
	}
	logger.Debug("replication %s: %s replicated to %d children", inst.Name(), call.Object.LogicalPath(), len(written))
	return &plugin.Result{Written: written}, nil
}

// childOf returns the child of inst a replica hierarchy runs through.
func childOf(inst *plugin.Instance, hier string) (string, bool) {
	h, err := hierarchy.Parse(hier)
	if err != nil {
		return "", false
	}
	name, err := h.Next(inst.Name())
	if err != nil {
		return "", false
	}
	return name, true
}

// source picks the good replica to copy from: the first by number among the
// children of inst.
func source(inst *plugin.Instance, replicas []plugin.ReplicaRef) (plugin.ReplicaRef, string, bool) {
	sorted := append([]plugin.ReplicaRef(nil), replicas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for _, r := range sorted {
		if !r.Good {
			continue
		}
		if child, ok := childOf(inst, r.Hierarchy); ok {
			return r, child, true
		}
	}
	return plugin.ReplicaRef{}, "", false
}

func copyFromGood(ctx context.Context, call *plugin.Call, refresh bool) (*plugin.Result, error) {
	inst := call.Instance
	src, srcChild, ok := source(inst, call.Request.Replicas)
	if !ok {
		return nil, resource.NewError(resource.ErrNotFound, "replication %s holds no good replica of %s", inst.Name(), call.Object.LogicalPath())
	}
	srcLeaf, err := backend.Descend(inst, src.Hierarchy)
	if err != nil {
		return nil, err
	}

	good := make(map[string]bool)
	for _, r := range call.Request.Replicas {
		if child, ok := childOf(inst, r.Hierarchy); ok && r.Good {
			good[child] = true
		}
	}

	var dests []*plugin.Instance
	for _, child := range children(inst) {
		if child.Name() == srcChild {
			continue
		}
		if !refresh && good[child.Name()] {
			continue
		}
		dests = append(dests, child)
	}
	if len(dests) == 0 {
		return &plugin.Result{}, nil
	}

	written, err := fanOut(ctx, call, srcLeaf, plugin.Retarget(call.Object, src.PhysicalPath, src.Hierarchy), dests)
	if err != nil {
		return nil, err
	}
	return &plugin.Result{Written: written}, nil
}

// replicate creates replicas on children that hold no good one.
func replicate(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	return copyFromGood(ctx, call, false)
}

// rebalance rewrites the replica on every child from the good source.
func rebalance(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	return copyFromGood(ctx, call, true)
}
