// Package compound implements a two-tier coordinating resource: a cache child
// serves all I/O and an archive child holds the long-term copy.
//
// Reads of objects missing from the cache stage them from the archive during
// hierarchy resolution. Writes land in the cache and are synchronized to the
// archive when the dispatcher reports the object as modified.
package compound

import (
	"context"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "compound"

// Staging policies, selected with the stage_policy context key or request
// condition.
const (
	PolicyKey = "stage_policy"

	// PreferCache serves opens from a good cache replica when one exists
	PreferCache = "prefer_cache"

	// PreferArchive always refreshes the cache from the archive on open
	PreferArchive = "prefer_archive"
)

// Factory creates a compound resource.
func Factory(name, rescContext string) *plugin.Instance {
	if _, err := resource.ParseContext(rescContext); err != nil {
		logger.Warn("compound %s: %v", name, err)
		return nil
	}
	inst := plugin.NewInstance(Type, name, rescContext, nil)
	plugin.BindOperations(inst, operations)
	return inst
}

var operations = map[string]plugin.Operation{
	plugin.OpStart:            start,
	plugin.OpResolveHierarchy: resolve,
	plugin.OpModified:         modified,
	plugin.OpStage:            stage,
	plugin.OpSync:             modified,
	plugin.OpFreeSpace:        freespace,
}

func init() {
	plugin.Register(&plugin.ModuleInfo{
		Type:    Type,
		Version: plugin.APIVersion,
		Factory: Factory,
		Symbols: plugin.Symbols(Type, operations),
	})
}

// tiers returns the cache and archive children of inst.
func tiers(inst *plugin.Instance) (cache, archive *plugin.Instance, err error) {
	var caches, archives int
	for _, c := range inst.Children() {
		switch c.Context {
		case resource.ContextCache:
			caches++
			cache = c.Instance
		case resource.ContextArchive:
			archives++
			archive = c.Instance
		default:
			return nil, nil, resource.NewError(resource.ErrHierarchy,
				"compound %s: child %s has context %q, want %q or %q",
				inst.Name(), c.Instance.Name(), c.Context, resource.ContextCache, resource.ContextArchive)
		}
	}
	if caches != 1 || archives != 1 {
		return nil, nil, resource.NewError(resource.ErrHierarchy,
			"compound %s needs exactly one cache and one archive child, has %d and %d",
			inst.Name(), caches, archives)
	}
	return cache, archive, nil
}

func start(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	_, _, err := tiers(call.Instance)
	return nil, err
}

func resolve(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	req := call.Request
	cache, archive, err := tiers(inst)
	if err != nil {
		return nil, err
	}

	if inst.Properties().IsDown() {
		return &plugin.Result{Vote: backend.VoteNone, Hierarchy: backend.Extend(req.Hierarchy, inst.Name())}, nil
	}

	cacheVote, err := backend.VoteChild(ctx, inst, cache, call)
	if err != nil {
		return nil, err
	}

	// Writes and creates always go to the cache.
	if req.Operation != plugin.OpOpen {
		return cacheVote, nil
	}

	policy := backend.Condition(inst, req, PolicyKey, PreferCache)
	if cacheVote.Vote > 0 && policy != PreferArchive {
		return cacheVote, nil
	}

	archiveVote, err := backend.VoteChild(ctx, inst, archive, call)
	if err != nil {
		return nil, err
	}
	if archiveVote.Vote <= 0 {
		return cacheVote, nil
	}

	written, err := stageFromArchive(ctx, call, cache, archive, archiveVote.Hierarchy)
	if err != nil {
		return nil, err
	}

	logger.Debug("compound %s: staged %s from %s", inst.Name(), call.Object.LogicalPath(), archiveVote.Hierarchy)
	return &plugin.Result{
		Vote:      archiveVote.Vote,
		Hierarchy: written.Hierarchy,
		Written:   append(archiveVote.Written, written),
	}, nil
}

// stageFromArchive copies the archive replica on archiveHier into the cache.
func stageFromArchive(ctx context.Context, call *plugin.Call, cache, archive *plugin.Instance, archiveHier string) (plugin.Written, error) {
	if len(cache.Children()) > 0 {
		return plugin.Written{}, resource.NewError(resource.ErrHierarchy, "compound %s: cache child must be a storage leaf", call.Instance.Name())
	}

	src, ok := backend.FindReplica(call.Request.Replicas, archiveHier)
	if !ok || !src.Good {
		return plugin.Written{}, resource.NewError(resource.ErrNotFound, "no good archive replica on %s", archiveHier)
	}

	srcLeaf, err := backend.Descend(archive, archiveHier)
	if err != nil {
		return plugin.Written{}, err
	}

	cacheHier := backend.ChildHierarchy(call.Request.Hierarchy, call.Instance, cache)

	dstPhysical := ""
	if existing, ok := backend.FindReplica(call.Request.Replicas, cacheHier); ok {
		dstPhysical = existing.PhysicalPath
	}

	return backend.Copy(ctx,
		srcLeaf, plugin.Retarget(call.Object, src.PhysicalPath, archiveHier),
		cache, plugin.Retarget(call.Object, dstPhysical, cacheHier))
}

// modified synchronizes a changed cache replica to the archive.
func modified(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	cache, archive, err := tiers(inst)
	if err != nil {
		return nil, err
	}

	written, err := backend.NextInHierarchy(call.Object, inst)
	if err != nil {
		return nil, err
	}
	if written.Name() != cache.Name() {
		return nil, nil
	}

	parent := backend.ParentHierarchy(call.Object, inst)
	archiveHier := backend.ChildHierarchy(parent, inst, archive)
	leaf := archive
	if len(archive.Children()) > 0 {
		vote, err := archive.Invoke(ctx, plugin.OpResolveHierarchy, call.Object, &plugin.Request{
			Operation: plugin.OpCreate,
			Hierarchy: backend.Extend(parent, inst.Name()),
		})
		if err != nil {
			return nil, err
		}
		archiveHier = vote.Hierarchy
		if leaf, err = backend.Descend(archive, archiveHier); err != nil {
			return nil, err
		}
	}

	dstPhysical := ""
	if existing, ok := backend.FindReplica(call.Request.Replicas, archiveHier); ok {
		dstPhysical = existing.PhysicalPath
	}

	w, err := backend.Copy(ctx, cache, call.Object, leaf, plugin.Retarget(call.Object, dstPhysical, archiveHier))
	if err != nil {
		return nil, err
	}
	logger.Debug("compound %s: synchronized %s to %s", inst.Name(), call.Object.LogicalPath(), archiveHier)
	return &plugin.Result{Written: []plugin.Written{w}}, nil
}

// stage copies the good archive replica into the cache.
func stage(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	cache, archive, err := tiers(inst)
	if err != nil {
		return nil, err
	}

	parent := call.Request.Hierarchy
	for _, r := range call.Request.Replicas {
		if !r.Good {
			continue
		}
		if _, err := backend.Descend(archive, r.Hierarchy); err != nil {
			continue
		}
		req := *call.Request
		req.Hierarchy = parent
		w, err := stageFromArchive(ctx, &plugin.Call{Instance: inst, Object: call.Object, Request: &req}, cache, archive, r.Hierarchy)
		if err != nil {
			return nil, err
		}
		return &plugin.Result{Hierarchy: w.Hierarchy, Written: []plugin.Written{w}}, nil
	}
	return nil, resource.NewError(resource.ErrNotFound, "compound %s holds no good archive replica of %s", inst.Name(), call.Object.LogicalPath())
}

// freespace reports the cache tier, where new data lands.
func freespace(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	cache, _, err := tiers(call.Instance)
	if err != nil {
		return nil, err
	}
	return cache.Invoke(ctx, plugin.OpFreeSpace, nil, nil)
}
