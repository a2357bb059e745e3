// Package deferred implements a coordinating resource that lets its children
// decide: every operation goes to the child with the highest vote.
package deferred

import (
	"context"
	"sort"

	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "deferred"

// Factory creates a deferred resource.
func Factory(name, rescContext string) *plugin.Instance {
	inst := plugin.NewInstance(Type, name, rescContext, nil)
	plugin.BindOperations(inst, operations)
	return inst
}

var operations = map[string]plugin.Operation{
	plugin.OpStart:            start,
	plugin.OpResolveHierarchy: resolve,
}

func init() {
	plugin.Register(&plugin.ModuleInfo{
		Type:    Type,
		Version: plugin.APIVersion,
		Factory: Factory,
		Symbols: plugin.Symbols(Type, operations),
	})
}

func start(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	if len(call.Instance.Children()) == 0 {
		return nil, resource.NewError(resource.ErrHierarchy, "deferred %s has no children", call.Instance.Name())
	}
	return nil, nil
}

func resolve(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	if inst.Properties().IsDown() {
		return &plugin.Result{Vote: backend.VoteNone, Hierarchy: backend.Extend(call.Request.Hierarchy, inst.Name())}, nil
	}

	cs := inst.Children()
	children := make([]*plugin.Instance, 0, len(cs))
	for _, c := range cs {
		children = append(children, c.Instance)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })
	return backend.VoteBest(ctx, inst, children, call), nil
}
