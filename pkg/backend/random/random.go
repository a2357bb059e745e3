// Package random implements a coordinating resource that places new objects
// on a randomly chosen child.
package random

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "random"

// Factory creates a random resource.
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
		return nil, resource.NewError(resource.ErrHierarchy, "random %s has no children", call.Instance.Name())
	}
	return nil, nil
}

// resolve sends creates to a random child able to take them and everything
// else to the child holding the best replica.
func resolve(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	cs := children(inst)
	none := &plugin.Result{Vote: backend.VoteNone, Hierarchy: backend.Extend(call.Request.Hierarchy, inst.Name())}
	if inst.Properties().IsDown() || len(cs) == 0 {
		return none, nil
	}
	if call.Request.Operation != plugin.OpCreate {
		return backend.VoteBest(ctx, inst, cs, call), nil
	}

	// A child that cannot vote is dropped and the draw repeated over the rest.
	for _, i := range rand.Perm(len(cs)) {
		res, err := backend.VoteChild(ctx, inst, cs[i], call)
		if err != nil {
			logger.Debug("random %s: child %s did not vote: %v", inst.Name(), cs[i].Name(), err)
			continue
		}
		if res.Vote > backend.VoteNone {
			return res, nil
		}
	}
	return none, nil
}
