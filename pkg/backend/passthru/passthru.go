// Package passthru implements a coordinating resource with a single child. It
// forwards votes scaled by a configurable weight, which lets operators bias
// a replication or random parent toward or away from a subtree.
package passthru

import (
	"context"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "passthru"

// Context keys holding the vote multipliers.
const (
	ReadWeightKey  = "read_weight"
	WriteWeightKey = "write_weight"
)

// Factory creates a passthru resource.
func Factory(name, rescContext string) *plugin.Instance {
	var weights struct {
		Read  float64 `mapstructure:"read_weight"`
		Write float64 `mapstructure:"write_weight"`
	}
	if err := backend.DecodeContextString(name, rescContext, &weights); err != nil {
		logger.Warn("passthru %s: %v", name, err)
		return nil
	}
	if weights.Read < 0 || weights.Write < 0 {
		logger.Warn("passthru %s: weights must not be negative", name)
		return nil
	}

	inst := plugin.NewInstance(Type, name, rescContext, nil)
	plugin.BindOperations(inst, operations)
	return inst
}

var operations = map[string]plugin.Operation{
	plugin.OpStart:            start,
	plugin.OpResolveHierarchy: resolve,
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

func child(inst *plugin.Instance) (*plugin.Instance, error) {
	cs := inst.Children()
	if len(cs) != 1 {
		return nil, resource.NewError(resource.ErrHierarchy, "passthru %s needs exactly one child, has %d", inst.Name(), len(cs))
	}
	return cs[0].Instance, nil
}

func start(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	_, err := child(call.Instance)
	return nil, err
}

func resolve(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	c, err := child(inst)
	if err != nil {
		return nil, err
	}

	res, err := backend.VoteChild(ctx, inst, c, call)
	if err != nil {
		return nil, err
	}

	key := WriteWeightKey
	if call.Request.Operation == plugin.OpOpen {
		key = ReadWeightKey
	}
	weight := backend.FloatCondition(inst, nil, key, 1.0)

	out := *res
	out.Vote = res.Vote * weight
	if inst.Properties().IsDown() {
		out.Vote = backend.VoteNone
	}
	return &out, nil
}

func freespace(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	c, err := child(call.Instance)
	if err != nil {
		return nil, err
	}
	return c.Invoke(ctx, plugin.OpFreeSpace, nil, nil)
}
