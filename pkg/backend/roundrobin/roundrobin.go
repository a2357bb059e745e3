// Package roundrobin implements a coordinating resource that places new
// objects on its children in turn.
//
// Children are visited in the order given by their parent context, which may
// hold an integer position; children without one follow, sorted by name.
// Down children and children that refuse to vote are skipped.
package roundrobin

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "roundrobin"

// PropNextChild is the property reporting the child the next create goes to.
const PropNextChild = "round_robin_next_child"

// state is shared by every instance derived from the loaded plugin, so the
// rotation survives registry reloads.
type state struct {
	mu   sync.Mutex
	next string
}

// Factory creates a round robin resource.
func Factory(name, rescContext string) *plugin.Instance {
	inst := plugin.NewInstance(Type, name, rescContext, &state{})
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

// ordered returns the children in rotation order.
func ordered(inst *plugin.Instance) []*plugin.Instance {
	type slot struct {
		pos  int
		inst *plugin.Instance
	}
	cs := inst.Children()
	slots := make([]slot, 0, len(cs))
	for _, c := range cs {
		pos, err := strconv.Atoi(c.Context)
		if err != nil || pos < 0 {
			pos = len(cs)
		}
		slots = append(slots, slot{pos: pos, inst: c.Instance})
	}
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].pos != slots[j].pos {
			return slots[i].pos < slots[j].pos
		}
		return slots[i].inst.Name() < slots[j].inst.Name()
	})

	out := make([]*plugin.Instance, len(slots))
	for i, s := range slots {
		out[i] = s.inst
	}
	return out
}

func start(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	children := ordered(call.Instance)
	if len(children) == 0 {
		return nil, resource.NewError(resource.ErrHierarchy, "roundrobin %s has no children", call.Instance.Name())
	}

	st := call.Instance.State().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.next == "" {
		st.next = children[0].Name()
	}
	call.Instance.Properties().Set(PropNextChild, st.next)
	return nil, nil
}

// resolve sends creates to the next child in the rotation and everything
// else to the child holding the best replica.
func resolve(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	inst := call.Instance
	children := ordered(inst)
	if inst.Properties().IsDown() || len(children) == 0 {
		return &plugin.Result{Vote: backend.VoteNone, Hierarchy: backend.Extend(call.Request.Hierarchy, inst.Name())}, nil
	}
	if call.Request.Operation != plugin.OpCreate {
		return backend.VoteBest(ctx, inst, children, call), nil
	}

	st := inst.State().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()

	first := 0
	for i, c := range children {
		if c.Name() == st.next {
			first = i
			break
		}
	}

	for n := 0; n < len(children); n++ {
		i := (first + n) % len(children)
		res, err := backend.VoteChild(ctx, inst, children[i], call)
		if err != nil {
			logger.Debug("roundrobin %s: child %s did not vote: %v", inst.Name(), children[i].Name(), err)
			continue
		}
		if res.Vote <= backend.VoteNone {
			continue
		}
		st.next = children[(i+1)%len(children)].Name()
		inst.Properties().Set(PropNextChild, st.next)
		return res, nil
	}
	return &plugin.Result{Vote: backend.VoteNone, Hierarchy: backend.Extend(call.Request.Hierarchy, inst.Name())}, nil
}
