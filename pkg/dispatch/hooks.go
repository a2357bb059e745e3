package dispatch

import (
	"context"
	"sync"

	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
)

// HookEvent describes an operation passing a hook point.
type HookEvent struct {
	Session   *Session
	Operation string
	Object    fco.Object
	Request   *plugin.Request

	// Result is set for After hooks
	Result *plugin.Result
}

// Hooks are the rule engine's entry points around local operations.
//
// Before runs once the target plugin is resolved and may veto the operation
// by returning an error. After runs when the operation succeeded; its error
// is returned to the client.
type Hooks interface {
	Before(ctx context.Context, ev *HookEvent) error
	After(ctx context.Context, ev *HookEvent) error
}

// NopHooks does nothing.
type NopHooks struct{}

func (NopHooks) Before(context.Context, *HookEvent) error { return nil }
func (NopHooks) After(context.Context, *HookEvent) error  { return nil }

// HookFunc is one hook binding.
type HookFunc func(ctx context.Context, ev *HookEvent) error

// AnyOperation binds a hook to every operation.
const AnyOperation = "*"

// HookSet binds functions to named hook points. It implements Hooks.
type HookSet struct {
	mu     sync.RWMutex
	before map[string][]HookFunc
	after  map[string][]HookFunc
}

// NewHookSet creates an empty set.
func NewHookSet() *HookSet {
	return &HookSet{before: make(map[string][]HookFunc), after: make(map[string][]HookFunc)}
}

// OnBefore binds fn to run before op.
func (h *HookSet) OnBefore(op string, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before[op] = append(h.before[op], fn)
}

// OnAfter binds fn to run after op.
func (h *HookSet) OnAfter(op string, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after[op] = append(h.after[op], fn)
}

// Before implements Hooks.
func (h *HookSet) Before(ctx context.Context, ev *HookEvent) error {
	return run(ctx, h.bound(h.before, ev.Operation), ev)
}

// After implements Hooks.
func (h *HookSet) After(ctx context.Context, ev *HookEvent) error {
	return run(ctx, h.bound(h.after, ev.Operation), ev)
}

func (h *HookSet) bound(m map[string][]HookFunc, op string) []HookFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fns := append([]HookFunc(nil), m[AnyOperation]...)
	return append(fns, m[op]...)
}

func run(ctx context.Context, fns []HookFunc, ev *HookEvent) error {
	for _, fn := range fns {
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
