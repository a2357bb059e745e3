package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/stratafs/pkg/resource"
)

// Object is the view of a first-class object a backend operates on.
type Object interface {
	// LogicalPath is the catalog path of the object
	LogicalPath() string

	// PhysicalPath is the location of the replica inside the backend
	PhysicalPath() string

	// Hierarchy is the resource hierarchy string of the replica
	Hierarchy() string

	// ContextVars is a side-effect-free projection of the object's fields
	ContextVars() map[string]string
}

// Request carries the arguments of a resource operation.
//
// Only the fields meaningful for the operation are read.
type Request struct {
	// Operation is the operation being voted on by resolve_hierarchy
	Operation string

	// Descriptor is the backend file descriptor for read/write/lseek/close
	Descriptor int

	Offset int64
	Whence int
	Length int
	Data   []byte
	Flags  int
	Mode   uint32

	// Size is the target length for truncate
	Size int64

	// NewPath is the physical destination of a rename
	NewPath string

	// SourcePath is the physical path to copy from (sync, stage)
	SourcePath string

	// DestPath is the physical path to copy into (stage, extract)
	DestPath string

	// CurrentHost is the host asking for a vote
	CurrentHost string

	// Hierarchy is the partial hierarchy built so far by resolve_hierarchy
	Hierarchy string

	// Conditions carries keyword/value pairs from the client request
	Conditions map[string]string

	// Replicas lists the existing replicas of the object for resolve_hierarchy
	Replicas []ReplicaRef
}

// ReplicaRef is the view of an existing replica offered to voting resources.
type ReplicaRef struct {
	Number       int
	Hierarchy    string
	PhysicalPath string
	Good         bool
}

// Written describes a replica produced as a side effect of an operation
// (stage, sync, replicate, rebalance, modified).
type Written struct {
	Hierarchy    string
	PhysicalPath string
	Size         int64
}

// Stat describes a physical object.
type Stat struct {
	Size    int64
	Mode    uint32
	ModTime time.Time
	IsDir   bool
}

// DirEntry is one directory member.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Result carries the outcome of a resource operation.
type Result struct {
	// Descriptor is the backend descriptor returned by create/open/opendir
	Descriptor int

	// N is the number of bytes read or written
	N int

	// Offset is the new file offset after lseek
	Offset    int64
	Data      []byte
	Stat      *Stat
	Entries   []DirEntry
	FreeSpace int64

	// PhysicalPath is the location chosen by create
	PhysicalPath string

	// Vote and Hierarchy are filled by resolve_hierarchy
	Vote      float64
	Hierarchy string

	// Written lists the replicas the operation produced on other resources
	Written []Written
}

// Call bundles what an operation receives.
type Call struct {
	Instance *Instance
	Object   Object
	Request  *Request
}

// Operation is a named entry point bound into an operation table.
type Operation func(ctx context.Context, call *Call) (*Result, error)

// Hook runs before an operation. A non-nil error aborts the call.
type Hook func(ctx context.Context, call *Call) error

// PostHook runs after a successful operation.
type PostHook func(ctx context.Context, call *Call, result *Result) error

// Child is a child resource together with the context string the parent uses
// to classify it.
type Child struct {
	Context  string
	Instance *Instance
}

// operationTable is shared by pointer between an instance and every instance
// derived from it. It is written only during factory/delay load.
type operationTable struct {
	symbols map[string]string
	ops     map[string]Operation
	pre     map[string][]Hook
	post    map[string][]PostHook
}

// Instance is a loaded plugin: operation table, hook bindings and property
// bag for one resource.
type Instance struct {
	typeTag string
	name    string
	context string

	table  *operationTable
	module Module
	state  any
	props  *resource.Properties

	mu       sync.RWMutex
	children []Child
}

// NewInstance creates an instance with an empty operation table. Factories
// call AddOperation for each entry point before returning it.
func NewInstance(typeTag, name, rescContext string, state any) *Instance {
	return &Instance{
		typeTag: typeTag,
		name:    name,
		context: rescContext,
		state:   state,
		props:   resource.NewProperties(),
		table: &operationTable{
			symbols: make(map[string]string),
			ops:     make(map[string]Operation),
			pre:     make(map[string][]Hook),
			post:    make(map[string][]PostHook),
		},
	}
}

// Type returns the plugin type tag.
func (i *Instance) Type() string { return i.typeTag }

// Name returns the instance name.
func (i *Instance) Name() string { return i.name }

// Context returns the context string the instance was created with.
func (i *Instance) Context() string { return i.context }

// State returns the backend-private state set by the factory.
func (i *Instance) State() any { return i.state }

// Properties returns the instance property bag.
func (i *Instance) Properties() *resource.Properties { return i.props }

// Module returns the module the instance was loaded from.
func (i *Instance) Module() Module { return i.module }

// AddOperation declares that op is implemented by symbol in the module.
func (i *Instance) AddOperation(op, symbol string) {
	i.table.symbols[op] = symbol
}

// AddPreHook binds a hook to run before op.
func (i *Instance) AddPreHook(op string, h Hook) {
	i.table.pre[op] = append(i.table.pre[op], h)
}

// AddPostHook binds a hook to run after op succeeds.
func (i *Instance) AddPostHook(op string, h PostHook) {
	i.table.post[op] = append(i.table.post[op], h)
}

// DelayLoad binds every declared operation to its symbol in module.
func (i *Instance) DelayLoad(module Module) error {
	if len(i.table.symbols) == 0 {
		return fmt.Errorf("plugin %s declares no operations", i.typeTag)
	}

	bound := make(map[string]Operation, len(i.table.symbols))
	for op, symbol := range i.table.symbols {
		sym, err := module.Lookup(symbol)
		if err != nil {
			return fmt.Errorf("operation %s: symbol %s: %w", op, symbol, err)
		}
		fn, ok := asOperation(sym)
		if !ok {
			return fmt.Errorf("operation %s: symbol %s has type %T", op, symbol, sym)
		}
		bound[op] = fn
	}

	i.table.ops = bound
	i.module = module
	return nil
}

func asOperation(sym any) (Operation, bool) {
	switch fn := sym.(type) {
	case Operation:
		return fn, fn != nil
	case func(context.Context, *Call) (*Result, error):
		return fn, fn != nil
	case *Operation:
		if fn == nil || *fn == nil {
			return nil, false
		}
		return *fn, true
	}
	return nil, false
}

// HasOperation reports whether op is bound.
func (i *Instance) HasOperation(op string) bool {
	_, ok := i.table.ops[op]
	return ok
}

// Operations returns the sorted names of the bound operations.
func (i *Instance) Operations() []string {
	names := make([]string, 0, len(i.table.ops))
	for op := range i.table.ops {
		names = append(names, op)
	}
	sort.Strings(names)
	return names
}

// Invoke runs pre hooks, the operation and post hooks.
//
// Returns ErrOperationNotSupported when op is not bound.
func (i *Instance) Invoke(ctx context.Context, op string, obj Object, req *Request) (*Result, error) {
	fn, ok := i.table.ops[op]
	if !ok {
		return nil, &resource.ResourceError{
			Code:      resource.ErrOperationNotSupported,
			Message:   fmt.Sprintf("plugin %s does not implement %s", i.typeTag, op),
			Operation: op,
			Resource:  i.name,
		}
	}

	if req == nil {
		req = &Request{}
	}
	call := &Call{Instance: i, Object: obj, Request: req}

	for _, h := range i.table.pre[op] {
		if err := h(ctx, call); err != nil {
			return nil, err
		}
	}

	result, err := fn(ctx, call)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}

	for _, h := range i.table.post[op] {
		if err := h(ctx, call, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Derive returns a sibling instance sharing the operation table, module and
// state, with props as its property bag.
func (i *Instance) Derive(props *resource.Properties) *Instance {
	if props == nil {
		props = resource.NewProperties()
	}
	return &Instance{
		typeTag:  i.typeTag,
		name:     i.name,
		context:  i.context,
		table:    i.table,
		module:   i.module,
		state:    i.state,
		props:    props,
		children: i.Children(),
	}
}

// SharesTable reports whether two instances use the same operation table.
func (i *Instance) SharesTable(other *Instance) bool {
	return other != nil && i.table == other.table
}

// SetChildren replaces the child list.
func (i *Instance) SetChildren(children []Child) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.children = append([]Child(nil), children...)
}

// Children returns a copy of the child list.
func (i *Instance) Children() []Child {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Child(nil), i.children...)
}

// Child returns the child instance with the given resource name.
func (i *Instance) Child(name string) (*Instance, bool) {
	for _, c := range i.Children() {
		if c.Instance.Name() == name {
			return c.Instance, true
		}
	}
	return nil, false
}

// ChildByContext returns the first child whose parent context matches.
func (i *Instance) ChildByContext(context string) (*Instance, bool) {
	for _, c := range i.Children() {
		if c.Context == context {
			return c.Instance, true
		}
	}
	return nil, false
}
