package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/stratafs/pkg/resource"
)

// Well-known module symbols.
const (
	// VersionSymbol resolves to the module's API version marker
	VersionSymbol = "Version"

	// FactorySymbol resolves to the module's FactoryFunc
	FactorySymbol = "Factory"
)

// FactoryFunc creates an instance for a resource. A nil return means the
// factory failed.
type FactoryFunc func(instanceName, context string) *Instance

// Module is an opened plugin module.
type Module interface {
	// Path identifies where the module was loaded from
	Path() string

	// Lookup resolves an exported symbol
	Lookup(symbol string) (any, error)

	// Close releases the module handle
	Close() error
}

// Opener locates and opens the module implementing a type tag.
type Opener interface {
	Open(ctx context.Context, typeTag string) (Module, error)
}

// OperationSymbol returns the conventional symbol name of op in module typeTag.
func OperationSymbol(typeTag, op string) string {
	return typeTag + "_" + op
}

// Symbols builds a symbol table exporting every operation under its
// conventional name.
func Symbols(typeTag string, ops map[string]Operation) map[string]any {
	out := make(map[string]any, len(ops))
	for op, fn := range ops {
		out[OperationSymbol(typeTag, op)] = fn
	}
	return out
}

// BindOperations declares every operation of ops on inst using conventional
// symbol names.
func BindOperations(inst *Instance, ops map[string]Operation) {
	for op := range ops {
		inst.AddOperation(op, OperationSymbol(inst.Type(), op))
	}
}

// ModuleInfo describes a module compiled into the binary.
type ModuleInfo struct {
	// Type is the plugin type tag (e.g. "unixfilesystem")
	Type string

	// Aliases are extra type tags resolving to the same module
	Aliases []string

	// Version is the API version marker
	Version string

	// Factory creates instances
	Factory FactoryFunc

	// Symbols exports operation entry points by symbol name
	Symbols map[string]any
}

var (
	builtinMu      sync.RWMutex
	builtinModules = make(map[string]*ModuleInfo)
)

// Register makes a module available to BuiltinOpener. Backends call it from
// init(). Registering the same type twice panics.
func Register(info *ModuleInfo) {
	builtinMu.Lock()
	defer builtinMu.Unlock()

	for _, tag := range append([]string{info.Type}, info.Aliases...) {
		if _, exists := builtinModules[tag]; exists {
			panic(fmt.Sprintf("plugin: module %q registered twice", tag))
		}
		builtinModules[tag] = info
	}
}

// Registered returns the sorted type tags of every built-in module.
func Registered() []string {
	builtinMu.RLock()
	defer builtinMu.RUnlock()

	tags := make([]string, 0, len(builtinModules))
	for tag := range builtinModules {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// BuiltinOpener opens modules registered with Register.
type BuiltinOpener struct{}

// Open implements Opener.
func (BuiltinOpener) Open(ctx context.Context, typeTag string) (Module, error) {
	builtinMu.RLock()
	info, ok := builtinModules[typeTag]
	builtinMu.RUnlock()

	if !ok {
		return nil, &resource.ResourceError{
			Code:    resource.ErrModuleNotFound,
			Message: fmt.Sprintf("no built-in module for type %q", typeTag),
		}
	}
	return &builtinModule{info: info}, nil
}

type builtinModule struct {
	info *ModuleInfo
}

func (m *builtinModule) Path() string {
	return "builtin:" + m.info.Type
}

func (m *builtinModule) Lookup(symbol string) (any, error) {
	switch symbol {
	case VersionSymbol:
		return m.info.Version, nil
	case FactorySymbol:
		if m.info.Factory == nil {
			return nil, fmt.Errorf("symbol %s not found", symbol)
		}
		return m.info.Factory, nil
	}
	if sym, ok := m.info.Symbols[symbol]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("symbol %s not found", symbol)
}

func (m *builtinModule) Close() error {
	return nil
}

// ChainOpener tries each opener in order and returns the first module found.
type ChainOpener []Opener

// Open implements Opener.
func (c ChainOpener) Open(ctx context.Context, typeTag string) (Module, error) {
	var lastErr error
	for _, opener := range c {
		module, err := opener.Open(ctx, typeTag)
		if err == nil {
			return module, nil
		}
		if !resource.IsCode(err, resource.ErrModuleNotFound) {
			return nil, err
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = &resource.ResourceError{
			Code:    resource.ErrModuleNotFound,
			Message: fmt.Sprintf("no opener configured for type %q", typeTag),
		}
	}
	return nil, lastErr
}
