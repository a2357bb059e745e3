package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/metrics"
	"github.com/marmos91/stratafs/pkg/resource"
	"golang.org/x/sync/singleflight"
)

// Key identifies a cached plugin instance.
type Key struct {
	Type     string
	Instance string
	Context  string
}

func (k Key) String() string {
	return k.Type + "\x00" + k.Instance + "\x00" + k.Context
}

// Loader loads plugin modules and caches the resulting instances.
//
// Loading proceeds in four steps, each with a distinct failure code:
//  1. open the module for the type tag (ErrModuleNotFound)
//  2. check the version marker (ErrIncompatibleVersion)
//  3. invoke the factory (ErrFactoryFailed)
//  4. delay load the operation table (ErrDelayLoadFailed)
//
// The module is closed on every failure and failures are never cached, so a
// later request retries the load.
//
// Thread safety:
// Cache reads take a shared lock. Concurrent first loads of the same key are
// collapsed so the factory runs once.
type Loader struct {
	opener  Opener
	metrics metrics.LoaderMetrics

	mu    sync.RWMutex
	cache map[Key]*Instance
	group singleflight.Group
}

// NewLoader creates a loader. A nil metrics uses the no-op implementation.
func NewLoader(opener Opener, m metrics.LoaderMetrics) *Loader {
	if m == nil {
		m = metrics.NewNoopLoaderMetrics()
	}
	return &Loader{
		opener:  opener,
		metrics: m,
		cache:   make(map[Key]*Instance),
	}
}

// Load returns the instance for (typeTag, instanceName, context), loading it
// on first use.
func (l *Loader) Load(ctx context.Context, typeTag, instanceName, rescContext string) (*Instance, error) {
	key := Key{Type: typeTag, Instance: instanceName, Context: rescContext}

	if inst, ok := l.Cached(key); ok {
		l.metrics.RecordLoad(typeTag, "hit")
		return inst, nil
	}

	v, err, _ := l.group.Do(key.String(), func() (any, error) {
		if inst, ok := l.Cached(key); ok {
			return inst, nil
		}

		inst, err := l.load(ctx, key)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.cache[key] = inst
		l.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		code, _ := resource.CodeOf(err)
		l.metrics.RecordLoad(typeTag, code.String())
		logger.Warn("Plugin load failed: type=%s instance=%s: %v", typeTag, instanceName, err)
		return nil, err
	}

	l.metrics.RecordLoad(typeTag, "loaded")
	return v.(*Instance), nil
}

func (l *Loader) load(ctx context.Context, key Key) (inst *Instance, err error) {
	if l.opener == nil {
		return nil, loadError(resource.ErrModuleNotFound, key, "no module opener configured", nil)
	}

	// Step 1: open
	module, err := l.opener.Open(ctx, key.Type)
	if err != nil {
		var re *resource.ResourceError
		if errors.As(err, &re) && re.Code == resource.ErrModuleNotFound {
			annotated := *re
			annotated.Resource = key.Instance
			return nil, &annotated
		}
		return nil, loadError(resource.ErrModuleNotFound, key, "failed to open module", err)
	}

	defer func() {
		if err != nil {
			if cerr := module.Close(); cerr != nil {
				logger.Warn("Failed to release module %s: %v", module.Path(), cerr)
			}
		}
	}()

	// Step 2: version marker
	sym, err := module.Lookup(VersionSymbol)
	if err != nil {
		return nil, loadError(resource.ErrIncompatibleVersion, key, "module has no version marker", err)
	}
	marker, ok := versionMarker(sym)
	if !ok {
		return nil, loadError(resource.ErrIncompatibleVersion, key, fmt.Sprintf("version marker has type %T", sym), nil)
	}
	if err = CheckVersion(key.Type, marker); err != nil {
		return nil, withResource(err, key.Instance)
	}

	// Step 3: factory
	sym, err = module.Lookup(FactorySymbol)
	if err != nil {
		return nil, loadError(resource.ErrFactoryFailed, key, "module has no factory", err)
	}
	factory, ok := sym.(FactoryFunc)
	if !ok {
		if fn, isFunc := sym.(func(string, string) *Instance); isFunc {
			factory, ok = FactoryFunc(fn), true
		}
	}
	if !ok || factory == nil {
		err = loadError(resource.ErrFactoryFailed, key, fmt.Sprintf("factory has type %T", sym), nil)
		return nil, err
	}

	inst = factory(key.Instance, key.Context)
	if inst == nil {
		err = loadError(resource.ErrFactoryFailed, key, "factory returned no plugin", nil)
		return nil, err
	}

	// Step 4: delay load
	if derr := inst.DelayLoad(module); derr != nil {
		err = loadError(resource.ErrDelayLoadFailed, key, "failed to bind operations", derr)
		return nil, err
	}

	logger.Debug("Loaded plugin %s for resource %s from %s (%d operations)",
		key.Type, key.Instance, module.Path(), len(inst.Operations()))
	return inst, nil
}

// Cached returns a cached instance without loading.
func (l *Loader) Cached(key Key) (*Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.cache[key]
	return inst, ok
}

// Evict drops a cached instance. The next Load reloads it.
func (l *Loader) Evict(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, key)
}

// Len returns the number of cached instances.
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}

func loadError(code resource.ErrorCode, key Key, msg string, cause error) error {
	return &resource.ResourceError{
		Code:     code,
		Message:  fmt.Sprintf("load %s: %s", key.Type, msg),
		Resource: key.Instance,
		Err:      cause,
	}
}

func withResource(err error, name string) error {
	var re *resource.ResourceError
	if errors.As(err, &re) {
		annotated := *re
		annotated.Resource = name
		return &annotated
	}
	return err
}
