package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"

	"github.com/marmos91/stratafs/pkg/resource"
)

// SharedObjectOpener opens Go plugin modules from a plugin home directory.
//
// The module for type "foo" is expected at <Home>/libfoo.so and must export
// the Version and Factory symbols plus every operation symbol its factory
// declares.
type SharedObjectOpener struct {
	Home string
}

// ModulePath returns the file a type tag resolves to.
func (o *SharedObjectOpener) ModulePath(typeTag string) string {
	return filepath.Join(o.Home, "lib"+typeTag+".so")
}

// Open implements Opener.
func (o *SharedObjectOpener) Open(ctx context.Context, typeTag string) (Module, error) {
	if o.Home == "" {
		return nil, &resource.ResourceError{
			Code:    resource.ErrModuleNotFound,
			Message: "plugin home is not configured",
		}
	}

	path := o.ModulePath(typeTag)
	if _, err := os.Stat(path); err != nil {
		return nil, &resource.ResourceError{
			Code:    resource.ErrModuleNotFound,
			Message: fmt.Sprintf("module for type %q not found", typeTag),
			Path:    path,
			Err:     err,
		}
	}

	p, err := goplugin.Open(path)
	if err != nil {
		return nil, &resource.ResourceError{
			Code:    resource.ErrModuleNotFound,
			Message: fmt.Sprintf("failed to open module for type %q", typeTag),
			Path:    path,
			Err:     err,
		}
	}

	return &sharedModule{path: path, plugin: p}, nil
}

type sharedModule struct {
	path   string
	plugin *goplugin.Plugin
}

func (m *sharedModule) Path() string {
	return m.path
}

func (m *sharedModule) Lookup(symbol string) (any, error) {
	sym, err := m.plugin.Lookup(symbol)
	if err != nil {
		return nil, err
	}

	// Exported variables come back as pointers.
	switch v := sym.(type) {
	case *string:
		return *v, nil
	case *FactoryFunc:
		return *v, nil
	case func(string, string) *Instance:
		return FactoryFunc(v), nil
	}
	return sym, nil
}

// Close drops the handle. The Go runtime cannot unload a plugin once opened,
// so the code stays mapped until process exit.
func (m *sharedModule) Close() error {
	if m.plugin == nil {
		return errors.New("module already closed")
	}
	m.plugin = nil
	return nil
}
