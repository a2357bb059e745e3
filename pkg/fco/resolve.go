package fco

import (
	"context"
	"fmt"

	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Registry resolves the resources named in a hierarchy.
type Registry interface {
	ResolveByName(ctx context.Context, name string) (*plugin.Instance, error)
	ValidateHierarchy(h hierarchy.Handle) error
}

// Env carries what resolution needs besides the object.
type Env struct {
	Registry   Registry
	Structured *StructuredCache

	// Operation selects the target: coordinating operations resolve to the
	// root of the hierarchy, everything else to its leaf
	Operation string
}

// Resolution is the outcome of resolving an object.
type Resolution struct {
	Instance  *plugin.Instance
	Hierarchy hierarchy.Handle
}

// Properties returns the property bag of the resolved instance.
func (r *Resolution) Properties() *resource.Properties {
	return r.Instance.Properties()
}

// Resolve returns the plugin instance that serves obj.
func Resolve(ctx context.Context, obj Object, env Env) (*Resolution, error) {
	switch o := obj.(type) {
	case *DataObject:
		return resolveHierarchy(ctx, o.Hier, env)
	case *Collection:
		if env.Operation != "" && !o.Supports(env.Operation) {
			return nil, &resource.ResourceError{
				Code:      resource.ErrOperationNotSupported,
				Message:   fmt.Sprintf("operation %s is not valid on a collection", env.Operation),
				Path:      o.Logical,
				Hierarchy: o.Hier,
				Operation: env.Operation,
			}
		}
		return resolveHierarchy(ctx, o.Hier, env)
	case *StructuredObject:
		if env.Structured == nil {
			return nil, resource.NewError(resource.ErrInvalidArgument, "no structured plugin cache configured")
		}
		inst, err := env.Structured.Resolve(ctx, o)
		if err != nil {
			return nil, err
		}
		return &Resolution{Instance: inst}, nil
	case nil:
		return nil, resource.NewError(resource.ErrInvalidArgument, "no object to resolve")
	}
	// Object is sealed, nothing else implements it.
	panic(fmt.Sprintf("fco: unexpected object type %T", obj))
}

func resolveHierarchy(ctx context.Context, hier string, env Env) (*Resolution, error) {
	if env.Registry == nil {
		return nil, resource.NewError(resource.ErrInvalidArgument, "no resource registry configured")
	}

	if hier == "" {
		return nil, &resource.ResourceError{
			Code:      resource.ErrHierarchy,
			Message:   "object has no resource hierarchy",
			Operation: env.Operation,
		}
	}

	h, err := hierarchy.Parse(hier)
	if err != nil {
		return nil, resource.Annotate(err, "", hier, env.Operation)
	}
	if err := env.Registry.ValidateHierarchy(h); err != nil {
		return nil, err
	}

	name := h.Last()
	if plugin.IsCoordinatingOperation(env.Operation) {
		name = h.First()
	}
	inst, err := env.Registry.ResolveByName(ctx, name)
	if err != nil {
		return nil, resource.Annotate(err, "", hier, env.Operation)
	}
	return &Resolution{Instance: inst, Hierarchy: h}, nil
}
