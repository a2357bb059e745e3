// Package catalog defines the metadata store of record for resources,
// replicas and permissions.
//
// The engine reaches the catalog only through the Catalog interface. Replica
// status updates go through UpdateReplicas, which every implementation must
// run as one atomic read-modify-write so that concurrent writers of the same
// logical object are serialized by the catalog alone.
package catalog

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Permission is an access level on a logical path.
type Permission int

const (
	PermNone Permission = iota
	PermRead
	PermWrite
	PermOwn
)

func (p Permission) String() string {
	switch p {
	case PermNone:
		return "none"
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermOwn:
		return "own"
	}
	return fmt.Sprintf("Permission(%d)", int(p))
}

// ParsePermission parses a permission name.
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(s) {
	case "none", "null":
		return PermNone, nil
	case "read", "read_object":
		return PermRead, nil
	case "write", "modify_object":
		return PermWrite, nil
	case "own":
		return PermOwn, nil
	}
	return PermNone, resource.NewError(resource.ErrInvalidArgument, "unknown permission %q", s)
}

// Catalog is the store of record used by the engine.
type Catalog interface {
	replica.Store

	// Resources returns every resource descriptor ordered by id
	Resources(ctx context.Context) ([]*resource.Descriptor, error)

	// ResourceByName returns ErrNotFound for an unknown name
	ResourceByName(ctx context.Context, name string) (*resource.Descriptor, error)

	// ResourceByID returns ErrNotFound for an unknown id
	ResourceByID(ctx context.Context, id int64) (*resource.Descriptor, error)

	// PutResource inserts or replaces a descriptor. An id of zero assigns the
	// next free id. Names are unique.
	PutResource(ctx context.Context, d *resource.Descriptor) error

	// DeleteResource removes a resource that has no children
	DeleteResource(ctx context.Context, name string) error

	// CheckPermission returns ErrPermissionDenied unless user holds at least
	// required on logicalPath or one of its ancestors
	CheckPermission(ctx context.Context, user, logicalPath string, required Permission) error

	// GrantPermission sets the level user holds on logicalPath
	GrantPermission(ctx context.Context, user, logicalPath string, level Permission) error

	// Healthcheck reports whether the catalog is usable
	Healthcheck(ctx context.Context) error

	Close() error
}

// Ancestors returns logicalPath followed by each of its parent collections up
// to the root.
func Ancestors(logicalPath string) []string {
	p := path.Clean("/" + logicalPath)
	out := []string{p}
	for p != "/" {
		p = path.Dir(p)
		out = append(out, p)
	}
	return out
}

// DeniedError builds the error returned by CheckPermission.
func DeniedError(user, logicalPath string, required Permission) error {
	return &resource.ResourceError{
		Code:    resource.ErrPermissionDenied,
		Message: fmt.Sprintf("user %q lacks %s permission", user, required),
		Path:    logicalPath,
	}
}

// ValidateDescriptor checks the fields every stored descriptor needs.
func ValidateDescriptor(d *resource.Descriptor) error {
	if d == nil {
		return resource.NewError(resource.ErrInvalidArgument, "nil resource descriptor")
	}
	if d.Name == "" {
		return resource.NewError(resource.ErrInvalidArgument, "resource name is required")
	}
	if strings.Contains(d.Name, ";") {
		return resource.NewError(resource.ErrInvalidArgument, "resource name %q contains the hierarchy delimiter", d.Name)
	}
	if d.Type == "" {
		return resource.NewError(resource.ErrInvalidArgument, "resource %s has no type", d.Name)
	}
	if d.ParentID != 0 && d.ParentID == d.ID {
		return resource.NewError(resource.ErrInvalidArgument, "resource %s is its own parent", d.Name)
	}
	return nil
}
