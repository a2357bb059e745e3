// Package hierarchy parses and manipulates resource hierarchy strings.
//
// A hierarchy is an ordered, non-empty list of resource names separated by
// ";". The first entry is the coordinating resource, the last one is the
// storage-owning leaf:
//
//	h, _ := hierarchy.Parse("coordRes;cacheRes;archRes")
//	h.Last()                    // "archRes"
//	h.ToString("cacheRes")      // "coordRes;cacheRes"
//
// Handles are immutable values. Mutating methods return a new Handle.
package hierarchy

import (
	"strconv"
	"strings"

	"github.com/marmos91/stratafs/pkg/resource"
)

// Delimiter separates resource names in a hierarchy string.
const Delimiter = ";"

// Handle is a parsed resource hierarchy.
type Handle struct {
	names []string
}

// Parse parses a delimited hierarchy string.
//
// Returns ErrParse when s is empty or contains an empty segment.
func Parse(s string) (Handle, error) {
	if s == "" {
		return Handle{}, &resource.ResourceError{
			Code:    resource.ErrParse,
			Message: "empty hierarchy string",
		}
	}

	names := strings.Split(s, Delimiter)
	for i, name := range names {
		if name == "" {
			return Handle{}, &resource.ResourceError{
				Code:      resource.ErrParse,
				Message:   "empty resource name at position " + strconv.Itoa(i),
				Hierarchy: s,
			}
		}
	}

	return Handle{names: names}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Handle {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// New builds a hierarchy from individual resource names.
func New(names ...string) (Handle, error) {
	if len(names) == 0 {
		return Handle{}, &resource.ResourceError{
			Code:    resource.ErrParse,
			Message: "hierarchy requires at least one resource",
		}
	}
	for i, name := range names {
		if name == "" || strings.Contains(name, Delimiter) {
			return Handle{}, &resource.ResourceError{
				Code:    resource.ErrParse,
				Message: "invalid resource name at position " + strconv.Itoa(i),
			}
		}
	}
	return Handle{names: append([]string(nil), names...)}, nil
}

// IsZero reports whether h was never successfully parsed.
func (h Handle) IsZero() bool {
	return len(h.names) == 0
}

// String returns the canonical delimited form.
func (h Handle) String() string {
	return strings.Join(h.names, Delimiter)
}

// ToString returns the delimited form, truncated after terminateAt when it is
// not empty.
func (h Handle) ToString(terminateAt string) (string, error) {
	if terminateAt == "" {
		return h.String(), nil
	}

	idx := h.index(terminateAt)
	if idx < 0 {
		return "", h.notFound(terminateAt)
	}
	return strings.Join(h.names[:idx+1], Delimiter), nil
}

// First returns the coordinating resource name.
func (h Handle) First() string {
	if h.IsZero() {
		return ""
	}
	return h.names[0]
}

// Last returns the leaf resource name.
func (h Handle) Last() string {
	if h.IsZero() {
		return ""
	}
	return h.names[len(h.names)-1]
}

// Next returns the child following name.
func (h Handle) Next(name string) (string, error) {
	idx := h.index(name)
	if idx < 0 {
		return "", h.notFound(name)
	}
	if idx == len(h.names)-1 {
		return "", &resource.ResourceError{
			Code:      resource.ErrNotFound,
			Message:   "resource " + name + " is the leaf of the hierarchy",
			Hierarchy: h.String(),
			Resource:  name,
		}
	}
	return h.names[idx+1], nil
}

// Previous returns the parent preceding name.
func (h Handle) Previous(name string) (string, error) {
	idx := h.index(name)
	if idx < 0 {
		return "", h.notFound(name)
	}
	if idx == 0 {
		return "", &resource.ResourceError{
			Code:      resource.ErrNotFound,
			Message:   "resource " + name + " is the root of the hierarchy",
			Hierarchy: h.String(),
			Resource:  name,
		}
	}
	return h.names[idx-1], nil
}

// Contains reports whether name is part of the hierarchy.
func (h Handle) Contains(name string) bool {
	return h.index(name) >= 0
}

// Depth returns the number of resources in the hierarchy.
func (h Handle) Depth() int {
	return len(h.names)
}

// Names returns a copy of the resource names, root first.
func (h Handle) Names() []string {
	return append([]string(nil), h.names...)
}

// Equal reports whether two hierarchies hold the same names in the same order.
func (h Handle) Equal(other Handle) bool {
	if len(h.names) != len(other.names) {
		return false
	}
	for i := range h.names {
		if h.names[i] != other.names[i] {
			return false
		}
	}
	return true
}

// AddChild appends a leaf resource.
func (h Handle) AddChild(name string) (Handle, error) {
	if err := checkName(name); err != nil {
		return h, err
	}
	names := make([]string, 0, len(h.names)+1)
	names = append(names, h.names...)
	names = append(names, name)
	return Handle{names: names}, nil
}

// AddParent inserts a coordinating resource.
//
// With an empty child the new resource becomes the root. Otherwise it is
// inserted immediately in front of child, which must be present.
func (h Handle) AddParent(name, child string) (Handle, error) {
	if err := checkName(name); err != nil {
		return h, err
	}

	pos := 0
	if child != "" {
		pos = h.index(child)
		if pos < 0 {
			return h, h.notFound(child)
		}
	}

	names := make([]string, 0, len(h.names)+1)
	names = append(names, h.names[:pos]...)
	names = append(names, name)
	names = append(names, h.names[pos:]...)
	return Handle{names: names}, nil
}

// Remove deletes name from the hierarchy.
//
// Fails with ErrNotFound when name is absent, and with ErrHierarchy when name
// appears more than once or is the only entry.
func (h Handle) Remove(name string) (Handle, error) {
	idx := -1
	count := 0
	for i, n := range h.names {
		if n == name {
			if idx < 0 {
				idx = i
			}
			count++
		}
	}

	switch {
	case count == 0:
		return h, h.notFound(name)
	case count > 1:
		return h, &resource.ResourceError{
			Code:      resource.ErrHierarchy,
			Message:   "ambiguous removal of duplicated resource " + name,
			Hierarchy: h.String(),
			Resource:  name,
		}
	case len(h.names) == 1:
		return h, &resource.ResourceError{
			Code:      resource.ErrHierarchy,
			Message:   "cannot remove the only resource of a hierarchy",
			Hierarchy: h.String(),
			Resource:  name,
		}
	}

	names := make([]string, 0, len(h.names)-1)
	names = append(names, h.names[:idx]...)
	names = append(names, h.names[idx+1:]...)
	return Handle{names: names}, nil
}

func (h Handle) index(name string) int {
	for i, n := range h.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (h Handle) notFound(name string) error {
	return &resource.ResourceError{
		Code:      resource.ErrNotFound,
		Message:   "resource " + name + " not in hierarchy",
		Hierarchy: h.String(),
		Resource:  name,
	}
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, Delimiter) {
		return &resource.ResourceError{
			Code:     resource.ErrInvalidArgument,
			Message:  "invalid resource name",
			Resource: name,
		}
	}
	return nil
}
