package backend

import (
	"sort"
	"sync"

	"github.com/marmos91/stratafs/pkg/resource"
)

// Descriptors is a table of open handles keyed by small integers, as handed
// out by create/open/opendir.
type Descriptors[T any] struct {
	mu   sync.Mutex
	next int
	open map[int]T
}

// NewDescriptors creates an empty table. Descriptors start at 3.
func NewDescriptors[T any]() *Descriptors[T] {
	return &Descriptors[T]{next: 3, open: make(map[int]T)}
}

// Add stores v and returns its descriptor.
func (d *Descriptors[T]) Add(v T) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd := d.next
	d.next++
	d.open[fd] = v
	return fd
}

// Get returns the handle of fd.
func (d *Descriptors[T]) Get(fd int) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.open[fd]
	if !ok {
		var zero T
		return zero, resource.NewError(resource.ErrInvalidArgument, "bad descriptor %d", fd)
	}
	return v, nil
}

// Remove drops fd and returns its handle.
func (d *Descriptors[T]) Remove(fd int) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.open[fd]
	if !ok {
		var zero T
		return zero, resource.NewError(resource.ErrInvalidArgument, "bad descriptor %d", fd)
	}
	delete(d.open, fd)
	return v, nil
}

// Len returns the number of open descriptors.
func (d *Descriptors[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// Keys returns the open descriptors in ascending order.
func (d *Descriptors[T]) Keys() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, 0, len(d.open))
	for fd := range d.open {
		out = append(out, fd)
	}
	sort.Ints(out)
	return out
}

// Drain removes and returns every open handle.
func (d *Descriptors[T]) Drain() []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]T, 0, len(d.open))
	for fd, v := range d.open {
		out = append(out, v)
		delete(d.open, fd)
	}
	return out
}
