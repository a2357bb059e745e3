// Package memory implements an in-memory storage resource.
//
// Its contents live only as long as the process. It is used for tests and as
// the "mockarchive" archive tier in development topologies.
package memory

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

const (
	// Type is the plugin type tag.
	Type = "memory"

	// defaultCapacity is reported by freespace when the context sets none.
	defaultCapacity = 1 << 30
)

type file struct {
	data    []byte
	mode    uint32
	modTime time.Time
}

type handle struct {
	path   string
	offset int64
	write  bool
	append bool
}

type dirHandle struct {
	entries []plugin.DirEntry
	next    int
}

// Store is the state shared by every call against one memory resource.
type Store struct {
	mu       sync.RWMutex
	files    map[string]*file
	dirs     map[string]time.Time
	capacity int64

	fds  *backend.Descriptors[*handle]
	dirf *backend.Descriptors[*dirHandle]
}

type options struct {
	Capacity int64 `mapstructure:"capacity"`
}

func newStore(capacity int64) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{
		files:    make(map[string]*file),
		dirs:     map[string]time.Time{"/": time.Now()},
		capacity: capacity,
		fds:      backend.NewDescriptors[*handle](),
		dirf:     backend.NewDescriptors[*dirHandle](),
	}
}

// StoreOf returns the backing store of a memory instance.
func StoreOf(inst *plugin.Instance) (*Store, bool) {
	s, ok := inst.State().(*Store)
	return s, ok
}

// Factory creates a memory resource. The context may set capacity=<bytes>.
func Factory(name, rescContext string) *plugin.Instance {
	var opts options
	if err := backend.DecodeContextString(name, rescContext, &opts); err != nil {
		return nil
	}
	inst := plugin.NewInstance(Type, name, rescContext, newStore(opts.Capacity))
	plugin.BindOperations(inst, operations)
	return inst
}

var operations = map[string]plugin.Operation{
	plugin.OpResolveHierarchy: backend.ResolveLeaf,
	plugin.OpCreate:           create,
	plugin.OpOpen:             open,
	plugin.OpRead:             read,
	plugin.OpWrite:            write,
	plugin.OpClose:            closeFile,
	plugin.OpLseek:            lseek,
	plugin.OpStat:             stat,
	plugin.OpUnlink:           unlink,
	plugin.OpTruncate:         truncate,
	plugin.OpRename:           rename,
	plugin.OpMkdir:            mkdir,
	plugin.OpRmdir:            rmdir,
	plugin.OpOpendir:          opendir,
	plugin.OpReaddir:          readdir,
	plugin.OpClosedir:         closedir,
	plugin.OpFreeSpace:        freespace,
	plugin.OpStop:             stop,
}

func init() {
	plugin.Register(&plugin.ModuleInfo{
		Type:    Type,
		Aliases: []string{"mockarchive"},
		Version: plugin.APIVersion,
		Factory: Factory,
		Symbols: plugin.Symbols(Type, operations),
	})
}

func storeOf(call *plugin.Call) *Store {
	return call.Instance.State().(*Store)
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func physical(call *plugin.Call) string {
	return clean(backend.PhysicalPath(call.Instance, call.Object))
}

func notFound(op, p string) error {
	return &resource.ResourceError{Code: resource.ErrNotFound, Message: "no such file", Path: p, Operation: op}
}

// mkdirAll must be called with s.mu held.
func (s *Store) mkdirAll(dir string) {
	for d := dir; ; d = path.Dir(d) {
		if _, ok := s.dirs[d]; !ok {
			s.dirs[d] = time.Now()
		}
		if d == "/" {
			return
		}
	}
}

func create(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)

	s.mu.Lock()
	if _, isDir := s.dirs[p]; isDir {
		s.mu.Unlock()
		return nil, resource.NewError(resource.ErrInvalidArgument, "%s is a directory", p)
	}
	s.mkdirAll(path.Dir(p))
	mode := call.Request.Mode
	if mode == 0 {
		mode = 0o640
	}
	s.files[p] = &file{mode: mode, modTime: time.Now()}
	s.mu.Unlock()

	fd := s.fds.Add(&handle{path: p, write: true})
	return &plugin.Result{Descriptor: fd, PhysicalPath: p}, nil
}

func open(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)
	flags := call.Request.Flags

	s.mu.Lock()
	f, ok := s.files[p]
	if !ok {
		if flags&plugin.FlagCreate == 0 {
			s.mu.Unlock()
			return nil, notFound(plugin.OpOpen, p)
		}
		s.mkdirAll(path.Dir(p))
		f = &file{mode: 0o640, modTime: time.Now()}
		s.files[p] = f
	}
	if flags&plugin.FlagTruncate != 0 {
		f.data = nil
		f.modTime = time.Now()
	}
	s.mu.Unlock()

	fd := s.fds.Add(&handle{
		path:   p,
		write:  plugin.IsWriteFlags(flags),
		append: flags&plugin.FlagAppend != 0,
	})
	return &plugin.Result{Descriptor: fd, PhysicalPath: p}, nil
}

func read(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	h, err := s.fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[h.path]
	if !ok {
		return nil, notFound(plugin.OpRead, h.path)
	}
	if h.offset >= int64(len(f.data)) {
		return &plugin.Result{}, nil
	}

	n := call.Request.Length
	if n <= 0 || h.offset+int64(n) > int64(len(f.data)) {
		n = len(f.data) - int(h.offset)
	}
	out := make([]byte, n)
	copy(out, f.data[h.offset:])
	h.offset += int64(n)
	return &plugin.Result{Data: out, N: n}, nil
}

func write(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	h, err := s.fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	if !h.write {
		return nil, resource.NewError(resource.ErrPermissionDenied, "descriptor %d is read-only", call.Request.Descriptor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[h.path]
	if !ok {
		return nil, notFound(plugin.OpWrite, h.path)
	}

	if h.append {
		h.offset = int64(len(f.data))
	}
	end := h.offset + int64(len(call.Request.Data))
	if end-int64(len(f.data)) > s.freeLocked() {
		return nil, resource.NewError(resource.ErrPlugin, "resource %s is full", call.Instance.Name())
	}
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[h.offset:], call.Request.Data)
	h.offset = end
	f.modTime = time.Now()
	return &plugin.Result{N: len(call.Request.Data)}, nil
}

func closeFile(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	_, err := storeOf(call).fds.Remove(call.Request.Descriptor)
	return nil, err
}

func lseek(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	h, err := s.fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	size := int64(0)
	if f, ok := s.files[h.path]; ok {
		size = int64(len(f.data))
	}
	s.mu.RUnlock()

	var base int64
	switch call.Request.Whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.offset
	case io.SeekEnd:
		base = size
	default:
		return nil, resource.NewError(resource.ErrInvalidArgument, "invalid whence %d", call.Request.Whence)
	}
	off := base + call.Request.Offset
	if off < 0 {
		return nil, resource.NewError(resource.ErrInvalidArgument, "negative offset %d", off)
	}
	h.offset = off
	return &plugin.Result{Offset: off}, nil
}

func stat(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.files[p]; ok {
		return &plugin.Result{Stat: &plugin.Stat{Size: int64(len(f.data)), Mode: f.mode, ModTime: f.modTime}}, nil
	}
	if t, ok := s.dirs[p]; ok {
		return &plugin.Result{Stat: &plugin.Stat{IsDir: true, Mode: 0o750, ModTime: t}}, nil
	}
	return nil, notFound(plugin.OpStat, p)
}

func unlink(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; !ok {
		return nil, notFound(plugin.OpUnlink, p)
	}
	delete(s.files, p)
	return nil, nil
}

func truncate(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)
	size := call.Request.Size
	if size < 0 {
		return nil, resource.NewError(resource.ErrInvalidArgument, "negative size %d", size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[p]
	if !ok {
		return nil, notFound(plugin.OpTruncate, p)
	}
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	f.modTime = time.Now()
	return nil, nil
}

func rename(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	from := physical(call)
	to := clean(call.Request.NewPath)
	if call.Request.NewPath == "" {
		return nil, resource.NewError(resource.ErrInvalidArgument, "rename needs a destination")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[from]; ok {
		s.mkdirAll(path.Dir(to))
		delete(s.files, from)
		s.files[to] = f
		return &plugin.Result{PhysicalPath: to}, nil
	}

	if _, ok := s.dirs[from]; ok {
		prefix := from + "/"
		for p, f := range s.files {
			if strings.HasPrefix(p, prefix) {
				delete(s.files, p)
				s.files[to+"/"+strings.TrimPrefix(p, prefix)] = f
			}
		}
		for d, t := range s.dirs {
			if d == from || strings.HasPrefix(d, prefix) {
				delete(s.dirs, d)
				s.dirs[to+strings.TrimPrefix(d, from)] = t
			}
		}
		s.mkdirAll(path.Dir(to))
		return &plugin.Result{PhysicalPath: to}, nil
	}

	return nil, notFound(plugin.OpRename, from)
}

func mkdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; ok {
		return nil, resource.NewError(resource.ErrInvalidArgument, "%s exists", p)
	}
	s.mkdirAll(p)
	return &plugin.Result{PhysicalPath: p}, nil
}

func rmdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[p]; !ok {
		return nil, notFound(plugin.OpRmdir, p)
	}
	if len(s.childrenLocked(p)) > 0 {
		return nil, resource.NewError(resource.ErrInvalidArgument, "directory %s is not empty", p)
	}
	delete(s.dirs, p)
	return nil, nil
}

// childrenLocked must be called with s.mu held.
func (s *Store) childrenLocked(dir string) []plugin.DirEntry {
	var out []plugin.DirEntry
	for p, f := range s.files {
		if p != dir && path.Dir(p) == dir {
			out = append(out, plugin.DirEntry{Name: path.Base(p), Size: int64(len(f.data))})
		}
	}
	for d := range s.dirs {
		if d != dir && path.Dir(d) == dir {
			out = append(out, plugin.DirEntry{Name: path.Base(d), IsDir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func opendir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	p := physical(call)

	s.mu.RLock()
	if _, ok := s.dirs[p]; !ok {
		s.mu.RUnlock()
		return nil, notFound(plugin.OpOpendir, p)
	}
	entries := s.childrenLocked(p)
	s.mu.RUnlock()

	return &plugin.Result{Descriptor: s.dirf.Add(&dirHandle{entries: entries})}, nil
}

// readdir returns up to Length entries, all remaining when Length is zero.
func readdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	d, err := storeOf(call).dirf.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	rest := d.entries[d.next:]
	if n := call.Request.Length; n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	d.next += len(rest)
	return &plugin.Result{Entries: rest}, nil
}

func closedir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	_, err := storeOf(call).dirf.Remove(call.Request.Descriptor)
	return nil, err
}

// freeLocked must be called with s.mu held.
func (s *Store) freeLocked() int64 {
	var used int64
	for _, f := range s.files {
		used += int64(len(f.data))
	}
	return s.capacity - used
}

func freespace(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &plugin.Result{FreeSpace: s.freeLocked()}, nil
}

func stop(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := storeOf(call)
	s.fds.Drain()
	s.dirf.Drain()
	return nil, nil
}

// Put stores data at a physical path. Tests use it to seed a resource.
func (s *Store) Put(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = clean(p)
	s.mkdirAll(path.Dir(p))
	s.files[p] = &file{data: append([]byte(nil), data...), mode: 0o640, modTime: time.Now()}
}

// Contents returns the data stored at a physical path.
func (s *Store) Contents(p string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Paths returns the sorted physical paths of every stored file.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// OpenDescriptors returns the number of open file descriptors.
func (s *Store) OpenDescriptors() int {
	return s.fds.Len()
}
