// Package unixfilesystem implements a storage resource on a local POSIX
// directory, the resource vault.
package unixfilesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "unixfilesystem"

const (
	defaultDirMode  = 0o750
	defaultFileMode = 0o640
)

type options struct {
	// DirMode is applied to vault directories created on demand
	DirMode uint32 `mapstructure:"dir_mode"`

	// Fsync forces a flush of written files on close
	Fsync bool `mapstructure:"fsync"`
}

type state struct {
	opts options
	fds  *backend.Descriptors[*os.File]
	dirs *backend.Descriptors[*dirCursor]
}

type dirCursor struct {
	entries []plugin.DirEntry
	next    int
}

// Factory creates a unixfilesystem resource.
//
// Context keys: dir_mode (octal or decimal), fsync (bool).
func Factory(name, rescContext string) *plugin.Instance {
	opts := options{DirMode: defaultDirMode}
	if err := backend.DecodeContextString(name, rescContext, &opts); err != nil {
		logger.Warn("unixfilesystem %s: %v", name, err)
		return nil
	}

	inst := plugin.NewInstance(Type, name, rescContext, &state{
		opts: opts,
		fds:  backend.NewDescriptors[*os.File](),
		dirs: backend.NewDescriptors[*dirCursor](),
	})
	plugin.BindOperations(inst, operations)
	return inst
}

var operations = map[string]plugin.Operation{
	plugin.OpResolveHierarchy: backend.ResolveLeaf,
	plugin.OpStart:            start,
	plugin.OpStop:             stop,
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
}

func init() {
	plugin.Register(&plugin.ModuleInfo{
		Type:    Type,
		Aliases: []string{"unix"},
		Version: plugin.APIVersion,
		Factory: Factory,
		Symbols: plugin.Symbols(Type, operations),
	})
}

func stateOf(call *plugin.Call) *state {
	return call.Instance.State().(*state)
}

func physical(call *plugin.Call) string {
	return filepath.FromSlash(backend.PhysicalPath(call.Instance, call.Object))
}

func dirMode(call *plugin.Call) os.FileMode {
	return os.FileMode(stateOf(call).opts.DirMode)
}

// start makes sure the vault exists.
func start(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	vault := call.Instance.Properties().VaultPath()
	if vault == "" {
		return nil, resource.NewError(resource.ErrInvalidArgument, "resource %s has no vault path", call.Instance.Name())
	}
	if err := os.MkdirAll(vault, dirMode(call)); err != nil {
		return nil, backend.MapError(err, plugin.OpStart, vault)
	}
	logger.Debug("unixfilesystem %s: vault at %s", call.Instance.Name(), vault)
	return nil, nil
}

func stop(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	for _, f := range stateOf(call).fds.Drain() {
		_ = f.Close()
	}
	stateOf(call).dirs.Drain()
	return nil, nil
}

func create(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	if err := os.MkdirAll(filepath.Dir(p), dirMode(call)); err != nil {
		return nil, backend.MapError(err, plugin.OpCreate, p)
	}

	mode := os.FileMode(call.Request.Mode)
	if mode == 0 {
		mode = defaultFileMode
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, backend.MapError(err, plugin.OpCreate, p)
	}
	return &plugin.Result{Descriptor: stateOf(call).fds.Add(f), PhysicalPath: filepath.ToSlash(p)}, nil
}

func openFlags(flags int) int {
	var out int
	switch flags & (plugin.FlagWriteOnly | plugin.FlagReadWrite) {
	case plugin.FlagWriteOnly:
		out = os.O_WRONLY
	case plugin.FlagReadWrite:
		out = os.O_RDWR
	default:
		out = os.O_RDONLY
	}
	if flags&plugin.FlagCreate != 0 {
		out |= os.O_CREATE
	}
	if flags&plugin.FlagTruncate != 0 {
		out |= os.O_TRUNC
	}
	if flags&plugin.FlagAppend != 0 {
		out |= os.O_APPEND
	}
	return out
}

func open(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	flags := call.Request.Flags
	if flags&plugin.FlagCreate != 0 {
		if err := os.MkdirAll(filepath.Dir(p), dirMode(call)); err != nil {
			return nil, backend.MapError(err, plugin.OpOpen, p)
		}
	}

	f, err := os.OpenFile(p, openFlags(flags), defaultFileMode)
	if err != nil {
		return nil, backend.MapError(err, plugin.OpOpen, p)
	}
	return &plugin.Result{Descriptor: stateOf(call).fds.Add(f), PhysicalPath: filepath.ToSlash(p)}, nil
}

func read(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	f, err := stateOf(call).fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}

	n := call.Request.Length
	if n <= 0 {
		n = 1 << 20
	}
	buf := make([]byte, n)
	got, err := f.Read(buf)
	if err == io.EOF {
		return &plugin.Result{}, nil
	}
	if err != nil {
		return nil, backend.MapError(err, plugin.OpRead, f.Name())
	}
	return &plugin.Result{Data: buf[:got], N: got}, nil
}

func write(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	f, err := stateOf(call).fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	n, err := f.Write(call.Request.Data)
	if err != nil {
		return nil, backend.MapError(err, plugin.OpWrite, f.Name())
	}
	return &plugin.Result{N: n}, nil
}

func closeFile(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	f, err := s.fds.Remove(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	if s.opts.Fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, backend.MapError(err, plugin.OpClose, f.Name())
		}
	}
	if err := f.Close(); err != nil {
		return nil, backend.MapError(err, plugin.OpClose, f.Name())
	}
	return nil, nil
}

func lseek(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	f, err := stateOf(call).fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	off, err := f.Seek(call.Request.Offset, call.Request.Whence)
	if err != nil {
		return nil, resource.WrapError(resource.ErrInvalidArgument, err, "lseek on %s", f.Name())
	}
	return &plugin.Result{Offset: off}, nil
}

func stat(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	fi, err := os.Stat(p)
	if err != nil {
		return nil, backend.MapError(err, plugin.OpStat, p)
	}
	return &plugin.Result{Stat: &plugin.Stat{
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode().Perm()),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}}, nil
}

func unlink(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	if err := os.Remove(p); err != nil {
		return nil, backend.MapError(err, plugin.OpUnlink, p)
	}
	return nil, nil
}

func truncate(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	if call.Request.Size < 0 {
		return nil, resource.NewError(resource.ErrInvalidArgument, "negative size %d", call.Request.Size)
	}
	if err := os.Truncate(p, call.Request.Size); err != nil {
		return nil, backend.MapError(err, plugin.OpTruncate, p)
	}
	return nil, nil
}

func rename(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	from := physical(call)
	if call.Request.NewPath == "" {
		return nil, resource.NewError(resource.ErrInvalidArgument, "rename needs a destination")
	}
	to := filepath.FromSlash(call.Request.NewPath)

	if err := os.MkdirAll(filepath.Dir(to), dirMode(call)); err != nil {
		return nil, backend.MapError(err, plugin.OpRename, to)
	}
	if err := os.Rename(from, to); err != nil {
		return nil, backend.MapError(err, plugin.OpRename, from)
	}
	return &plugin.Result{PhysicalPath: filepath.ToSlash(to)}, nil
}

func mkdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	mode := os.FileMode(call.Request.Mode)
	if mode == 0 {
		mode = dirMode(call)
	}
	if err := os.MkdirAll(p, mode); err != nil {
		return nil, backend.MapError(err, plugin.OpMkdir, p)
	}
	return &plugin.Result{PhysicalPath: filepath.ToSlash(p)}, nil
}

func rmdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	if err := os.Remove(p); err != nil {
		return nil, backend.MapError(err, plugin.OpRmdir, p)
	}
	return nil, nil
}

func opendir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, backend.MapError(err, plugin.OpOpendir, p)
	}

	cursor := &dirCursor{entries: make([]plugin.DirEntry, 0, len(entries))}
	for _, e := range entries {
		entry := plugin.DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			entry.Size = info.Size()
		}
		cursor.entries = append(cursor.entries, entry)
	}
	return &plugin.Result{Descriptor: stateOf(call).dirs.Add(cursor)}, nil
}

func readdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	c, err := stateOf(call).dirs.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	rest := c.entries[c.next:]
	if n := call.Request.Length; n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	c.next += len(rest)
	return &plugin.Result{Entries: rest}, nil
}

func closedir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	_, err := stateOf(call).dirs.Remove(call.Request.Descriptor)
	return nil, err
}

// freespace reports the configured free space when set, otherwise what the
// file system holding the vault reports.
func freespace(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	if fs := call.Instance.Properties().Int64(resource.PropFreeSpace); fs > 0 {
		return &plugin.Result{FreeSpace: fs}, nil
	}
	vault := call.Instance.Properties().VaultPath()
	free, err := diskFree(vault)
	if err != nil {
		return nil, backend.MapError(err, plugin.OpFreeSpace, vault)
	}
	return &plugin.Result{FreeSpace: free}, nil
}
