// Package structfile gives read access to the members of tar container files.
//
// The object's physical path names the tar file on the local host and the
// sub_file_path context variable names the member. Instances are not part of
// any resource hierarchy; the first-class object layer derives one per
// request with the container's host and path as properties.
package structfile

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "structfile"

// SubFileVar is the context variable naming the member inside the container.
const SubFileVar = "sub_file_path"

type member struct {
	reader *bytes.Reader
	name   string
}

type listing struct {
	entries []plugin.DirEntry
	next    int
}

type state struct {
	files *backend.Descriptors[*member]
	dirs  *backend.Descriptors[*listing]
}

// Factory creates a structfile instance.
func Factory(name, rescContext string) *plugin.Instance {
	inst := plugin.NewInstance(Type, name, rescContext, &state{
		files: backend.NewDescriptors[*member](),
		dirs:  backend.NewDescriptors[*listing](),
	})
	plugin.BindOperations(inst, operations)
	return inst
}

var operations = map[string]plugin.Operation{
	plugin.OpOpen:     open,
	plugin.OpRead:     read,
	plugin.OpLseek:    lseek,
	plugin.OpClose:    closeMember,
	plugin.OpStat:     stat,
	plugin.OpOpendir:  opendir,
	plugin.OpReaddir:  readdir,
	plugin.OpClosedir: closedir,
	plugin.OpExtract:  extract,
}

func init() {
	plugin.Register(&plugin.ModuleInfo{
		Type:    Type,
		Version: plugin.APIVersion,
		Factory: Factory,
		Symbols: plugin.Symbols(Type, operations),
	})
}

func stateOf(call *plugin.Call) *state {
	return call.Instance.State().(*state)
}

// container returns the tar file and member addressed by the call.
func container(call *plugin.Call) (string, string, error) {
	if call.Object == nil {
		return "", "", resource.NewError(resource.ErrInvalidArgument, "structured operation without an object")
	}
	file := call.Object.PhysicalPath()
	if file == "" {
		file = call.Instance.Properties().VaultPath()
	}
	if file == "" {
		return "", "", resource.NewError(resource.ErrInvalidArgument, "no container file for %s", call.Object.LogicalPath())
	}
	sub := strings.Trim(path.Clean("/"+call.Object.ContextVars()[SubFileVar]), "/")
	return file, sub, nil
}

// walk calls fn for every entry of the tar file until fn returns false.
func walk(file string, fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	f, err := os.Open(file)
	if err != nil {
		return backend.MapError(err, "open container", file)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return resource.WrapError(resource.ErrPlugin, err, "read container %s", file)
		}
		more, err := fn(hdr, tr)
		if err != nil || !more {
			return err
		}
	}
}

func entryName(hdr *tar.Header) string {
	return strings.Trim(path.Clean("/"+hdr.Name), "/")
}

func open(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	if plugin.IsWriteFlags(call.Request.Flags) {
		return nil, resource.NewError(resource.ErrPermissionDenied, "tar members are read-only")
	}
	file, sub, err := container(call)
	if err != nil {
		return nil, err
	}

	var found *member
	err = walk(file, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if entryName(hdr) != sub || hdr.Typeflag != tar.TypeReg {
			return true, nil
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return false, resource.WrapError(resource.ErrPlugin, err, "read member %s", sub)
		}
		found = &member{reader: bytes.NewReader(data), name: sub}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &resource.ResourceError{Code: resource.ErrNotFound, Message: "no member " + sub, Path: file, Operation: plugin.OpOpen}
	}
	return &plugin.Result{Descriptor: stateOf(call).files.Add(found)}, nil
}

func read(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	m, err := stateOf(call).files.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	n := call.Request.Length
	if n <= 0 {
		n = m.reader.Len()
	}
	buf := make([]byte, n)
	got, err := m.reader.Read(buf)
	if errors.Is(err, io.EOF) {
		return &plugin.Result{}, nil
	}
	if err != nil {
		return nil, resource.WrapError(resource.ErrPlugin, err, "read member %s", m.name)
	}
	return &plugin.Result{Data: buf[:got], N: got}, nil
}

func lseek(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	m, err := stateOf(call).files.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	off, err := m.reader.Seek(call.Request.Offset, call.Request.Whence)
	if err != nil {
		return nil, resource.WrapError(resource.ErrInvalidArgument, err, "lseek on member %s", m.name)
	}
	return &plugin.Result{Offset: off}, nil
}

func closeMember(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	_, err := stateOf(call).files.Remove(call.Request.Descriptor)
	return nil, err
}

func stat(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	file, sub, err := container(call)
	if err != nil {
		return nil, err
	}

	var st *plugin.Stat
	err = walk(file, func(hdr *tar.Header, r io.Reader) (bool, error) {
		name := entryName(hdr)
		switch {
		case name == sub:
			st = &plugin.Stat{
				Size:    hdr.Size,
				Mode:    uint32(hdr.Mode) & 0o777,
				ModTime: hdr.ModTime,
				IsDir:   hdr.Typeflag == tar.TypeDir,
			}
			return false, nil
		case sub == "" || strings.HasPrefix(name, sub+"/"):
			// implied by a member path
			st = &plugin.Stat{IsDir: true, Mode: 0o755}
			return true, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, &resource.ResourceError{Code: resource.ErrNotFound, Message: "no member " + sub, Path: file, Operation: plugin.OpStat}
	}
	return &plugin.Result{Stat: st}, nil
}

func opendir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	file, sub, err := container(call)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if sub != "" {
		prefix = sub + "/"
	}
	seen := make(map[string]plugin.DirEntry)
	exists := sub == ""
	err = walk(file, func(hdr *tar.Header, r io.Reader) (bool, error) {
		name := entryName(hdr)
		if name == sub && hdr.Typeflag == tar.TypeDir {
			exists = true
			return true, nil
		}
		if !strings.HasPrefix(name, prefix) || name == sub {
			return true, nil
		}
		exists = true
		rest := strings.TrimPrefix(name, prefix)
		head, _, nested := strings.Cut(rest, "/")
		if nested || hdr.Typeflag == tar.TypeDir {
			seen[head] = plugin.DirEntry{Name: head, IsDir: true}
			return true, nil
		}
		seen[head] = plugin.DirEntry{Name: head, Size: hdr.Size}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &resource.ResourceError{Code: resource.ErrNotFound, Message: "no directory " + sub, Path: file, Operation: plugin.OpOpendir}
	}

	entries := make([]plugin.DirEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &plugin.Result{Descriptor: stateOf(call).dirs.Add(&listing{entries: entries})}, nil
}

func readdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	l, err := stateOf(call).dirs.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	rest := l.entries[l.next:]
	if n := call.Request.Length; n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	l.next += len(rest)
	return &plugin.Result{Entries: rest}, nil
}

func closedir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	_, err := stateOf(call).dirs.Remove(call.Request.Descriptor)
	return nil, err
}

// extract unpacks the container, or the subtree under sub_file_path, into
// DestPath. Members escaping DestPath are rejected.
func extract(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	file, sub, err := container(call)
	if err != nil {
		return nil, err
	}
	dest := call.Request.DestPath
	if dest == "" {
		return nil, resource.NewError(resource.ErrInvalidArgument, "extract needs a destination")
	}

	var entries []plugin.DirEntry
	err = walk(file, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		name := entryName(hdr)
		if sub != "" && name != sub && !strings.HasPrefix(name, sub+"/") {
			return true, nil
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return false, resource.NewError(resource.ErrInvalidArgument, "member %s escapes the destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return false, backend.MapError(err, plugin.OpExtract, target)
			}
			entries = append(entries, plugin.DirEntry{Name: name, IsDir: true})
		case tar.TypeReg:
			if err := writeMember(target, r, os.FileMode(hdr.Mode)&0o777); err != nil {
				return false, err
			}
			entries = append(entries, plugin.DirEntry{Name: name, Size: hdr.Size})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &plugin.Result{Entries: entries}, nil
}

func writeMember(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return backend.MapError(err, plugin.OpExtract, target)
	}
	if mode == 0 {
		mode = 0o640
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return backend.MapError(err, plugin.OpExtract, target)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return backend.MapError(err, plugin.OpExtract, target)
	}
	return backend.MapError(f.Close(), plugin.OpExtract, target)
}
