// Package s3 implements an archive resource on Amazon S3 or a compatible
// object store.
//
// Objects are buffered in memory between open and close: open downloads the
// object, close uploads it when the descriptor was written. The resource vault
// path acts as the key prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Type is the plugin type tag.
const Type = "s3"

type object struct {
	key    string
	data   []byte
	offset int64
	write  bool
	append bool
	dirty  bool
}

type listing struct {
	entries []plugin.DirEntry
	next    int
}

type state struct {
	cfg Config

	once    sync.Once
	client  API
	initErr error

	fds  *backend.Descriptors[*object]
	dirs *backend.Descriptors[*listing]
}

// Factory creates an s3 resource. The client is built on first use.
func Factory(name, rescContext string) *plugin.Instance {
	var cfg Config
	if err := backend.DecodeContextString(name, rescContext, &cfg); err != nil {
		logger.Warn("s3 %s: %v", name, err)
		return nil
	}
	if err := cfg.validate(); err != nil {
		logger.Warn("s3 %s: %v", name, err)
		return nil
	}

	inst := plugin.NewInstance(Type, name, rescContext, &state{
		cfg:  cfg,
		fds:  backend.NewDescriptors[*object](),
		dirs: backend.NewDescriptors[*listing](),
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
	plugin.OpClose:            closeObject,
	plugin.OpLseek:            lseek,
	plugin.OpStat:             stat,
	plugin.OpUnlink:           unlink,
	plugin.OpTruncate:         truncate,
	plugin.OpRename:           rename,
	plugin.OpMkdir:            mkdir,
	plugin.OpRmdir:            mkdir,
	plugin.OpOpendir:          opendir,
	plugin.OpReaddir:          readdir,
	plugin.OpClosedir:         closedir,
	plugin.OpFreeSpace:        freespace,
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

func (s *state) api(ctx context.Context) (API, error) {
	s.once.Do(func() {
		s.client, s.initErr = clientFactory(ctx, s.cfg)
	})
	if s.initErr != nil {
		return nil, resource.WrapError(resource.ErrPlugin, s.initErr, "s3 client for bucket %s", s.cfg.Bucket)
	}
	return s.client, nil
}

func physical(call *plugin.Call) string {
	return path.Clean("/" + backend.PhysicalPath(call.Instance, call.Object))
}

func keyOf(physicalPath string) string {
	return strings.TrimPrefix(path.Clean("/"+physicalPath), "/")
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func s3Error(err error, op, key string) error {
	if isNotFound(err) {
		return &resource.ResourceError{Code: resource.ErrNotFound, Message: "no such object", Path: key, Operation: op, Err: err}
	}
	return &resource.ResourceError{Code: resource.ErrPlugin, Message: "s3 request failed", Path: key, Operation: op, Err: err}
}

// start verifies bucket access.
func start(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	client, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return nil, resource.WrapError(resource.ErrPlugin, err, "s3 %s: cannot access bucket %s", call.Instance.Name(), s.cfg.Bucket)
	}
	logger.Info("s3 resource %s: bucket=%s region=%s", call.Instance.Name(), s.cfg.Bucket, s.cfg.Region)
	return nil, nil
}

func stop(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	if n := len(s.fds.Drain()); n > 0 {
		logger.Warn("s3 %s: dropped %d unflushed descriptors", call.Instance.Name(), n)
	}
	s.dirs.Drain()
	return nil, nil
}

func (s *state) download(ctx context.Context, key string) ([]byte, error) {
	client, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s3Error(err, plugin.OpOpen, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s3Error(err, plugin.OpOpen, key)
	}
	return data, nil
}

func (s *state) upload(ctx context.Context, key string, data []byte) error {
	client, err := s.api(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return s3Error(err, plugin.OpClose, key)
	}
	return nil
}

func create(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	p := physical(call)
	fd := stateOf(call).fds.Add(&object{key: keyOf(p), write: true, dirty: true})
	return &plugin.Result{Descriptor: fd, PhysicalPath: p}, nil
}

func open(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	p := physical(call)
	flags := call.Request.Flags
	obj := &object{
		key:    keyOf(p),
		write:  plugin.IsWriteFlags(flags),
		append: flags&plugin.FlagAppend != 0,
	}

	if flags&plugin.FlagTruncate != 0 {
		obj.dirty = true
	} else {
		data, err := s.download(ctx, obj.key)
		switch {
		case err == nil:
			obj.data = data
		case resource.IsCode(err, resource.ErrNotFound) && flags&plugin.FlagCreate != 0:
			obj.dirty = true
		default:
			return nil, err
		}
	}
	return &plugin.Result{Descriptor: s.fds.Add(obj), PhysicalPath: p}, nil
}

func read(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	obj, err := stateOf(call).fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	if obj.offset >= int64(len(obj.data)) {
		return &plugin.Result{}, nil
	}
	n := call.Request.Length
	if n <= 0 || obj.offset+int64(n) > int64(len(obj.data)) {
		n = len(obj.data) - int(obj.offset)
	}
	out := make([]byte, n)
	copy(out, obj.data[obj.offset:])
	obj.offset += int64(n)
	return &plugin.Result{Data: out, N: n}, nil
}

func write(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	obj, err := stateOf(call).fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	if !obj.write {
		return nil, resource.NewError(resource.ErrPermissionDenied, "descriptor %d is read-only", call.Request.Descriptor)
	}
	if obj.append {
		obj.offset = int64(len(obj.data))
	}
	end := obj.offset + int64(len(call.Request.Data))
	if end > int64(len(obj.data)) {
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
	}
	copy(obj.data[obj.offset:], call.Request.Data)
	obj.offset = end
	obj.dirty = true
	return &plugin.Result{N: len(call.Request.Data)}, nil
}

func closeObject(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	obj, err := s.fds.Remove(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	if obj.write && obj.dirty {
		if err := s.upload(ctx, obj.key, obj.data); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func lseek(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	obj, err := stateOf(call).fds.Get(call.Request.Descriptor)
	if err != nil {
		return nil, err
	}
	var base int64
	switch call.Request.Whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = obj.offset
	case io.SeekEnd:
		base = int64(len(obj.data))
	default:
		return nil, resource.NewError(resource.ErrInvalidArgument, "invalid whence %d", call.Request.Whence)
	}
	off := base + call.Request.Offset
	if off < 0 {
		return nil, resource.NewError(resource.ErrInvalidArgument, "negative offset %d", off)
	}
	obj.offset = off
	return &plugin.Result{Offset: off}, nil
}

func stat(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	client, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	key := keyOf(physical(call))

	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err == nil {
		st := &plugin.Stat{Size: aws.ToInt64(out.ContentLength), Mode: 0o640}
		if out.LastModified != nil {
			st.ModTime = *out.LastModified
		}
		return &plugin.Result{Stat: st}, nil
	}
	if !isNotFound(err) {
		return nil, s3Error(err, plugin.OpStat, key)
	}

	// a key prefix with members is a directory
	list, lerr := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if lerr == nil && len(list.Contents) > 0 {
		return &plugin.Result{Stat: &plugin.Stat{IsDir: true, Mode: 0o750}}, nil
	}
	return nil, s3Error(err, plugin.OpStat, key)
}

func unlink(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	client, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	key := keyOf(physical(call))

	// DeleteObject succeeds on missing keys
	if _, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)}); err != nil {
		return nil, s3Error(err, plugin.OpUnlink, key)
	}
	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)}); err != nil {
		return nil, s3Error(err, plugin.OpUnlink, key)
	}
	return nil, nil
}

func truncate(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	key := keyOf(physical(call))
	size := call.Request.Size
	if size < 0 {
		return nil, resource.NewError(resource.ErrInvalidArgument, "negative size %d", size)
	}

	data, err := s.download(ctx, key)
	if err != nil {
		return nil, resource.Annotate(err, key, "", plugin.OpTruncate)
	}
	if size <= int64(len(data)) {
		data = data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}
	return nil, s.upload(ctx, key, data)
}

func rename(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	client, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	if call.Request.NewPath == "" {
		return nil, resource.NewError(resource.ErrInvalidArgument, "rename needs a destination")
	}
	from := keyOf(physical(call))
	to := keyOf(call.Request.NewPath)

	_, err = client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.Bucket),
		CopySource: aws.String(s.cfg.Bucket + "/" + from),
		Key:        aws.String(to),
	})
	if err != nil {
		return nil, s3Error(err, plugin.OpRename, from)
	}
	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(from)}); err != nil {
		return nil, s3Error(err, plugin.OpRename, from)
	}
	return &plugin.Result{PhysicalPath: "/" + to}, nil
}

// mkdir and rmdir succeed without effect, the key space is flat.
func mkdir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	return &plugin.Result{PhysicalPath: physical(call)}, nil
}

func opendir(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	s := stateOf(call)
	client, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	prefix := keyOf(physical(call))
	if prefix != "" {
		prefix += "/"
	}

	l := &listing{}
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s3Error(err, plugin.OpOpendir, prefix)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			l.entries = append(l.entries, plugin.DirEntry{Name: name, IsDir: true})
		}
		for _, o := range out.Contents {
			l.entries = append(l.entries, plugin.DirEntry{
				Name: strings.TrimPrefix(aws.ToString(o.Key), prefix),
				Size: aws.ToInt64(o.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return &plugin.Result{Descriptor: s.dirs.Add(l)}, nil
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

func freespace(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	if c := stateOf(call).cfg.Capacity; c > 0 {
		return &plugin.Result{FreeSpace: c}, nil
	}
	if fs := call.Instance.Properties().Int64(resource.PropFreeSpace); fs > 0 {
		return &plugin.Result{FreeSpace: fs}, nil
	}
	return &plugin.Result{FreeSpace: math.MaxInt64}, nil
}
