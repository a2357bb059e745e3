// Package testing provides a conformance suite for storage leaf plugins.
package testing

import (
	"context"
	"io"
	"testing"

	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LeafTestSuite checks the file and directory operations every storage leaf
// implements.
//
// Usage:
//
//	func TestMyBackend(t *testing.T) {
//	    suite := &backendtesting.LeafTestSuite{
//	        NewInstance: func(t *testing.T) *plugin.Instance {
//	            return backendtesting.Load(t, "mybackend", "r1", "")
//	        },
//	    }
//	    suite.Run(t)
//	}
type LeafTestSuite struct {
	// NewInstance returns a fresh, empty resource for each test.
	NewInstance func(t *testing.T) *plugin.Instance

	// SkipDirectories disables the directory tests for flat namespaces.
	SkipDirectories bool

	// SkipSeek disables the lseek tests for backends without random access.
	SkipSeek bool
}

// Run executes all tests in the suite.
func (suite *LeafTestSuite) Run(t *testing.T) {
	t.Run("ReadWrite", suite.RunReadWriteTests)
	t.Run("Namespace", suite.RunNamespaceTests)
	t.Run("Vote", suite.RunVoteTests)
	t.Run("Copy", suite.RunCopyTests)
	if !suite.SkipSeek {
		t.Run("Seek", suite.RunSeekTests)
	}
	if !suite.SkipDirectories {
		t.Run("Directories", suite.RunDirectoryTests)
	}
}

// Load instantiates a built-in plugin through a fresh loader.
func Load(t *testing.T, typeTag, name, rescContext string) *plugin.Instance {
	t.Helper()
	inst, err := plugin.NewLoader(plugin.BuiltinOpener{}, nil).Load(context.Background(), typeTag, name, rescContext)
	require.NoError(t, err)
	inst.Properties().Set(resource.PropName, name)
	inst.Properties().Set(resource.PropStatus, string(resource.StatusUp))
	return inst
}

// Object returns an object addressed by logical path, letting the resource
// derive the physical location.
func Object(logical, hier string) *plugin.SimpleObject {
	return &plugin.SimpleObject{Logical: logical, Hier: hier}
}

// WriteFile creates obj on inst with data and returns the physical path the
// resource chose.
func WriteFile(t *testing.T, inst *plugin.Instance, obj plugin.Object, data []byte) string {
	t.Helper()
	ctx := context.Background()

	res, err := inst.Invoke(ctx, plugin.OpCreate, obj, &plugin.Request{
		Flags: plugin.FlagWriteOnly | plugin.FlagCreate | plugin.FlagTruncate,
		Mode:  0o640,
	})
	require.NoError(t, err)

	if len(data) > 0 {
		w, err := inst.Invoke(ctx, plugin.OpWrite, obj, &plugin.Request{Descriptor: res.Descriptor, Data: data})
		require.NoError(t, err)
		require.Equal(t, len(data), w.N)
	}

	_, err = inst.Invoke(ctx, plugin.OpClose, obj, &plugin.Request{Descriptor: res.Descriptor})
	require.NoError(t, err)
	return res.PhysicalPath
}

// ReadFile opens obj on inst and reads it to the end.
func ReadFile(t *testing.T, inst *plugin.Instance, obj plugin.Object) []byte {
	t.Helper()
	ctx := context.Background()

	res, err := inst.Invoke(ctx, plugin.OpOpen, obj, &plugin.Request{Flags: plugin.FlagReadOnly})
	require.NoError(t, err)

	var out []byte
	for {
		chunk, err := inst.Invoke(ctx, plugin.OpRead, obj, &plugin.Request{Descriptor: res.Descriptor, Length: 7})
		require.NoError(t, err)
		if len(chunk.Data) == 0 {
			break
		}
		out = append(out, chunk.Data...)
	}

	_, err = inst.Invoke(ctx, plugin.OpClose, obj, &plugin.Request{Descriptor: res.Descriptor})
	require.NoError(t, err)
	return out
}

// RunReadWriteTests covers create, write, open, read and close.
func (suite *LeafTestSuite) RunReadWriteTests(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		inst := suite.NewInstance(t)
		obj := Object("/tempZone/home/rods/a.txt", inst.Name())

		physical := WriteFile(t, inst, obj, []byte("hello stratafs"))
		assert.NotEmpty(t, physical)
		assert.Equal(t, []byte("hello stratafs"), ReadFile(t, inst, obj))
	})

	t.Run("EmptyFile", func(t *testing.T) {
		inst := suite.NewInstance(t)
		obj := Object("/tempZone/empty", inst.Name())

		WriteFile(t, inst, obj, nil)
		assert.Empty(t, ReadFile(t, inst, obj))
	})

	t.Run("ExplicitPhysicalPath", func(t *testing.T) {
		inst := suite.NewInstance(t)
		derived := Object("/tempZone/explicit", inst.Name())
		physical := WriteFile(t, inst, derived, []byte("x"))

		pinned := &plugin.SimpleObject{Logical: "/tempZone/other-name", Physical: physical, Hier: inst.Name()}
		assert.Equal(t, []byte("x"), ReadFile(t, inst, pinned))
	})

	t.Run("OpenMissing", func(t *testing.T) {
		inst := suite.NewInstance(t)
		_, err := inst.Invoke(context.Background(), plugin.OpOpen, Object("/tempZone/missing", inst.Name()), &plugin.Request{})
		require.Error(t, err)
		assert.True(t, resource.IsCode(err, resource.ErrNotFound), "got %v", err)
	})

	t.Run("BadDescriptor", func(t *testing.T) {
		inst := suite.NewInstance(t)
		_, err := inst.Invoke(context.Background(), plugin.OpRead, Object("/x", inst.Name()), &plugin.Request{Descriptor: 9999, Length: 1})
		require.Error(t, err)
		assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument), "got %v", err)
	})

	t.Run("AppendOnOpen", func(t *testing.T) {
		inst := suite.NewInstance(t)
		ctx := context.Background()
		obj := Object("/tempZone/append", inst.Name())
		WriteFile(t, inst, obj, []byte("abc"))

		res, err := inst.Invoke(ctx, plugin.OpOpen, obj, &plugin.Request{Flags: plugin.FlagWriteOnly | plugin.FlagAppend})
		require.NoError(t, err)
		_, err = inst.Invoke(ctx, plugin.OpWrite, obj, &plugin.Request{Descriptor: res.Descriptor, Data: []byte("def")})
		require.NoError(t, err)
		_, err = inst.Invoke(ctx, plugin.OpClose, obj, &plugin.Request{Descriptor: res.Descriptor})
		require.NoError(t, err)

		assert.Equal(t, []byte("abcdef"), ReadFile(t, inst, obj))
	})
}

// RunNamespaceTests covers stat, unlink, rename and truncate.
func (suite *LeafTestSuite) RunNamespaceTests(t *testing.T) {
	ctx := context.Background()

	t.Run("Stat", func(t *testing.T) {
		inst := suite.NewInstance(t)
		obj := Object("/tempZone/stat", inst.Name())
		WriteFile(t, inst, obj, []byte("12345"))

		res, err := inst.Invoke(ctx, plugin.OpStat, obj, nil)
		require.NoError(t, err)
		require.NotNil(t, res.Stat)
		assert.Equal(t, int64(5), res.Stat.Size)
		assert.False(t, res.Stat.IsDir)
	})

	t.Run("Unlink", func(t *testing.T) {
		inst := suite.NewInstance(t)
		obj := Object("/tempZone/gone", inst.Name())
		WriteFile(t, inst, obj, []byte("x"))

		_, err := inst.Invoke(ctx, plugin.OpUnlink, obj, nil)
		require.NoError(t, err)

		_, err = inst.Invoke(ctx, plugin.OpStat, obj, nil)
		assert.True(t, resource.IsCode(err, resource.ErrNotFound), "got %v", err)
	})

	t.Run("Rename", func(t *testing.T) {
		inst := suite.NewInstance(t)
		obj := Object("/tempZone/old", inst.Name())
		physical := WriteFile(t, inst, obj, []byte("moved"))

		target := physical + ".renamed"
		res, err := inst.Invoke(ctx, plugin.OpRename, obj, &plugin.Request{NewPath: target})
		require.NoError(t, err)
		assert.Equal(t, target, res.PhysicalPath)

		moved := &plugin.SimpleObject{Logical: "/tempZone/new", Physical: target, Hier: inst.Name()}
		assert.Equal(t, []byte("moved"), ReadFile(t, inst, moved))
		_, err = inst.Invoke(ctx, plugin.OpStat, obj, nil)
		assert.True(t, resource.IsCode(err, resource.ErrNotFound))
	})

	t.Run("Truncate", func(t *testing.T) {
		inst := suite.NewInstance(t)
		obj := Object("/tempZone/trunc", inst.Name())
		WriteFile(t, inst, obj, []byte("0123456789"))

		_, err := inst.Invoke(ctx, plugin.OpTruncate, obj, &plugin.Request{Size: 4})
		require.NoError(t, err)
		assert.Equal(t, []byte("0123"), ReadFile(t, inst, obj))
	})

	t.Run("FreeSpace", func(t *testing.T) {
		inst := suite.NewInstance(t)
		res, err := inst.Invoke(ctx, plugin.OpFreeSpace, nil, nil)
		require.NoError(t, err)
		assert.Greater(t, res.FreeSpace, int64(0))
	})
}

// RunVoteTests covers resolve_hierarchy on a leaf.
func (suite *LeafTestSuite) RunVoteTests(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		host     string
		current  string
		down     bool
		op       string
		replicas []plugin.ReplicaRef
		want     float64
	}{
		{name: "LocalCreate", host: "h1", current: "h1", op: plugin.OpCreate, want: backend.VoteLocal},
		{name: "RemoteCreate", host: "h1", current: "h2", op: plugin.OpCreate, want: backend.VoteRemote},
		{name: "Down", host: "h1", current: "h1", down: true, op: plugin.OpCreate, want: backend.VoteNone},
		{name: "OpenWithGoodReplica", host: "h1", current: "h1", op: plugin.OpOpen,
			replicas: []plugin.ReplicaRef{{Number: 0, Hierarchy: "parent;SELF", Good: true}}, want: backend.VoteLocal},
		{name: "OpenWithStaleReplica", host: "h1", current: "h1", op: plugin.OpOpen,
			replicas: []plugin.ReplicaRef{{Number: 0, Hierarchy: "parent;SELF", Good: false}}, want: backend.VoteNone},
		{name: "WriteWithStaleReplica", host: "h1", current: "h1", op: plugin.OpWrite,
			replicas: []plugin.ReplicaRef{{Number: 0, Hierarchy: "parent;SELF", Good: false}}, want: backend.VoteLocal},
		{name: "OpenElsewhere", host: "h1", current: "h1", op: plugin.OpOpen,
			replicas: []plugin.ReplicaRef{{Number: 0, Hierarchy: "parent;other", Good: true}}, want: backend.VoteNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := suite.NewInstance(t)
			inst.Properties().Set(resource.PropHost, tt.host)
			if tt.down {
				inst.Properties().Set(resource.PropStatus, string(resource.StatusDown))
			}

			replicas := make([]plugin.ReplicaRef, len(tt.replicas))
			for i, r := range tt.replicas {
				if r.Hierarchy == "parent;SELF" {
					r.Hierarchy = "parent;" + inst.Name()
				}
				replicas[i] = r
			}

			res, err := inst.Invoke(ctx, plugin.OpResolveHierarchy, Object("/tempZone/v", ""), &plugin.Request{
				Operation:   tt.op,
				CurrentHost: tt.current,
				Hierarchy:   "parent",
				Replicas:    replicas,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Vote)
			assert.Equal(t, "parent;"+inst.Name(), res.Hierarchy)
		})
	}
}

// RunCopyTests covers backend.Copy between two instances of the backend.
func (suite *LeafTestSuite) RunCopyTests(t *testing.T) {
	src := suite.NewInstance(t)
	dst := suite.NewInstance(t)
	data := make([]byte, 3<<20+17)
	for i := range data {
		data[i] = byte(i % 251)
	}

	srcObj := Object("/tempZone/big", src.Name())
	WriteFile(t, src, srcObj, data)

	dstObj := Object("/tempZone/big", "coord;"+dst.Name())
	written, err := backend.Copy(context.Background(), src, srcObj, dst, dstObj)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), written.Size)
	assert.Equal(t, "coord;"+dst.Name(), written.Hierarchy)
	assert.NotEmpty(t, written.PhysicalPath)
	assert.Equal(t, data, ReadFile(t, dst, dstObj))
}

// RunSeekTests covers lseek.
func (suite *LeafTestSuite) RunSeekTests(t *testing.T) {
	ctx := context.Background()
	inst := suite.NewInstance(t)
	obj := Object("/tempZone/seek", inst.Name())
	WriteFile(t, inst, obj, []byte("0123456789"))

	res, err := inst.Invoke(ctx, plugin.OpOpen, obj, &plugin.Request{})
	require.NoError(t, err)
	fd := res.Descriptor
	defer func() {
		_, _ = inst.Invoke(ctx, plugin.OpClose, obj, &plugin.Request{Descriptor: fd})
	}()

	tests := []struct {
		offset int64
		whence int
		want   int64
		next   string
	}{
		{offset: 3, whence: io.SeekStart, want: 3, next: "34"},
		{offset: 1, whence: io.SeekCurrent, want: 6, next: "67"},
		{offset: -2, whence: io.SeekEnd, want: 8, next: "89"},
	}
	for _, tt := range tests {
		seek, err := inst.Invoke(ctx, plugin.OpLseek, obj, &plugin.Request{Descriptor: fd, Offset: tt.offset, Whence: tt.whence})
		require.NoError(t, err)
		assert.Equal(t, tt.want, seek.Offset)

		chunk, err := inst.Invoke(ctx, plugin.OpRead, obj, &plugin.Request{Descriptor: fd, Length: 2})
		require.NoError(t, err)
		assert.Equal(t, tt.next, string(chunk.Data))
	}

	_, err = inst.Invoke(ctx, plugin.OpLseek, obj, &plugin.Request{Descriptor: fd, Offset: -1, Whence: io.SeekStart})
	assert.Error(t, err)
}

// RunDirectoryTests covers mkdir, opendir, readdir, closedir and rmdir.
func (suite *LeafTestSuite) RunDirectoryTests(t *testing.T) {
	ctx := context.Background()
	inst := suite.NewInstance(t)
	dir := Object("/tempZone/home/rods/coll", inst.Name())

	_, err := inst.Invoke(ctx, plugin.OpMkdir, dir, &plugin.Request{Mode: 0o750})
	require.NoError(t, err)

	WriteFile(t, inst, Object("/tempZone/home/rods/coll/b", inst.Name()), []byte("b"))
	WriteFile(t, inst, Object("/tempZone/home/rods/coll/a", inst.Name()), []byte("aa"))
	_, err = inst.Invoke(ctx, plugin.OpMkdir, Object("/tempZone/home/rods/coll/sub", inst.Name()), &plugin.Request{Mode: 0o750})
	require.NoError(t, err)

	st, err := inst.Invoke(ctx, plugin.OpStat, dir, nil)
	require.NoError(t, err)
	assert.True(t, st.Stat.IsDir)

	res, err := inst.Invoke(ctx, plugin.OpOpendir, dir, nil)
	require.NoError(t, err)
	entries, err := inst.Invoke(ctx, plugin.OpReaddir, dir, &plugin.Request{Descriptor: res.Descriptor})
	require.NoError(t, err)
	_, err = inst.Invoke(ctx, plugin.OpClosedir, dir, &plugin.Request{Descriptor: res.Descriptor})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries.Entries {
		names[e.Name] = e.IsDir
	}
	assert.Equal(t, map[string]bool{"a": false, "b": false, "sub": true}, names)

	_, err = inst.Invoke(ctx, plugin.OpRmdir, dir, nil)
	assert.Error(t, err, "non-empty directory must not be removed")

	_, err = inst.Invoke(ctx, plugin.OpRmdir, Object("/tempZone/home/rods/coll/sub", inst.Name()), nil)
	require.NoError(t, err)
}
