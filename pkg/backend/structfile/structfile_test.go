package structfile_test

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	backendtesting "github.com/marmos91/stratafs/pkg/backend/testing"
	"github.com/marmos91/stratafs/pkg/backend/structfile"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTar(t *testing.T, members map[string]string, dirs ...string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "bundle.tar")
	f, err := os.Create(file)
	require.NoError(t, err)
	tw := tar.NewWriter(f)

	for _, d := range dirs {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: time.Now()}))
	}
	for name, body := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body)), ModTime: time.Now()}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())
	return file
}

func member(file, sub string) plugin.Object {
	return &plugin.SimpleObject{
		Logical:  "/tempZone/bundles/bundle.tar",
		Physical: file,
		Vars:     map[string]string{structfile.SubFileVar: sub},
	}
}

func newStructFile(t *testing.T) *plugin.Instance {
	return backendtesting.Load(t, structfile.Type, "bundle", "")
}

func TestOpenReadSeek(t *testing.T) {
	file := writeTar(t, map[string]string{"docs/readme.txt": "hello from tar", "top.txt": "top"}, "docs")
	inst := newStructFile(t)
	ctx := context.Background()
	obj := member(file, "docs/readme.txt")

	res, err := inst.Invoke(ctx, plugin.OpOpen, obj, &plugin.Request{})
	require.NoError(t, err)
	fd := res.Descriptor

	chunk, err := inst.Invoke(ctx, plugin.OpRead, obj, &plugin.Request{Descriptor: fd, Length: 5})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(chunk.Data))

	seek, err := inst.Invoke(ctx, plugin.OpLseek, obj, &plugin.Request{Descriptor: fd, Offset: -3, Whence: io.SeekEnd})
	require.NoError(t, err)
	assert.Equal(t, int64(11), seek.Offset)

	chunk, err = inst.Invoke(ctx, plugin.OpRead, obj, &plugin.Request{Descriptor: fd})
	require.NoError(t, err)
	assert.Equal(t, "tar", string(chunk.Data))

	chunk, err = inst.Invoke(ctx, plugin.OpRead, obj, &plugin.Request{Descriptor: fd, Length: 10})
	require.NoError(t, err)
	assert.Empty(t, chunk.Data)

	_, err = inst.Invoke(ctx, plugin.OpClose, obj, &plugin.Request{Descriptor: fd})
	require.NoError(t, err)
}

func TestOpenErrors(t *testing.T) {
	file := writeTar(t, map[string]string{"a": "a"})
	inst := newStructFile(t)
	ctx := context.Background()

	_, err := inst.Invoke(ctx, plugin.OpOpen, member(file, "missing"), &plugin.Request{})
	assert.True(t, resource.IsCode(err, resource.ErrNotFound), "got %v", err)

	_, err = inst.Invoke(ctx, plugin.OpOpen, member(file, "a"), &plugin.Request{Flags: plugin.FlagWriteOnly})
	assert.True(t, resource.IsCode(err, resource.ErrPermissionDenied), "got %v", err)

	_, err = inst.Invoke(ctx, plugin.OpOpen, member(filepath.Join(t.TempDir(), "nope.tar"), "a"), &plugin.Request{})
	assert.True(t, resource.IsCode(err, resource.ErrNotFound), "got %v", err)
}

func TestStat(t *testing.T) {
	file := writeTar(t, map[string]string{"dir/nested/f": "12345"})
	inst := newStructFile(t)
	ctx := context.Background()

	res, err := inst.Invoke(ctx, plugin.OpStat, member(file, "dir/nested/f"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Stat.Size)
	assert.False(t, res.Stat.IsDir)

	res, err = inst.Invoke(ctx, plugin.OpStat, member(file, "dir"), nil)
	require.NoError(t, err)
	assert.True(t, res.Stat.IsDir)

	_, err = inst.Invoke(ctx, plugin.OpStat, member(file, "other"), nil)
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
}

func TestReadDir(t *testing.T) {
	file := writeTar(t, map[string]string{
		"root.txt":       "r",
		"data/a.csv":     "aa",
		"data/b.csv":     "b",
		"data/raw/c.bin": "c",
	}, "data")
	inst := newStructFile(t)
	ctx := context.Background()

	tests := []struct {
		sub  string
		want []plugin.DirEntry
	}{
		{sub: "", want: []plugin.DirEntry{{Name: "data", IsDir: true}, {Name: "root.txt", Size: 1}}},
		{sub: "data", want: []plugin.DirEntry{{Name: "a.csv", Size: 2}, {Name: "b.csv", Size: 1}, {Name: "raw", IsDir: true}}},
	}
	for _, tt := range tests {
		t.Run("sub="+tt.sub, func(t *testing.T) {
			obj := member(file, tt.sub)
			res, err := inst.Invoke(ctx, plugin.OpOpendir, obj, nil)
			require.NoError(t, err)

			entries, err := inst.Invoke(ctx, plugin.OpReaddir, obj, &plugin.Request{Descriptor: res.Descriptor})
			require.NoError(t, err)
			assert.Equal(t, tt.want, entries.Entries)

			_, err = inst.Invoke(ctx, plugin.OpClosedir, obj, &plugin.Request{Descriptor: res.Descriptor})
			require.NoError(t, err)
		})
	}

	_, err := inst.Invoke(ctx, plugin.OpOpendir, member(file, "nothing"), nil)
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
}

func TestExtract(t *testing.T) {
	file := writeTar(t, map[string]string{"data/a.csv": "aa", "data/raw/c.bin": "c", "other": "o"}, "data")
	inst := newStructFile(t)
	dest := t.TempDir()

	res, err := inst.Invoke(context.Background(), plugin.OpExtract, member(file, "data"), &plugin.Request{DestPath: dest})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 3)

	got, err := os.ReadFile(filepath.Join(dest, "data", "raw", "c.bin"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(got))

	_, err = os.Stat(filepath.Join(dest, "other"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractNeedsDestination(t *testing.T) {
	file := writeTar(t, map[string]string{"a": "a"})
	_, err := newStructFile(t).Invoke(context.Background(), plugin.OpExtract, member(file, ""), &plugin.Request{})
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument))
}
