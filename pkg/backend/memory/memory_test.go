package memory_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/marmos91/stratafs/pkg/backend/memory"
	backendtesting "github.com/marmos91/stratafs/pkg/backend/testing"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seq atomic.Int32

func newMemory(t *testing.T) *plugin.Instance {
	inst := backendtesting.Load(t, memory.Type, fmt.Sprintf("mem%d", seq.Add(1)), "")
	inst.Properties().Set(resource.PropVaultPath, "/vault")
	return inst
}

func TestMemoryBackend(t *testing.T) {
	suite := &backendtesting.LeafTestSuite{NewInstance: newMemory}
	suite.Run(t)
}

func TestMockArchiveAlias(t *testing.T) {
	inst := backendtesting.Load(t, "mockarchive", "arch", "")
	assert.Equal(t, memory.Type, inst.Type())
	_, ok := memory.StoreOf(inst)
	assert.True(t, ok)
}

func TestPhysicalPathUnderVault(t *testing.T) {
	inst := newMemory(t)
	physical := backendtesting.WriteFile(t, inst, backendtesting.Object("/tempZone/home/f", inst.Name()), []byte("x"))
	assert.Equal(t, "/vault/tempZone/home/f", physical)

	store, _ := memory.StoreOf(inst)
	assert.Equal(t, []string{"/vault/tempZone/home/f"}, store.Paths())
	assert.Zero(t, store.OpenDescriptors())
}

func TestCapacity(t *testing.T) {
	inst := backendtesting.Load(t, memory.Type, "small", "capacity=4")
	ctx := context.Background()
	obj := backendtesting.Object("/f", inst.Name())

	res, err := inst.Invoke(ctx, plugin.OpCreate, obj, &plugin.Request{Flags: plugin.FlagWriteOnly | plugin.FlagCreate})
	require.NoError(t, err)
	_, err = inst.Invoke(ctx, plugin.OpWrite, obj, &plugin.Request{Descriptor: res.Descriptor, Data: []byte("12345")})
	assert.Error(t, err)

	free, err := inst.Invoke(ctx, plugin.OpFreeSpace, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), free.FreeSpace)
}

func TestBadContextFailsFactory(t *testing.T) {
	_, err := plugin.NewLoader(plugin.BuiltinOpener{}, nil).Load(context.Background(), memory.Type, "bad", "capacity=lots")
	require.Error(t, err)
	assert.True(t, resource.IsCode(err, resource.ErrFactoryFailed), "got %v", err)
}

func TestReadOnlyDescriptorRejectsWrite(t *testing.T) {
	inst := newMemory(t)
	ctx := context.Background()
	obj := backendtesting.Object("/ro", inst.Name())
	backendtesting.WriteFile(t, inst, obj, []byte("x"))

	res, err := inst.Invoke(ctx, plugin.OpOpen, obj, &plugin.Request{Flags: plugin.FlagReadOnly})
	require.NoError(t, err)
	_, err = inst.Invoke(ctx, plugin.OpWrite, obj, &plugin.Request{Descriptor: res.Descriptor, Data: []byte("y")})
	assert.True(t, resource.IsCode(err, resource.ErrPermissionDenied), "got %v", err)
}
