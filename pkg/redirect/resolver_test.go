package redirect

import (
	"context"
	"testing"

	"github.com/marmos91/stratafs/pkg/backend/memory"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const logical = "/tempZone/home/rods/f"

func object(conds map[string]string) *fco.DataObject {
	obj := fco.NewDataObject(logical, "")
	obj.Cond = conds
	return obj
}

func repl(num int, hier string, state replica.State) replica.Replica {
	return replica.Replica{Number: num, LogicalPath: logical, Hierarchy: hier, State: state, PhysicalPath: "/phys/" + hier}
}

func TestResolveHierarchy_Create(t *testing.T) {
	reg := newRegistry(t)

	tests := []struct {
		name     string
		def      string
		conds    map[string]string
		wantHier string
		wantVote float64
	}{
		{"DefaultResource", "local", nil, "local", 1.0},
		{"RemoteDefault", "remote", nil, "remote", 0.5},
		{"RescName", "local", map[string]string{KeyRescName: "remote"}, "remote", 0.5},
		{"DestRescNameWins", "local", map[string]string{KeyRescName: "remote", KeyDestRescName: "comp"}, "comp;cache", 1.0},
		{"NonRootKeyword", "local", map[string]string{KeyRescName: "r2"}, "repl;r2", 0.5},
		{"NoDefaultTieGoesToFirstRoot", "", nil, "comp;cache", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(reg, tt.def, "server1")
			d, err := r.ResolveHierarchy(context.Background(), object(tt.conds), plugin.OpCreate, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHier, d.Hierarchy)
			assert.InDelta(t, tt.wantVote, d.Vote, 1e-9)
			assert.Nil(t, d.Replica)
		})
	}
}

func TestResolveHierarchy_UnknownKeyword(t *testing.T) {
	r := NewResolver(newRegistry(t), "local", "server1")
	_, err := r.ResolveHierarchy(context.Background(), object(map[string]string{KeyRescName: "ghost"}), plugin.OpCreate, nil)
	assert.True(t, resource.IsCode(err, resource.ErrNotFound), "got %v", err)
}

func TestResolveHierarchy_Open(t *testing.T) {
	r := NewResolver(newRegistry(t), "local", "server1")
	ctx := context.Background()

	t.Run("PrefersLocalGoodReplica", func(t *testing.T) {
		replicas := []replica.Replica{
			repl(0, "repl;r2", replica.StateGood),
			repl(1, "repl;r1", replica.StateGood),
		}
		d, err := r.ResolveHierarchy(ctx, object(nil), plugin.OpOpen, replicas)
		require.NoError(t, err)
		assert.Equal(t, "repl;r1", d.Hierarchy)
		require.NotNil(t, d.Replica)
		assert.Equal(t, 1, d.Replica.Number)
	})

	t.Run("SkipsStaleReplicas", func(t *testing.T) {
		replicas := []replica.Replica{
			repl(0, "local", replica.StateStale),
			repl(1, "remote", replica.StateGood),
		}
		d, err := r.ResolveHierarchy(ctx, object(nil), plugin.OpOpen, replicas)
		require.NoError(t, err)
		assert.Equal(t, "remote", d.Hierarchy)
		assert.Equal(t, 1, d.Replica.Number)
	})

	t.Run("WriteAcceptsStaleReplica", func(t *testing.T) {
		replicas := []replica.Replica{repl(0, "local", replica.StateStale)}
		d, err := r.ResolveHierarchy(ctx, object(nil), plugin.OpWrite, replicas)
		require.NoError(t, err)
		assert.Equal(t, "local", d.Hierarchy)
	})

	t.Run("NoUsableReplica", func(t *testing.T) {
		replicas := []replica.Replica{repl(0, "local", replica.StateStale), repl(1, "remote", replica.StateStale)}
		_, err := r.ResolveHierarchy(ctx, object(nil), plugin.OpOpen, replicas)
		assert.True(t, resource.IsCode(err, resource.ErrHierarchy), "got %v", err)
	})
}

func TestResolveHierarchy_ReplicaNumber(t *testing.T) {
	r := NewResolver(newRegistry(t), "local", "server1")
	ctx := context.Background()
	replicas := []replica.Replica{repl(0, "local", replica.StateGood), repl(3, "remote", replica.StateStale)}

	d, err := r.ResolveHierarchy(ctx, object(map[string]string{KeyReplNum: "3"}), plugin.OpOpen, replicas)
	require.NoError(t, err)
	assert.Equal(t, "remote", d.Hierarchy)
	assert.Equal(t, 3, d.Replica.Number)

	obj := object(nil)
	obj.ReplNum = 0
	d, err = r.ResolveHierarchy(ctx, obj, plugin.OpOpen, replicas)
	require.NoError(t, err)
	assert.Equal(t, "local", d.Hierarchy)

	_, err = r.ResolveHierarchy(ctx, object(map[string]string{KeyReplNum: "9"}), plugin.OpOpen, replicas)
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))

	_, err = r.ResolveHierarchy(ctx, object(map[string]string{KeyReplNum: "x"}), plugin.OpOpen, replicas)
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument))
}

func TestResolveHierarchy_CompoundStagesArchiveReplica(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	arch, err := reg.ResolveByName(ctx, "arch")
	require.NoError(t, err)
	store, ok := memory.StoreOf(arch)
	require.True(t, ok)
	store.Put("/arch/tempZone/home/rods/f", []byte("archived payload"))

	replicas := []replica.Replica{{
		Number:       0,
		LogicalPath:  logical,
		Hierarchy:    "comp;arch",
		PhysicalPath: "/arch/tempZone/home/rods/f",
		State:        replica.StateGood,
	}}

	r := NewResolver(reg, "local", "server1")
	d, err := r.ResolveHierarchy(ctx, object(nil), plugin.OpOpen, replicas)
	require.NoError(t, err)
	assert.Equal(t, "comp;cache", d.Hierarchy)
	assert.InDelta(t, 0.5, d.Vote, 1e-9)
	assert.Nil(t, d.Replica, "the staged copy is not catalogued yet")

	require.Len(t, d.Written, 1)
	assert.Equal(t, "comp;cache", d.Written[0].Hierarchy)
	assert.Equal(t, int64(len("archived payload")), d.Written[0].Size)

	cache, err := reg.ResolveByName(ctx, "cache")
	require.NoError(t, err)
	cacheStore, _ := memory.StoreOf(cache)
	data, ok := cacheStore.Contents(d.Written[0].PhysicalPath)
	require.True(t, ok)
	assert.Equal(t, "archived payload", string(data))
}
