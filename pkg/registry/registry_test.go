package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	starts atomic.Int32
	stops  atomic.Int32
)

func init() {
	ops := map[string]plugin.Operation{
		plugin.OpStart: func(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
			starts.Add(1)
			return nil, nil
		},
		plugin.OpStop: func(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
			stops.Add(1)
			if call.Instance.Name() == "badStop" {
				return nil, errors.New("stop failed")
			}
			return nil, nil
		},
	}
	for _, typeTag := range []string{"registry-test", "registry-test-coord"} {
		typeTag := typeTag
		plugin.Register(&plugin.ModuleInfo{
			Type:    typeTag,
			Version: plugin.APIVersion,
			Factory: func(name, rescContext string) *plugin.Instance {
				inst := plugin.NewInstance(typeTag, name, rescContext, nil)
				plugin.BindOperations(inst, ops)
				return inst
			},
			Symbols: plugin.Symbols(typeTag, ops),
		})
	}
}

// topology:
//
//	coordRes (1)
//	├── cacheRes (2)  context cache
//	└── archRes (3)   context archive
//	demoResc (4)
func topology() []*resource.Descriptor {
	return []*resource.Descriptor{
		{ID: 1, Name: "coordRes", Type: "registry-test-coord", Host: "h1"},
		{ID: 2, Name: "cacheRes", Type: "registry-test", Host: "h1", ParentID: 1, ParentContext: resource.ContextCache, VaultPath: "/cache"},
		{ID: 3, Name: "archRes", Type: "registry-test", Host: "h2", ParentID: 1, ParentContext: resource.ContextArchive},
		{ID: 4, Name: "demoResc", Type: "registry-test", Host: "h1", Context: map[string]string{"k": "v"}},
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(plugin.NewLoader(plugin.BuiltinOpener{}, nil))
	require.NoError(t, r.Load(context.Background(), topology()))
	return r
}

func TestRegistry_Lookups(t *testing.T) {
	r := newRegistry(t)

	assert.Equal(t, 4, r.Count())
	assert.Equal(t, []string{"coordRes", "demoResc"}, r.RootResources())

	d, err := r.Descriptor("coordRes")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, d.Children)

	name, err := r.IDToName(3)
	require.NoError(t, err)
	assert.Equal(t, "archRes", name)

	names := []string{}
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"archRes", "cacheRes", "coordRes", "demoResc"}, names)

	_, err = r.Descriptor("missing")
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
	_, err = r.IDToName(99)
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
}

func TestRegistry_HierarchyRoundTrip(t *testing.T) {
	r := newRegistry(t)

	for _, id := range []int64{1, 2, 3, 4} {
		hier, err := r.LeafIDToHier(id)
		require.NoError(t, err)
		got, err := r.HierToLeafID(hier)
		require.NoError(t, err)
		assert.Equal(t, id, got, "hierarchy %s", hier)
	}

	hier, err := r.LeafIDToHier(3)
	require.NoError(t, err)
	assert.Equal(t, "coordRes;archRes", hier)

	h, err := r.HierarchyOf("cacheRes")
	require.NoError(t, err)
	assert.Equal(t, "coordRes;cacheRes", h.String())
}

func TestRegistry_HierToLeafIDErrors(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		hier string
		code resource.ErrorCode
	}{
		{"", resource.ErrParse},
		{"coordRes;;archRes", resource.ErrParse},
		{"coordRes;nope", resource.ErrNotFound},
		{"archRes", resource.ErrHierarchy},
		{"demoResc;archRes", resource.ErrHierarchy},
		{"coordRes;cacheRes;archRes", resource.ErrHierarchy},
	}
	for _, tt := range tests {
		t.Run(tt.hier, func(t *testing.T) {
			_, err := r.HierToLeafID(tt.hier)
			require.Error(t, err)
			assert.True(t, resource.IsCode(err, tt.code), "got %v", err)
		})
	}

	_, err := r.LeafIDToHier(42)
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
}

func TestRegistry_ResolveWiresChildren(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	coord, err := r.Resolve(ctx, "coordRes")
	require.NoError(t, err)
	assert.Equal(t, "h1", coord.Properties().Host())

	cache, ok := coord.ChildByContext(resource.ContextCache)
	require.True(t, ok)
	assert.Equal(t, "cacheRes", cache.Name())
	assert.Equal(t, "/cache", cache.Properties().VaultPath())

	archive, ok := coord.Child("archRes")
	require.True(t, ok)
	assert.Equal(t, "h2", archive.Properties().Host())

	again, err := r.ResolveByName(ctx, "cacheRes")
	require.NoError(t, err)
	assert.Same(t, cache, again, "resolution is a cache hit")

	byID, err := r.Resolve(ctx, "4")
	require.NoError(t, err)
	assert.Equal(t, "demoResc", byID.Name())
	assert.Equal(t, "k=v", byID.Context())

	viaDescriptor, err := r.InitFromDescriptor(ctx, &resource.Descriptor{Name: "demoResc"})
	require.NoError(t, err)
	assert.Same(t, byID, viaDescriptor)

	_, err = r.Resolve(ctx, "nobody")
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
	_, err = r.Resolve(ctx, "77")
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
}

func TestRegistry_UnknownPluginType(t *testing.T) {
	r := New(plugin.NewLoader(plugin.BuiltinOpener{}, nil))
	require.NoError(t, r.Load(context.Background(), []*resource.Descriptor{
		{ID: 1, Name: "ghost", Type: "no-such-plugin"},
	}))

	_, err := r.Resolve(context.Background(), "ghost")
	assert.True(t, resource.IsCode(err, resource.ErrModuleNotFound))
}

func TestRegistry_LoadValidation(t *testing.T) {
	tests := []struct {
		name        string
		descriptors []*resource.Descriptor
		code        resource.ErrorCode
	}{
		{"missing name", []*resource.Descriptor{{ID: 1, Type: "t"}}, resource.ErrInvalidArgument},
		{"bad id", []*resource.Descriptor{{ID: 0, Name: "a", Type: "t"}}, resource.ErrInvalidArgument},
		{"duplicate name", []*resource.Descriptor{{ID: 1, Name: "a"}, {ID: 2, Name: "a"}}, resource.ErrInvalidArgument},
		{"duplicate id", []*resource.Descriptor{{ID: 1, Name: "a"}, {ID: 1, Name: "b"}}, resource.ErrInvalidArgument},
		{"unknown parent", []*resource.Descriptor{{ID: 1, Name: "a", ParentID: 9}}, resource.ErrNotFound},
		{"cycle", []*resource.Descriptor{{ID: 1, Name: "a", ParentID: 2}, {ID: 2, Name: "b", ParentID: 1}}, resource.ErrHierarchy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(t)
			err := r.Load(context.Background(), tt.descriptors)
			require.Error(t, err)
			assert.True(t, resource.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, 4, r.Count(), "failed load must keep the previous tree")
		})
	}
}

func TestRegistry_LeafBundles(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, map[string][]int64{
		"coordRes": {2, 3},
		"demoResc": {4},
	}, r.LeafBundles())
}

func TestRegistry_Lifecycle(t *testing.T) {
	starts.Store(0)
	stops.Store(0)

	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Instantiate(ctx))
	require.NoError(t, r.StartOperations(ctx))
	assert.Equal(t, int32(4), starts.Load())
	require.NoError(t, r.PostDisconnectMaintenance(ctx))

	descriptors := append(topology(), &resource.Descriptor{ID: 5, Name: "badStop", Type: "registry-test"})
	require.NoError(t, r.Load(ctx, descriptors))
	err := r.StopOperations(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "badStop")
	assert.Equal(t, int32(5), stops.Load())
}

type fakeSource struct {
	descriptors []*resource.Descriptor
	err         error
}

func (s *fakeSource) Resources(ctx context.Context) ([]*resource.Descriptor, error) {
	return s.descriptors, s.err
}

func TestRegistry_Reload(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Reload(ctx, &fakeSource{descriptors: []*resource.Descriptor{
		{ID: 7, Name: "solo", Type: "registry-test"},
	}}))
	assert.Equal(t, []string{"solo"}, r.RootResources())

	assert.Error(t, r.Reload(ctx, &fakeSource{err: errors.New("catalog down")}))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ReloadKeepsPublishedInstances(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	old, err := r.Resolve(ctx, "coordRes")
	require.NoError(t, err)
	require.Len(t, old.Children(), 2)

	changed := []*resource.Descriptor{
		{ID: 1, Name: "coordRes", Type: "registry-test-coord", Host: "h9"},
		{ID: 2, Name: "cacheRes", Type: "registry-test", Host: "h9", ParentID: 1, ParentContext: resource.ContextCache},
	}
	require.NoError(t, r.Reload(ctx, &fakeSource{descriptors: changed}))

	assert.Equal(t, "h1", old.Properties().Host())
	assert.Len(t, old.Children(), 2)
	oldCache, ok := old.Child("cacheRes")
	require.True(t, ok)
	assert.Equal(t, "/cache", oldCache.Properties().VaultPath())

	fresh, err := r.Resolve(ctx, "coordRes")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.True(t, fresh.SharesTable(old), "reload reuses the loaded plugin")
	assert.Equal(t, "h9", fresh.Properties().Host())
	assert.Len(t, fresh.Children(), 1)
}

func TestRegistry_ConcurrentResolveAndReload(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				inst, err := r.Resolve(ctx, "coordRes")
				if assert.NoError(t, err) {
					assert.Len(t, inst.Children(), 2)
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Load(ctx, topology()))
	}
	wg.Wait()
}
