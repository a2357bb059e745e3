// Package testing provides a contract test suite for catalog implementations.
package testing

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/marmos91/stratafs/pkg/catalog"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// CatalogTestSuite tests the Catalog contract, not implementation details.
type CatalogTestSuite struct {
	// NewCatalog creates a fresh, empty catalog for each test
	NewCatalog func() catalog.Catalog
}

// Run executes all tests in the suite.
func (suite *CatalogTestSuite) Run(test *testing.T) {
	test.Run("Resources", suite.RunResourceTests)
	test.Run("Replicas", suite.RunReplicaTests)
	test.Run("Permissions", suite.RunPermissionTests)
}

func (suite *CatalogTestSuite) RunResourceTests(test *testing.T) {
	test.Run("PutResource_AssignsIDs", suite.TestPutResource_AssignsIDs)
	test.Run("PutResource_DuplicateName", suite.TestPutResource_DuplicateName)
	test.Run("PutResource_UnknownParent", suite.TestPutResource_UnknownParent)
	test.Run("PutResource_Invalid", suite.TestPutResource_Invalid)
	test.Run("ResourceLookup_NotFound", suite.TestResourceLookup_NotFound)
	test.Run("DeleteResource", suite.TestDeleteResource)
}

func (suite *CatalogTestSuite) RunReplicaTests(test *testing.T) {
	test.Run("UpdateReplicas_Persists", suite.TestUpdateReplicas_Persists)
	test.Run("UpdateReplicas_ErrorAborts", suite.TestUpdateReplicas_ErrorAborts)
	test.Run("UpdateReplicas_EmptyDeletes", suite.TestUpdateReplicas_EmptyDeletes)
	test.Run("UpdateReplicas_ConcurrentWriters", suite.TestUpdateReplicas_ConcurrentWriters)
	test.Run("MoveReplicas_Moves", suite.TestMoveReplicas_Moves)
	test.Run("MoveReplicas_ErrorAborts", suite.TestMoveReplicas_ErrorAborts)
	test.Run("MoveReplicas_FailedRenameKeepsConcurrentAdds", suite.TestMoveReplicas_FailedRenameKeepsConcurrentAdds)
}

func (suite *CatalogTestSuite) RunPermissionTests(test *testing.T) {
	test.Run("CheckPermission_Inherited", suite.TestCheckPermission_Inherited)
	test.Run("CheckPermission_Revoked", suite.TestCheckPermission_Revoked)
}

func (suite *CatalogTestSuite) newCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	c := suite.NewCatalog()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (suite *CatalogTestSuite) TestPutResource_AssignsIDs(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	root := &resource.Descriptor{Name: "coordRes", Type: "compound"}
	require.NoError(t, c.PutResource(ctx, root))
	assert.Equal(t, int64(1), root.ID)

	cache := &resource.Descriptor{Name: "cacheRes", Type: "unixfilesystem", ParentID: root.ID, ParentContext: resource.ContextCache}
	require.NoError(t, c.PutResource(ctx, cache))
	assert.Equal(t, int64(2), cache.ID)

	explicit := &resource.Descriptor{ID: 10, Name: "archRes", Type: "s3", ParentID: root.ID}
	require.NoError(t, c.PutResource(ctx, explicit))

	all, err := c.Resources(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"coordRes", "cacheRes", "archRes"}, []string{all[0].Name, all[1].Name, all[2].Name})

	got, err := c.ResourceByName(ctx, "cacheRes")
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ParentID)
	assert.Equal(t, resource.ContextCache, got.ParentContext)

	got, err = c.ResourceByID(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "archRes", got.Name)

	// Re-putting by name updates in place.
	update := &resource.Descriptor{Name: "cacheRes", Type: "unixfilesystem", ParentID: root.ID, VaultPath: "/new"}
	require.NoError(t, c.PutResource(ctx, update))
	assert.Equal(t, cache.ID, update.ID)
	got, err = c.ResourceByName(ctx, "cacheRes")
	require.NoError(t, err)
	assert.Equal(t, "/new", got.VaultPath)

	next := &resource.Descriptor{Name: "later", Type: "passthru"}
	require.NoError(t, c.PutResource(ctx, next))
	assert.Equal(t, int64(11), next.ID)
}

func (suite *CatalogTestSuite) TestPutResource_DuplicateName(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.PutResource(ctx, &resource.Descriptor{ID: 1, Name: "a", Type: "t"}))
	err := c.PutResource(ctx, &resource.Descriptor{ID: 2, Name: "a", Type: "t"})
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument), "got %v", err)
}

func (suite *CatalogTestSuite) TestPutResource_UnknownParent(t *testing.T) {
	c := suite.newCatalog(t)
	err := c.PutResource(context.Background(), &resource.Descriptor{Name: "orphan", Type: "t", ParentID: 99})
	assert.True(t, resource.IsCode(err, resource.ErrNotFound), "got %v", err)
}

func (suite *CatalogTestSuite) TestPutResource_Invalid(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	for _, d := range []*resource.Descriptor{
		{Type: "t"},
		{Name: "a;b", Type: "t"},
		{Name: "untyped"},
	} {
		err := c.PutResource(ctx, d)
		assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument), "%+v: got %v", d, err)
	}
}

func (suite *CatalogTestSuite) TestResourceLookup_NotFound(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	_, err := c.ResourceByName(ctx, "nope")
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
	_, err = c.ResourceByID(ctx, 42)
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
}

func (suite *CatalogTestSuite) TestDeleteResource(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	parent := &resource.Descriptor{Name: "p", Type: "passthru"}
	require.NoError(t, c.PutResource(ctx, parent))
	require.NoError(t, c.PutResource(ctx, &resource.Descriptor{Name: "c", Type: "t", ParentID: parent.ID}))

	err := c.DeleteResource(ctx, "p")
	assert.True(t, resource.IsCode(err, resource.ErrHierarchy), "got %v", err)

	require.NoError(t, c.DeleteResource(ctx, "c"))
	require.NoError(t, c.DeleteResource(ctx, "p"))
	_, err = c.ResourceByName(ctx, "p")
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))

	err = c.DeleteResource(ctx, "p")
	assert.True(t, resource.IsCode(err, resource.ErrNotFound))
}

func (suite *CatalogTestSuite) TestUpdateReplicas_Persists(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	empty, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	assert.Empty(t, empty)

	err = c.UpdateReplicas(ctx, "/z/f", func(current []replica.Replica) ([]replica.Replica, error) {
		assert.Empty(t, current)
		next, _, err := replica.AddReplica(current, replica.Replica{LogicalPath: "/z/f", Hierarchy: "a", State: replica.StateGood})
		return next, err
	})
	require.NoError(t, err)

	got, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Hierarchy)
	assert.Equal(t, replica.StateGood, got[0].State)
}

func (suite *CatalogTestSuite) TestUpdateReplicas_ErrorAborts(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	seed := []replica.Replica{{Number: 0, Hierarchy: "a", State: replica.StateGood}}
	require.NoError(t, c.UpdateReplicas(ctx, "/z/f", func([]replica.Replica) ([]replica.Replica, error) {
		return seed, nil
	}))

	boom := resource.NewError(resource.ErrReplicaLocked, "boom")
	err := c.UpdateReplicas(ctx, "/z/f", func(current []replica.Replica) ([]replica.Replica, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	assert.Equal(t, seed, got)
}

func (suite *CatalogTestSuite) TestUpdateReplicas_EmptyDeletes(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateReplicas(ctx, "/z/f", func([]replica.Replica) ([]replica.Replica, error) {
		return []replica.Replica{{Number: 0, Hierarchy: "a"}}, nil
	}))
	require.NoError(t, c.UpdateReplicas(ctx, "/z/f", func([]replica.Replica) ([]replica.Replica, error) {
		return nil, nil
	}))

	got, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestUpdateReplicas_ConcurrentWriters races write opens on two replicas of
// one object. Exactly one must enter intermediate.
func (suite *CatalogTestSuite) TestUpdateReplicas_ConcurrentWriters(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateReplicas(ctx, "/z/f", func([]replica.Replica) ([]replica.Replica, error) {
		return []replica.Replica{
			{Number: 0, LogicalPath: "/z/f", Hierarchy: "a", State: replica.StateGood},
			{Number: 1, LogicalPath: "/z/f", Hierarchy: "b", State: replica.StateGood},
		}, nil
	}))

	tracker := replica.NewTracker(c, nil)
	var wins, locked atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		number := i % 2
		g.Go(func() error {
			_, err := tracker.BeginWrite(ctx, "/z/f", number)
			switch {
			case err == nil:
				wins.Add(1)
			case resource.IsCode(err, resource.ErrReplicaLocked):
				locked.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), locked.Load())

	got, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	intermediate := 0
	for _, r := range got {
		if r.State == replica.StateIntermediate {
			intermediate++
		}
	}
	assert.Equal(t, 1, intermediate)
}

func (suite *CatalogTestSuite) seedReplicas(t *testing.T, c catalog.Catalog, logicalPath string, hiers ...string) []replica.Replica {
	t.Helper()
	seed := make([]replica.Replica, len(hiers))
	for i, h := range hiers {
		seed[i] = replica.Replica{Number: i, LogicalPath: logicalPath, Hierarchy: h, State: replica.StateGood}
	}
	require.NoError(t, c.UpdateReplicas(context.Background(), logicalPath, func([]replica.Replica) ([]replica.Replica, error) {
		return seed, nil
	}))
	return seed
}

func (suite *CatalogTestSuite) TestMoveReplicas_Moves(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()
	suite.seedReplicas(t, c, "/z/f", "a", "b")

	tracker := replica.NewTracker(c, nil)
	require.NoError(t, tracker.Rename(ctx, "/z/f", "/z/g", nil))

	moved, err := c.Replicas(ctx, "/z/g")
	require.NoError(t, err)
	require.Len(t, moved, 2)
	assert.Equal(t, "/z/g", moved[0].LogicalPath)

	old, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	assert.Empty(t, old)

	err = c.MoveReplicas(ctx, "/z/g", "/z/g", func(from, to []replica.Replica) ([]replica.Replica, []replica.Replica, error) {
		return from, to, nil
	})
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument), "got %v", err)
}

func (suite *CatalogTestSuite) TestMoveReplicas_ErrorAborts(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()
	from := suite.seedReplicas(t, c, "/z/f", "a")
	to := suite.seedReplicas(t, c, "/z/g", "b")

	boom := resource.NewError(resource.ErrInvalidArgument, "boom")
	err := c.MoveReplicas(ctx, "/z/f", "/z/g", func([]replica.Replica, []replica.Replica) ([]replica.Replica, []replica.Replica, error) {
		return nil, nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	assert.Equal(t, from, got)
	got, err = c.Replicas(ctx, "/z/g")
	require.NoError(t, err)
	assert.Equal(t, to, got)
}

// TestMoveReplicas_FailedRenameKeepsConcurrentAdds races renames onto an
// occupied destination with replicas added to the source. Every add must
// survive.
func (suite *CatalogTestSuite) TestMoveReplicas_FailedRenameKeepsConcurrentAdds(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()
	suite.seedReplicas(t, c, "/z/f", "a")
	suite.seedReplicas(t, c, "/z/g", "b")

	tracker := replica.NewTracker(c, nil)
	const adds = 8
	var g errgroup.Group
	for i := 0; i < adds; i++ {
		g.Go(func() error {
			err := tracker.Rename(ctx, "/z/f", "/z/g", nil)
			if !resource.IsCode(err, resource.ErrInvalidArgument) {
				return fmt.Errorf("rename onto occupied path: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			_, err := tracker.AddReplica(ctx, "/z/f", replica.Replica{Hierarchy: fmt.Sprintf("add%d", i), State: replica.StateGood})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	assert.Len(t, got, adds+1)
}

func (suite *CatalogTestSuite) TestCheckPermission_Inherited(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.GrantPermission(ctx, "alice", "/zone/home/alice", catalog.PermOwn))
	require.NoError(t, c.GrantPermission(ctx, "bob", "/zone/home/alice/shared", catalog.PermRead))

	assert.NoError(t, c.CheckPermission(ctx, "alice", "/zone/home/alice/deep/file", catalog.PermWrite))
	assert.NoError(t, c.CheckPermission(ctx, "bob", "/zone/home/alice/shared/x", catalog.PermRead))

	err := c.CheckPermission(ctx, "bob", "/zone/home/alice/shared/x", catalog.PermWrite)
	assert.True(t, resource.IsCode(err, resource.ErrPermissionDenied), "got %v", err)
	err = c.CheckPermission(ctx, "bob", "/zone/home/alice/private", catalog.PermRead)
	assert.True(t, resource.IsCode(err, resource.ErrPermissionDenied))
}

func (suite *CatalogTestSuite) TestCheckPermission_Revoked(t *testing.T) {
	c := suite.newCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.GrantPermission(ctx, "carol", "/z/f", catalog.PermWrite))
	require.NoError(t, c.CheckPermission(ctx, "carol", "/z/f", catalog.PermRead))
	require.NoError(t, c.GrantPermission(ctx, "carol", "/z/f", catalog.PermNone))

	err := c.CheckPermission(ctx, "carol", "/z/f", catalog.PermRead)
	assert.True(t, resource.IsCode(err, resource.ErrPermissionDenied))
}
