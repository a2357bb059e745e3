package badger

import (
	"context"
	"testing"

	"github.com/marmos91/stratafs/pkg/catalog"
	catalogtesting "github.com/marmos91/stratafs/pkg/catalog/testing"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerCatalog(t *testing.T) {
	suite := &catalogtesting.CatalogTestSuite{
		NewCatalog: func() catalog.Catalog {
			c, err := New(context.Background(), Config{DBPath: t.TempDir()})
			require.NoError(t, err)
			return c
		},
	}
	suite.Run(t)
}

func TestBadgerCatalog_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := New(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	require.NoError(t, c.PutResource(ctx, &resource.Descriptor{Name: "demoResc", Type: "unixfilesystem", Host: "h1"}))
	require.NoError(t, c.UpdateReplicas(ctx, "/z/f", func([]replica.Replica) ([]replica.Replica, error) {
		return []replica.Replica{{Number: 0, Hierarchy: "demoResc", State: replica.StateGood}}, nil
	}))
	require.NoError(t, c.Close())

	c, err = New(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	defer c.Close()

	d, err := c.ResourceByName(ctx, "demoResc")
	require.NoError(t, err)
	assert.Equal(t, "h1", d.Host)

	replicas, err := c.Replicas(ctx, "/z/f")
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, replica.StateGood, replicas[0].State)
}

func TestBadgerCatalog_RequiresPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
