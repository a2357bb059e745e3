package memory

import (
	"context"
	"testing"

	"github.com/marmos91/stratafs/pkg/catalog"
	catalogtesting "github.com/marmos91/stratafs/pkg/catalog/testing"
	"github.com/stretchr/testify/assert"
)

func TestMemoryCatalog(t *testing.T) {
	suite := &catalogtesting.CatalogTestSuite{
		NewCatalog: func() catalog.Catalog { return New() },
	}
	suite.Run(t)
}

func TestClosedCatalog(t *testing.T) {
	c := New()
	assert.NoError(t, c.Close())
	assert.Error(t, c.Close())
	assert.Error(t, c.Healthcheck(context.Background()))

	_, err := c.Resources(context.Background())
	assert.Error(t, err)
}
