package passthru_test

import (
	"context"
	"testing"

	"github.com/marmos91/stratafs/pkg/backend/memory"
	"github.com/marmos91/stratafs/pkg/backend/passthru"
	backendtesting "github.com/marmos91/stratafs/pkg/backend/testing"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPassthru(t *testing.T, rescContext string) *plugin.Instance {
	pt := backendtesting.Load(t, passthru.Type, "pt", rescContext)
	pt.SetChildren([]plugin.Child{{Instance: backendtesting.Load(t, memory.Type, "leaf", "")}})
	return pt
}

func TestWeights(t *testing.T) {
	tests := []struct {
		name    string
		context string
		op      string
		want    float64
	}{
		{name: "Default", op: plugin.OpCreate, want: 1.0},
		{name: "WriteWeight", context: "write_weight=0.25", op: plugin.OpCreate, want: 0.25},
		{name: "ReadWeightIgnoredOnWrite", context: "read_weight=3", op: plugin.OpWrite, want: 1.0},
		{name: "ReadWeight", context: "read_weight=2;write_weight=0.1", op: plugin.OpOpen, want: 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt := newPassthru(t, tt.context)
			res, err := pt.Invoke(context.Background(), plugin.OpResolveHierarchy, backendtesting.Object("/f", ""), &plugin.Request{
				Operation: tt.op,
				Hierarchy: "root",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Vote)
			assert.Equal(t, "root;pt;leaf", res.Hierarchy)
		})
	}
}

func TestDownPassthruDoesNotVote(t *testing.T) {
	pt := newPassthru(t, "")
	pt.Properties().Set(resource.PropStatus, string(resource.StatusDown))
	res, err := pt.Invoke(context.Background(), plugin.OpResolveHierarchy, backendtesting.Object("/f", ""), &plugin.Request{Operation: plugin.OpCreate})
	require.NoError(t, err)
	assert.Zero(t, res.Vote)
}

func TestNeedsExactlyOneChild(t *testing.T) {
	pt := backendtesting.Load(t, passthru.Type, "lonely", "")
	_, err := pt.Invoke(context.Background(), plugin.OpStart, nil, nil)
	assert.True(t, resource.IsCode(err, resource.ErrHierarchy))

	_, err = newPassthru(t, "").Invoke(context.Background(), plugin.OpStart, nil, nil)
	assert.NoError(t, err)
}

func TestNegativeWeightFailsFactory(t *testing.T) {
	assert.Nil(t, passthru.Factory("pt", "write_weight=-1"))
}

func TestFreeSpaceForwards(t *testing.T) {
	res, err := newPassthru(t, "").Invoke(context.Background(), plugin.OpFreeSpace, nil, nil)
	require.NoError(t, err)
	assert.Greater(t, res.FreeSpace, int64(0))
}
