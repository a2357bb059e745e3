package redirect

import (
	"testing"

	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorTable(t *testing.T) {
	tbl := NewDescriptorTable()

	local := tbl.Add(Entry{Local: "state"})
	remote := tbl.Add(Entry{Host: "server2", Remote: 17})
	assert.Equal(t, 3, local)
	assert.Equal(t, 4, remote)
	assert.Equal(t, 2, tbl.Len())

	host, fd, err := tbl.Translate(remote)
	require.NoError(t, err)
	assert.Equal(t, "server2", host)
	assert.Equal(t, 17, fd)

	host, fd, err = tbl.Translate(local)
	require.NoError(t, err)
	assert.Empty(t, host)
	assert.Equal(t, local, fd)

	e, err := tbl.Get(local)
	require.NoError(t, err)
	assert.False(t, e.IsRemote())
	assert.Equal(t, "state", e.Local)

	assert.Equal(t, []int{3, 4}, tbl.Keys())

	_, err = tbl.Remove(local)
	require.NoError(t, err)
	_, err = tbl.Remove(local)
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument))
	_, _, err = tbl.Translate(99)
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument))

	assert.Equal(t, 5, tbl.Add(Entry{}), "descriptors are never reused")
	assert.Equal(t, []int{4, 5}, tbl.Keys())
}
