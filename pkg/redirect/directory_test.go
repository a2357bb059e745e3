package redirect

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(StaticDirectoryConfig{
		Hosts: map[string]string{
			"Server2": "10.0.0.2",
			"server3": "10.0.0.3:2000",
		},
	})
	ctx := context.Background()

	tests := []struct {
		host string
		want string
	}{
		{"server2", "10.0.0.2:1247"},
		{"server3", "10.0.0.3:2000"},
		{"other", "other:1247"},
	}
	for _, tt := range tests {
		addr, err := d.Address(ctx, tt.host)
		require.NoError(t, err)
		assert.Equal(t, tt.want, addr)
	}

	_, err := d.Address(ctx, " ")
	assert.True(t, resource.IsCode(err, resource.ErrRedirection))
}

type fakeKV struct {
	values map[string]string
	err    error
	keys   []string
}

func (f *fakeKV) Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, nil, f.err
	}
	v, ok := f.values[key]
	if !ok {
		return nil, &api.QueryMeta{}, nil
	}
	return &api.KVPair{Key: key, Value: []byte(v)}, &api.QueryMeta{}, nil
}

func TestConsulDirectory(t *testing.T) {
	kv := &fakeKV{values: map[string]string{
		"stratafs/servers/server2": "10.0.0.2\n",
		"stratafs/servers/server3": "10.0.0.3:4000",
	}}
	d := newConsulDirectory(kv, ConsulDirectoryConfig{})
	ctx := context.Background()

	addr, err := d.Address(ctx, "SERVER2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1247", addr)
	assert.Equal(t, "stratafs/servers/server2", kv.keys[0])

	addr, err = d.Address(ctx, "server3")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3:4000", addr)

	_, err = d.Address(ctx, "unregistered")
	assert.True(t, resource.IsCode(err, resource.ErrRedirection))

	kv.err = errors.New("agent unreachable")
	_, err = d.Address(ctx, "server2")
	assert.True(t, resource.IsCode(err, resource.ErrRedirection))
}

func TestConsulDirectory_Prefix(t *testing.T) {
	kv := &fakeKV{values: map[string]string{"dc1/peers/server2": "peer2"}}
	d := newConsulDirectory(kv, ConsulDirectoryConfig{Prefix: "/dc1/peers", Port: 9000})

	addr, err := d.Address(context.Background(), "server2")
	require.NoError(t, err)
	assert.Equal(t, "peer2:9000", addr)
}

func TestNewDirectory(t *testing.T) {
	d, err := NewDirectory("static", map[string]any{
		"hosts": map[string]any{"server2": "10.0.0.2"},
		"port":  5000,
	})
	require.NoError(t, err)
	addr, err := d.Address(context.Background(), "server2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:5000", addr)

	d, err = NewDirectory("", nil)
	require.NoError(t, err)
	assert.IsType(t, &StaticDirectory{}, d)

	d, err = NewDirectory("consul", map[string]any{"address": "127.0.0.1:8500"})
	require.NoError(t, err)
	assert.IsType(t, &ConsulDirectory{}, d)

	_, err = NewDirectory("etcd", nil)
	assert.Error(t, err)

	_, err = NewDirectory("static", map[string]any{"port": "not a port"})
	assert.Error(t, err)
}
