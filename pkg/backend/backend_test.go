package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtend(t *testing.T) {
	assert.Equal(t, "a", Extend("", "a"))
	assert.Equal(t, "a;b", Extend("a", "b"))
}

func tree() (root, mid, leaf *plugin.Instance) {
	root = plugin.NewInstance("t", "root", "", nil)
	mid = plugin.NewInstance("t", "mid", "", nil)
	leaf = plugin.NewInstance("t", "leaf", "", nil)
	root.SetChildren([]plugin.Child{{Instance: mid}})
	mid.SetChildren([]plugin.Child{{Instance: leaf}})
	return root, mid, leaf
}

func TestDescend(t *testing.T) {
	root, mid, leaf := tree()

	got, err := Descend(root, "root;mid;leaf")
	require.NoError(t, err)
	assert.Same(t, leaf, got)

	got, err = Descend(mid, "root;mid;leaf")
	require.NoError(t, err)
	assert.Same(t, leaf, got)

	_, err = Descend(root, "root;other")
	assert.True(t, resource.IsCode(err, resource.ErrHierarchy))

	_, err = Descend(leaf, "root;mid")
	assert.True(t, resource.IsCode(err, resource.ErrHierarchy))
}

func TestParentAndNext(t *testing.T) {
	root, mid, leaf := tree()
	obj := &plugin.SimpleObject{Hier: "root;mid;leaf"}

	assert.Equal(t, "", ParentHierarchy(obj, root))
	assert.Equal(t, "root", ParentHierarchy(obj, mid))
	assert.Equal(t, "root;mid", ParentHierarchy(obj, leaf))
	assert.Equal(t, "", ParentHierarchy(&plugin.SimpleObject{}, mid))

	next, err := NextInHierarchy(obj, root)
	require.NoError(t, err)
	assert.Same(t, mid, next)

	_, err = NextInHierarchy(obj, leaf)
	assert.True(t, resource.IsCode(err, resource.ErrHierarchy))
}

func TestPhysicalPath(t *testing.T) {
	inst := plugin.NewInstance("t", "r", "", nil)
	inst.Properties().Set(resource.PropVaultPath, "/vault")

	assert.Equal(t, "/vault/zone/home/f", PhysicalPath(inst, &plugin.SimpleObject{Logical: "/zone/home/f"}))
	assert.Equal(t, "/vault/zone/f", PhysicalPath(inst, &plugin.SimpleObject{Logical: "zone/../zone/f"}))
	assert.Equal(t, "/elsewhere", PhysicalPath(inst, &plugin.SimpleObject{Logical: "/x", Physical: "/elsewhere"}))
	assert.Equal(t, "/vault", PhysicalPath(inst, nil))
}

func TestDecodeContext(t *testing.T) {
	var out struct {
		Bucket  string  `mapstructure:"bucket"`
		Retries int     `mapstructure:"max_retries"`
		Weight  float64 `mapstructure:"weight"`
		Fsync   bool    `mapstructure:"fsync"`
	}
	inst := plugin.NewInstance("t", "r", "bucket=b;max_retries=3;weight=0.5;fsync=true;unknown=x", nil)
	require.NoError(t, DecodeContext(inst, &out))
	assert.Equal(t, "b", out.Bucket)
	assert.Equal(t, 3, out.Retries)
	assert.Equal(t, 0.5, out.Weight)
	assert.True(t, out.Fsync)

	err := DecodeContextString("r", "max_retries=three", &out)
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument))

	err = DecodeContextString("r", "novalue", &out)
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument))
}

func TestCondition(t *testing.T) {
	inst := plugin.NewInstance("t", "r", "policy=from_context;w=2", nil)

	assert.Equal(t, "from_context", Condition(inst, nil, "policy", "def"))
	assert.Equal(t, "from_request", Condition(inst, &plugin.Request{Conditions: map[string]string{"policy": "from_request"}}, "policy", "def"))
	assert.Equal(t, "def", Condition(inst, nil, "missing", "def"))
	assert.Equal(t, 2.0, FloatCondition(inst, nil, "w", 1))
	assert.Equal(t, 1.0, FloatCondition(inst, &plugin.Request{Conditions: map[string]string{"w": "x"}}, "w", 1))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code resource.ErrorCode
	}{
		{&fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, resource.ErrNotFound},
		{fmt.Errorf("wrapped: %w", fs.ErrPermission), resource.ErrPermissionDenied},
		{fs.ErrExist, resource.ErrInvalidArgument},
		{errors.New("disk on fire"), resource.ErrPlugin},
		{resource.NewError(resource.ErrReplicaLocked, "locked"), resource.ErrReplicaLocked},
	}
	for _, tt := range tests {
		err := MapError(tt.err, "op", "/p")
		assert.True(t, resource.IsCode(err, tt.code), "%v → %v", tt.err, err)
	}
	assert.NoError(t, MapError(nil, "op", "/p"))
}

func TestDescriptors(t *testing.T) {
	d := NewDescriptors[string]()
	a := d.Add("a")
	b := d.Add("b")
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, a, 3)

	v, err := d.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	c := d.Add("c")
	assert.Equal(t, []int{a, b, c}, d.Keys())

	_, err = d.Remove(a)
	require.NoError(t, err)
	_, err = d.Get(a)
	assert.True(t, resource.IsCode(err, resource.ErrInvalidArgument))
	assert.Equal(t, []int{b, c}, d.Keys())

	_, err = d.Remove(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, d.Drain())
	assert.Zero(t, d.Len())
}

func TestLeafVoteReplicaRules(t *testing.T) {
	inst := plugin.NewInstance("t", "leaf", "", nil)
	replicas := []plugin.ReplicaRef{{Hierarchy: "root;leaf", Good: false}}

	vote, hier := LeafVote(inst, &plugin.Request{Operation: plugin.OpCreate, Hierarchy: "root", Replicas: replicas})
	assert.Equal(t, VoteLocal, vote, "create ignores existing replicas")
	assert.Equal(t, "root;leaf", hier)

	vote, _ = LeafVote(inst, &plugin.Request{Operation: plugin.OpOpen, Hierarchy: "root", Replicas: replicas})
	assert.Equal(t, VoteNone, vote)
}
