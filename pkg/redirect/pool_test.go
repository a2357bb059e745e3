package redirect

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	addr   string
	do     func(env *Envelope) (*plugin.Result, error)
	closed bool
}

func (c *fakeConn) Do(ctx context.Context, env *Envelope) (*plugin.Result, error) {
	return c.do(env)
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	do    func(env *Envelope) (*plugin.Result, error)
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{addr: addr, do: d.do}
	d.conns = append(d.conns, c)
	return c, nil
}

func envelope(op string) *Envelope {
	return &Envelope{Operation: op, Object: fco.NewDataObject("/tempZone/f", "remote")}
}

func TestPool_ForwardReusesConnections(t *testing.T) {
	var ids []string
	dialer := &fakeDialer{do: func(env *Envelope) (*plugin.Result, error) {
		ids = append(ids, env.ID)
		return &plugin.Result{N: len(env.Request.Data)}, nil
	}}
	p := NewPool(PoolConfig{Dialer: dialer})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env := envelope(plugin.OpWrite)
		env.Request.Data = []byte("abc")
		res, err := p.Forward(ctx, "server2", env)
		require.NoError(t, err)
		assert.Equal(t, 3, res.N)
	}

	require.Len(t, dialer.conns, 1, "idle connection is reused")
	assert.Equal(t, "server2:1247", dialer.conns[0].addr)
	assert.Equal(t, 1, p.Idle("server2"))

	require.Len(t, ids, 3)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1], "every forward gets its own request id")

	env := envelope(plugin.OpStat)
	env.ID = "fixed"
	_, err := p.Forward(ctx, "server2", env)
	require.NoError(t, err)
	assert.Equal(t, "fixed", ids[3])
}

func TestPool_BrokenConnectionIsDiscarded(t *testing.T) {
	fail := true
	dialer := &fakeDialer{do: func(env *Envelope) (*plugin.Result, error) {
		if fail {
			return nil, errors.New("connection reset by peer")
		}
		return &plugin.Result{}, nil
	}}
	p := NewPool(PoolConfig{Dialer: dialer})
	ctx := context.Background()

	_, err := p.Forward(ctx, "server2", envelope(plugin.OpRead))
	require.Error(t, err)
	assert.True(t, resource.IsCode(err, resource.ErrRedirection))
	var re *resource.ResourceError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "/tempZone/f", re.Path)
	assert.Equal(t, plugin.OpRead, re.Operation)

	require.Len(t, dialer.conns, 1)
	assert.True(t, dialer.conns[0].closed)
	assert.Equal(t, 0, p.Idle("server2"))

	fail = false
	_, err = p.Forward(ctx, "server2", envelope(plugin.OpRead))
	require.NoError(t, err)
	assert.Len(t, dialer.conns, 2, "a fresh connection is dialed")
}

func TestPool_PeerErrorKeepsCode(t *testing.T) {
	dialer := &fakeDialer{do: func(env *Envelope) (*plugin.Result, error) {
		return nil, resource.NewError(resource.ErrReplicaLocked, "replica is being written")
	}}
	p := NewPool(PoolConfig{Dialer: dialer})

	_, err := p.Forward(context.Background(), "server2", envelope(plugin.OpOpen))
	assert.True(t, resource.IsCode(err, resource.ErrReplicaLocked), "got %v", err)
	assert.Equal(t, 1, p.Idle("server2"), "connection survives a peer-reported error")
}

func TestPool_DialFailure(t *testing.T) {
	p := NewPool(PoolConfig{Dialer: &fakeDialer{err: errors.New("connection refused")}})
	_, err := p.Forward(context.Background(), "server2", envelope(plugin.OpOpen))
	assert.True(t, resource.IsCode(err, resource.ErrRedirection))

	_, err = NewPool(PoolConfig{}).Forward(context.Background(), "server2", envelope(plugin.OpOpen))
	assert.True(t, resource.IsCode(err, resource.ErrRedirection), "no dialer")
}

func TestPool_MaxIdleAndClose(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	dialer := &fakeDialer{do: func(env *Envelope) (*plugin.Result, error) {
		started <- struct{}{}
		<-release
		return &plugin.Result{}, nil
	}}
	p := NewPool(PoolConfig{Dialer: dialer, MaxIdlePerHost: 2})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Forward(context.Background(), "server2", envelope(plugin.OpStat))
		}()
	}
	for i := 0; i < 3; i++ {
		<-started
	}
	close(release)
	wg.Wait()

	assert.Len(t, dialer.conns, 3)
	assert.Equal(t, 2, p.Idle("server2"))

	require.NoError(t, p.Close())
	closed := 0
	for _, c := range dialer.conns {
		if c.closed {
			closed++
		}
	}
	assert.Equal(t, 3, closed)

	_, err := p.Forward(context.Background(), "server2", envelope(plugin.OpStat))
	assert.True(t, resource.IsCode(err, resource.ErrRedirection))
}

func TestPool_RateLimitHonorsContext(t *testing.T) {
	dialer := &fakeDialer{do: func(env *Envelope) (*plugin.Result, error) { return &plugin.Result{}, nil }}
	p := NewPool(PoolConfig{Dialer: dialer, RequestsPerSecond: 1, Burst: 1})

	_, err := p.Forward(context.Background(), "server2", envelope(plugin.OpStat))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Forward(ctx, "server2", envelope(plugin.OpStat))
	assert.True(t, resource.IsCode(err, resource.ErrRedirection))

	_, err = p.Forward(context.Background(), "server3", envelope(plugin.OpStat))
	assert.NoError(t, err, "hosts have separate budgets")
}
