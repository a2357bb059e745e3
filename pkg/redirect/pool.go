package redirect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/internal/ratelimiter"
	"github.com/marmos91/stratafs/pkg/metrics"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// DefaultMaxIdlePerHost is the number of idle connections kept per peer.
const DefaultMaxIdlePerHost = 4

// Envelope is a request forwarded verbatim to a peer server.
type Envelope struct {
	// ID tags the forwarded request for correlation in both servers' logs
	ID string

	// Session is the id of the client session the request belongs to
	Session string

	User      string
	Operation string
	Object    plugin.Object
	Request   plugin.Request
}

// Conn is a connection to a peer server. The wire encoding belongs to the
// implementation.
type Conn interface {
	Do(ctx context.Context, env *Envelope) (*plugin.Result, error)
	Close() error
}

// Dialer opens connections to peers.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }

// PoolConfig configures a Pool.
type PoolConfig struct {
	Dialer    Dialer
	Directory HostDirectory

	// MaxIdlePerHost defaults to DefaultMaxIdlePerHost
	MaxIdlePerHost int

	// RequestsPerSecond and Burst throttle forwards per host. Zero disables
	// throttling.
	RequestsPerSecond uint
	Burst             uint

	Metrics metrics.RedirectMetrics
}

// Pool forwards requests to peers, reusing one connection per in-flight
// request and keeping a few idle ones per host.
//
// A connection whose request fails is closed and never returned to the
// pool. Failures are not retried.
//
// Thread safety:
// Safe for concurrent use.
type Pool struct {
	dialer    Dialer
	directory HostDirectory
	limiter   *ratelimiter.Keyed
	maxIdle   int
	metrics   metrics.RedirectMetrics

	mu     sync.Mutex
	idle   map[string][]Conn
	closed bool
}

// NewPool creates a pool.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		dialer:    cfg.Dialer,
		directory: cfg.Directory,
		limiter:   ratelimiter.NewKeyed(cfg.RequestsPerSecond, cfg.Burst),
		maxIdle:   cfg.MaxIdlePerHost,
		metrics:   cfg.Metrics,
		idle:      make(map[string][]Conn),
	}
	if p.maxIdle <= 0 {
		p.maxIdle = DefaultMaxIdlePerHost
	}
	if p.directory == nil {
		p.directory = NewStaticDirectory(StaticDirectoryConfig{})
	}
	if p.metrics == nil {
		p.metrics = metrics.NewNoopRedirectMetrics()
	}
	return p
}

// Forward sends env to the server of host and returns its result.
//
// env.ID is assigned when empty. Connection and transport failures are
// reported as ErrRedirection. An error the peer itself reports as a
// ResourceError keeps its code.
func (p *Pool) Forward(ctx context.Context, host string, env *Envelope) (*plugin.Result, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	start := time.Now()

	result, err := p.forward(ctx, host, env)
	p.metrics.RecordForward(host, time.Since(start), err)
	if err != nil {
		logger.Warn("Forward %s to %s failed (request %s): %v", env.Operation, host, env.ID, err)
		return nil, err
	}
	logger.Debug("Forwarded %s to %s (request %s)", env.Operation, host, env.ID)
	return result, nil
}

func (p *Pool) forward(ctx context.Context, host string, env *Envelope) (*plugin.Result, error) {
	if p.dialer == nil {
		return nil, forwardError(host, env, errors.New("no peer dialer configured"))
	}
	if err := p.limiter.Wait(ctx, host); err != nil {
		return nil, forwardError(host, env, err)
	}

	conn, err := p.get(ctx, host)
	if err != nil {
		return nil, forwardError(host, env, err)
	}

	result, err := conn.Do(ctx, env)
	if err != nil {
		var re *resource.ResourceError
		if errors.As(err, &re) && re.Code != resource.ErrRedirection {
			// The peer answered, the connection is still usable.
			p.put(host, conn)
			return nil, err
		}
		if cerr := conn.Close(); cerr != nil {
			logger.Debug("Closing broken connection to %s: %v", host, cerr)
		}
		return nil, forwardError(host, env, err)
	}

	p.put(host, conn)
	return result, nil
}

func (p *Pool) get(ctx context.Context, host string) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("connection pool is closed")
	}
	if conns := p.idle[host]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		p.idle[host] = conns[:len(conns)-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	addr, err := p.directory.Address(ctx, host)
	if err != nil {
		return nil, err
	}
	logger.Debug("Dialing %s for host %s", addr, host)
	return p.dialer.Dial(ctx, addr)
}

func (p *Pool) put(host string, conn Conn) {
	p.mu.Lock()
	if !p.closed && len(p.idle[host]) < p.maxIdle {
		p.idle[host] = append(p.idle[host], conn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = conn.Close()
}

// Idle returns the number of idle connections to host.
func (p *Pool) Idle(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[host])
}

// Close closes every idle connection. Forward fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]Conn)
	p.closed = true
	p.mu.Unlock()

	var result *multierror.Error
	for host, conns := range idle {
		for _, c := range conns {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close connection to %s: %w", host, err))
			}
		}
	}
	return result.ErrorOrNil()
}

func forwardError(host string, env *Envelope, cause error) error {
	re := &resource.ResourceError{
		Code:      resource.ErrRedirection,
		Message:   "forward to " + host + " failed",
		Operation: env.Operation,
		Err:       cause,
	}
	if env.Object != nil {
		re.Path = env.Object.LogicalPath()
		re.Hierarchy = env.Object.Hierarchy()
	}
	return re
}
