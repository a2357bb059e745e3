package redirect

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/resource"
)

// DefaultDNSCacheTTL is how long host lookups are cached.
const DefaultDNSCacheTTL = 5 * time.Minute

// HostResolver looks up the addresses of a host name. *net.Resolver
// implements it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type cachedAddrs struct {
	addrs   []string
	expires time.Time
}

// HostMatcher decides whether a host name designates this server.
//
// A host is local when it is one of the configured names, the machine's
// hostname, "localhost", a loopback address, or when it resolves to an
// address one of the local names also resolves to. Lookups are cached for
// the configured TTL.
//
// Thread safety:
// Safe for concurrent use.
type HostMatcher struct {
	names    map[string]struct{}
	resolver HostResolver
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedAddrs
}

// HostMatcherConfig configures a HostMatcher.
type HostMatcherConfig struct {
	// LocalNames are additional names (or addresses) for this server
	LocalNames []string

	// Resolver defaults to net.DefaultResolver
	Resolver HostResolver

	// TTL defaults to DefaultDNSCacheTTL
	TTL time.Duration

	// SkipHostname leaves os.Hostname() out of the local names
	SkipHostname bool
}

// NewHostMatcher creates a matcher.
func NewHostMatcher(cfg HostMatcherConfig) *HostMatcher {
	m := &HostMatcher{
		names:    make(map[string]struct{}),
		resolver: cfg.Resolver,
		ttl:      cfg.TTL,
		now:      time.Now,
		cache:    make(map[string]cachedAddrs),
	}
	if m.resolver == nil {
		m.resolver = net.DefaultResolver
	}
	if m.ttl <= 0 {
		m.ttl = DefaultDNSCacheTTL
	}

	m.names["localhost"] = struct{}{}
	for _, n := range cfg.LocalNames {
		if n = normalizeHost(n); n != "" {
			m.names[n] = struct{}{}
		}
	}
	if !cfg.SkipHostname {
		if hn, err := os.Hostname(); err == nil && hn != "" {
			m.names[normalizeHost(hn)] = struct{}{}
		}
	}
	return m
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// validHost rejects strings that cannot be host names or addresses.
func validHost(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	if net.ParseIP(h) != nil {
		return true
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// IsLocal reports whether host designates this server.
//
// Returns ErrRedirection for a malformed host or one that cannot be
// resolved.
func (m *HostMatcher) IsLocal(ctx context.Context, host string) (bool, error) {
	h := normalizeHost(host)
	if !validHost(h) {
		return false, &resource.ResourceError{
			Code:    resource.ErrRedirection,
			Message: "malformed host address " + strconv.Quote(host),
		}
	}

	if _, ok := m.names[h]; ok {
		return true, nil
	}
	if ip := net.ParseIP(h); ip != nil && ip.IsLoopback() {
		return true, nil
	}

	addrs, err := m.lookup(ctx, h)
	if err != nil {
		return false, &resource.ResourceError{
			Code:    resource.ErrRedirection,
			Message: "unknown host " + h,
			Err:     err,
		}
	}

	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.IsLoopback() {
			return true, nil
		}
	}

	for name := range m.names {
		if name == "localhost" {
			continue
		}
		local, err := m.lookup(ctx, name)
		if err != nil {
			logger.Debug("Cannot resolve local name %s: %v", name, err)
			continue
		}
		if intersects(addrs, local) {
			return true, nil
		}
	}
	return false, nil
}

func (m *HostMatcher) lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	now := m.now()
	m.mu.Lock()
	c, ok := m.cache[host]
	m.mu.Unlock()
	if ok && now.Before(c.expires) {
		return c.addrs, nil
	}

	addrs, err := m.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[host] = cachedAddrs{addrs: addrs, expires: now.Add(m.ttl)}
	m.mu.Unlock()
	return addrs, nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
