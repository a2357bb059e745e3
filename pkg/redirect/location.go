// Package redirect decides where a request must run and forwards it when that
// is another server.
//
// A hierarchy is served by the host its storage leaf is bound to. The Locator
// maps a hierarchy or a raw host to Local or Remote, the Resolver picks the
// hierarchy a new or reopened object should use by asking the roots of the
// resource tree to vote, and the Pool carries forwarded requests to peers.
package redirect

import (
	"context"
	"fmt"
	"strings"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/metrics"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Kind tells whether a request runs here or on a peer.
type Kind int

const (
	Local Kind = iota
	Remote
)

func (k Kind) String() string {
	if k == Remote {
		return "remote"
	}
	return "local"
}

// Location is the outcome of locating a hierarchy or host.
type Location struct {
	Kind Kind

	// Host is the remote host name, empty for Local
	Host string
}

// IsLocal reports whether the request continues in process.
func (l Location) IsLocal() bool { return l.Kind == Local }

func (l Location) String() string {
	if l.Kind == Remote {
		return "remote(" + l.Host + ")"
	}
	return "local"
}

// Registry is the part of the resource registry the redirection layer
// consults.
type Registry interface {
	ResolveByName(ctx context.Context, name string) (*plugin.Instance, error)
	ValidateHierarchy(h hierarchy.Handle) error
	RootResources() []string
	HierarchyOf(name string) (hierarchy.Handle, error)
}

// Locator maps hierarchies and hosts to a Location.
type Locator struct {
	registry Registry
	hosts    *HostMatcher
	metrics  metrics.RedirectMetrics
}

// NewLocator creates a locator. A nil metrics uses the no-op implementation.
func NewLocator(registry Registry, hosts *HostMatcher, m metrics.RedirectMetrics) *Locator {
	if m == nil {
		m = metrics.NewNoopRedirectMetrics()
	}
	return &Locator{registry: registry, hosts: hosts, metrics: m}
}

// Hosts returns the host matcher.
func (l *Locator) Hosts() *HostMatcher { return l.hosts }

// Locate accepts either a hierarchy string or a raw host address. A string
// containing the hierarchy delimiter, or naming a root resource, is treated
// as a hierarchy.
func (l *Locator) Locate(ctx context.Context, target string) (Location, error) {
	if strings.Contains(target, hierarchy.Delimiter) || l.isRoot(target) {
		return l.LocateHierarchy(ctx, target)
	}
	return l.LocateHost(ctx, target)
}

func (l *Locator) isRoot(name string) bool {
	for _, r := range l.registry.RootResources() {
		if r == name {
			return true
		}
	}
	return false
}

// LocateHierarchy locates the host bound to the storage leaf of hier.
//
// Every failure is reported as ErrRedirection with the cause attached.
func (l *Locator) LocateHierarchy(ctx context.Context, hier string) (Location, error) {
	loc, err := l.locateHierarchy(ctx, hier)
	l.record(loc, err)
	return loc, err
}

func (l *Locator) locateHierarchy(ctx context.Context, hier string) (Location, error) {
	h, err := hierarchy.Parse(hier)
	if err != nil {
		return Location{}, redirectionError(hier, "", err)
	}
	if err := l.registry.ValidateHierarchy(h); err != nil {
		return Location{}, redirectionError(hier, "", err)
	}

	leaf, err := l.registry.ResolveByName(ctx, h.Last())
	if err != nil {
		return Location{}, redirectionError(hier, "", err)
	}

	host := leaf.Properties().Host()
	if host == "" {
		return Location{Kind: Local}, nil
	}
	return l.locateHost(ctx, host, hier)
}

// LocateHost locates a raw host address.
func (l *Locator) LocateHost(ctx context.Context, host string) (Location, error) {
	loc, err := l.locateHost(ctx, host, "")
	l.record(loc, err)
	return loc, err
}

func (l *Locator) locateHost(ctx context.Context, host, hier string) (Location, error) {
	local, err := l.hosts.IsLocal(ctx, host)
	if err != nil {
		return Location{}, redirectionError(hier, host, err)
	}
	if local {
		return Location{Kind: Local}, nil
	}
	return Location{Kind: Remote, Host: normalizeHost(host)}, nil
}

func (l *Locator) record(loc Location, err error) {
	if err != nil {
		l.metrics.RecordResolution("error")
		return
	}
	l.metrics.RecordResolution(loc.Kind.String())
	logger.Debug("Located request: %s", loc)
}

func redirectionError(hier, host string, cause error) error {
	msg := "cannot locate hierarchy"
	if hier == "" {
		msg = fmt.Sprintf("cannot locate host %q", host)
	} else if host != "" {
		msg = fmt.Sprintf("cannot locate host %q of hierarchy", host)
	}
	return &resource.ResourceError{
		Code:      resource.ErrRedirection,
		Message:   msg,
		Hierarchy: hier,
		Err:       cause,
	}
}
