package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/catalog"
	"github.com/marmos91/stratafs/pkg/dispatch"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/redirect"
	"github.com/marmos91/stratafs/pkg/registry"
)

// RuntimeOptions supplies collaborators that cannot come from a file.
type RuntimeOptions struct {
	// Dialer connects to peer servers. Without one, operations on remote
	// resources fail with a redirection error.
	Dialer redirect.Dialer

	// HostResolver overrides DNS lookups of resource hosts
	HostResolver redirect.HostResolver

	// Metrics defaults to InitializeMetrics(cfg)
	Metrics *MetricsResult
}

// Runtime is the set of wired components a server runs on.
type Runtime struct {
	Config     *Config
	Catalog    catalog.Catalog
	Loader     *plugin.Loader
	Registry   *registry.Registry
	Hosts      *redirect.HostMatcher
	Locator    *redirect.Locator
	Resolver   *redirect.Resolver
	Pool       *redirect.Pool
	Dispatcher *dispatch.Dispatcher
	Metrics    *MetricsResult
}

// NewRuntime builds every component from cfg.
//
// The configured topology is written to the catalog, and the registry is then
// loaded from the catalog so that resources stored by a previous run are kept.
// Plugins are loaded lazily; call Start to instantiate them.
func NewRuntime(ctx context.Context, cfg *Config, opts RuntimeOptions) (rt *Runtime, err error) {
	m := opts.Metrics
	if m == nil {
		m = InitializeMetrics(cfg)
	}

	cat, err := CreateCatalog(ctx, &cfg.Catalog)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = cat.Close()
		}
	}()

	descriptors, err := ResourceDescriptors(cfg)
	if err != nil {
		return nil, err
	}
	if err = SeedCatalog(ctx, cat, descriptors); err != nil {
		return nil, err
	}

	opener := plugin.ChainOpener{plugin.BuiltinOpener{}}
	if cfg.Plugins.SharedObjects {
		opener = append(opener, &plugin.SharedObjectOpener{Home: cfg.Plugins.Home})
	}
	loader := plugin.NewLoader(opener, m.Loader)

	reg := registry.New(loader)
	if err = reg.Reload(ctx, cat); err != nil {
		return nil, err
	}

	hostname := Hostname(&cfg.Server)
	hosts := redirect.NewHostMatcher(redirect.HostMatcherConfig{
		LocalNames: append([]string{hostname}, cfg.Server.LocalHosts...),
		Resolver:   opts.HostResolver,
		TTL:        cfg.Redirect.DNSCacheTTL,
	})
	locator := redirect.NewLocator(reg, hosts, m.Redirect)
	resolver := redirect.NewResolver(reg, cfg.Server.DefaultResource, hostname)

	rt = &Runtime{
		Config:   cfg,
		Catalog:  cat,
		Loader:   loader,
		Registry: reg,
		Hosts:    hosts,
		Locator:  locator,
		Resolver: resolver,
		Metrics:  m,
	}

	dcfg := dispatch.Config{
		Registry:       reg,
		Catalog:        cat,
		Locator:        locator,
		Resolver:       resolver,
		Structured:     fco.NewStructuredCache(loader, cfg.Server.Zone),
		Metrics:        m.Dispatch,
		ReplicaMetrics: m.Replica,
	}

	if opts.Dialer != nil {
		directory, derr := CreateDirectory(&cfg.Redirect.Directory)
		if derr != nil {
			return nil, derr
		}
		rt.Pool = redirect.NewPool(redirect.PoolConfig{
			Dialer:            opts.Dialer,
			Directory:         directory,
			MaxIdlePerHost:    cfg.Redirect.MaxIdlePerHost,
			RequestsPerSecond: cfg.Redirect.ForwardRateLimit.RequestsPerSecond,
			Burst:             cfg.Redirect.ForwardRateLimit.Burst,
			Metrics:           m.Redirect,
		})
		dcfg.Forwarder = rt.Pool
	} else {
		logger.Debug("No peer dialer configured; remote resources are unreachable")
	}

	if rt.Dispatcher, err = dispatch.New(dcfg); err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	logger.Info("Runtime ready: host=%s zone=%s catalog=%s default_resource=%s",
		hostname, cfg.Server.Zone, cfg.Catalog.Type, cfg.Server.DefaultResource)
	return rt, nil
}

// Start loads every plugin and runs the start operation of each resource.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Registry.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate resources: %w", err)
	}
	return r.Registry.StartOperations(ctx)
}

// Close stops every resource and releases the pool and the catalog.
func (r *Runtime) Close(ctx context.Context) error {
	var result *multierror.Error

	if err := r.Registry.StopOperations(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if r.Pool != nil {
		if err := r.Pool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("connection pool: %w", err))
		}
	}
	if err := r.Catalog.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("catalog: %w", err))
	}
	return result.ErrorOrNil()
}
