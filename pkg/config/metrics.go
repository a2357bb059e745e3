package config

import (
	"github.com/marmos91/stratafs/pkg/metrics"
	promMetrics "github.com/marmos91/stratafs/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
//
// The collectors are never nil: no-op implementations are used when metrics
// are disabled.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	Loader   metrics.LoaderMetrics
	Dispatch metrics.DispatchMetrics
	Redirect metrics.RedirectMetrics
	Replica  metrics.ReplicaMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Loader:   metrics.NewNoopLoaderMetrics(),
			Dispatch: metrics.NewNoopDispatchMetrics(),
			Redirect: metrics.NewNoopRedirectMetrics(),
			Replica:  metrics.NewNoopReplicaMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:   server,
		Loader:   promMetrics.NewLoaderMetrics(),
		Dispatch: promMetrics.NewDispatchMetrics(),
		Redirect: promMetrics.NewRedirectMetrics(),
		Replica:  promMetrics.NewReplicaMetrics(),
	}
}
