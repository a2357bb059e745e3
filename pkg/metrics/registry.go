// Package metrics provides Prometheus metrics collection for StrataFS components.
//
// All metrics are optional - if not initialized, components use no-op implementations
// that have zero overhead.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	loaderMetrics := prometheus.NewLoaderMetrics()
//
//	// Or use nil for no-op behavior
//	loader := plugin.NewLoader(opener, nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all StrataFS metrics
	// Protected by registryOnce for write-once, read-many pattern
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// Safe to call multiple times - subsequent calls are ignored. If never called,
// GetRegistry returns nil and all metrics constructors return no-op
// implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
func IsEnabled() bool {
	return GetRegistry() != nil
}
