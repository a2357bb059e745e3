package prometheus

import (
	"time"

	"github.com/marmos91/stratafs/pkg/metrics"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// statusOf maps an operation error to a low-cardinality label value.
func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := resource.CodeOf(err); ok {
		return code.String()
	}
	return "error"
}

// loaderMetrics is the Prometheus implementation of metrics.LoaderMetrics.
type loaderMetrics struct {
	loads *prometheus.CounterVec
}

// NewLoaderMetrics creates a Prometheus-backed LoaderMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled.
func NewLoaderMetrics() metrics.LoaderMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopLoaderMetrics()
	}

	reg := metrics.GetRegistry()
	return &loaderMetrics{
		loads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratafs_plugin_loads_total",
				Help: "Plugin load attempts by plugin type and result",
			},
			[]string{"type", "result"},
		),
	}
}

func (m *loaderMetrics) RecordLoad(pluginType, result string) {
	m.loads.WithLabelValues(pluginType, result).Inc()
}

// dispatchMetrics is the Prometheus implementation of metrics.DispatchMetrics.
type dispatchMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
}

// NewDispatchMetrics creates a Prometheus-backed DispatchMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled.
func NewDispatchMetrics() metrics.DispatchMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopDispatchMetrics()
	}

	reg := metrics.GetRegistry()
	return &dispatchMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratafs_dispatch_operations_total",
				Help: "Resource operations by operation, location and status",
			},
			[]string{"operation", "location", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "stratafs_dispatch_duration_milliseconds",
				Help: "Duration of resource operations in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"operation", "location"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratafs_dispatch_bytes_total",
				Help: "Bytes moved by read and write operations",
			},
			[]string{"direction"},
		),
	}
}

func (m *dispatchMetrics) RecordOperation(operation, location string, duration time.Duration, err error) {
	m.operations.WithLabelValues(operation, location, statusOf(err)).Inc()
	m.duration.WithLabelValues(operation, location).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *dispatchMetrics) RecordBytes(direction string, bytes int64) {
	if bytes > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// redirectMetrics is the Prometheus implementation of metrics.RedirectMetrics.
type redirectMetrics struct {
	resolutions *prometheus.CounterVec
	forwards    *prometheus.CounterVec
	forwardTime *prometheus.HistogramVec
}

// NewRedirectMetrics creates a Prometheus-backed RedirectMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled.
func NewRedirectMetrics() metrics.RedirectMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRedirectMetrics()
	}

	reg := metrics.GetRegistry()
	return &redirectMetrics{
		resolutions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratafs_redirect_resolutions_total",
				Help: "Host resolutions by outcome",
			},
			[]string{"outcome"},
		),
		forwards: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratafs_redirect_forwards_total",
				Help: "Operations forwarded to remote servers",
			},
			[]string{"host", "status"},
		),
		forwardTime: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratafs_redirect_forward_duration_seconds",
				Help:    "Duration of forwarded operations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"host"},
		),
	}
}

func (m *redirectMetrics) RecordResolution(outcome string) {
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *redirectMetrics) RecordForward(host string, duration time.Duration, err error) {
	m.forwards.WithLabelValues(host, statusOf(err)).Inc()
	m.forwardTime.WithLabelValues(host).Observe(duration.Seconds())
}

// replicaMetrics is the Prometheus implementation of metrics.ReplicaMetrics.
type replicaMetrics struct {
	transitions *prometheus.CounterVec
}

// NewReplicaMetrics creates a Prometheus-backed ReplicaMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled.
func NewReplicaMetrics() metrics.ReplicaMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopReplicaMetrics()
	}

	reg := metrics.GetRegistry()
	return &replicaMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratafs_replica_transitions_total",
				Help: "Replica state machine transitions",
			},
			[]string{"transition"},
		),
	}
}

func (m *replicaMetrics) RecordTransition(transition string) {
	m.transitions.WithLabelValues(transition).Inc()
}
