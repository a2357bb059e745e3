package metrics

import "time"

// LoaderMetrics observes plugin loading.
type LoaderMetrics interface {
	// RecordLoad records one load attempt.
	//
	// Parameters:
	//   - pluginType: the plugin type tag
	//   - result: "hit", "loaded" or the failure code name
	RecordLoad(pluginType, result string)
}

// DispatchMetrics observes resource operations issued through the dispatcher.
type DispatchMetrics interface {
	// RecordOperation records a completed operation.
	//
	// Parameters:
	//   - operation: resource operation name (e.g. "open", "write")
	//   - location: "local" or "remote"
	//   - duration: time spent in the dispatcher
	//   - err: operation error, nil on success
	RecordOperation(operation, location string, duration time.Duration, err error)

	// RecordBytes records bytes moved by read/write operations.
	RecordBytes(direction string, bytes int64)
}

// RedirectMetrics observes host resolution and remote forwarding.
type RedirectMetrics interface {
	// RecordResolution records the outcome of a locate call ("local", "remote", "error").
	RecordResolution(outcome string)

	// RecordForward records a forwarded operation to host.
	RecordForward(host string, duration time.Duration, err error)
}

// ReplicaMetrics observes replica state transitions.
type ReplicaMetrics interface {
	// RecordTransition records a transition such as "begin_write" or "locked".
	RecordTransition(transition string)
}

type noopLoaderMetrics struct{}

func (noopLoaderMetrics) RecordLoad(string, string) {}

// NewNoopLoaderMetrics returns a LoaderMetrics that discards everything.
func NewNoopLoaderMetrics() LoaderMetrics { return noopLoaderMetrics{} }

type noopDispatchMetrics struct{}

func (noopDispatchMetrics) RecordOperation(string, string, time.Duration, error) {}
func (noopDispatchMetrics) RecordBytes(string, int64)                            {}

// NewNoopDispatchMetrics returns a DispatchMetrics that discards everything.
func NewNoopDispatchMetrics() DispatchMetrics { return noopDispatchMetrics{} }

type noopRedirectMetrics struct{}

func (noopRedirectMetrics) RecordResolution(string)                      {}
func (noopRedirectMetrics) RecordForward(string, time.Duration, error) {}

// NewNoopRedirectMetrics returns a RedirectMetrics that discards everything.
func NewNoopRedirectMetrics() RedirectMetrics { return noopRedirectMetrics{} }

type noopReplicaMetrics struct{}

func (noopReplicaMetrics) RecordTransition(string) {}

// NewNoopReplicaMetrics returns a ReplicaMetrics that discards everything.
func NewNoopReplicaMetrics() ReplicaMetrics { return noopReplicaMetrics{} }
