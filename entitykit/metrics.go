package entitykit

import "time"

// MetricsCollector provides hooks for collecting engine metrics.
type MetricsCollector interface {
	// RecordBatch records a completed batch run.
	RecordBatch(duration time.Duration, successful, failed int)

	// RecordMutation records a single optimistic mutation outcome.
	RecordMutation(operation string, duration time.Duration, err error)

	// RecordConflictDetected records a detected conflict.
	RecordConflictDetected()

	// RecordConflictResolved records a resolution decision
	// ("local", "remote", "merge", "auto_newest", ...).
	RecordConflictResolved(decision string)

	// RecordReconnect records a change-feed reconnection attempt.
	RecordReconnect(attempt int)

	// RecordCacheAccess records a cache read hit or miss.
	RecordCacheAccess(hit bool)

	// RecordEvictions records entries/views dropped by the staleness policy.
	RecordEvictions(entries, views int)
}

// NoOpMetricsCollector is a default implementation that does nothing.
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordBatch(duration time.Duration, successful, failed int) {}
func (n *NoOpMetricsCollector) RecordMutation(operation string, duration time.Duration, err error) {
}
func (n *NoOpMetricsCollector) RecordConflictDetected()                 {}
func (n *NoOpMetricsCollector) RecordConflictResolved(decision string)  {}
func (n *NoOpMetricsCollector) RecordReconnect(attempt int)             {}
func (n *NoOpMetricsCollector) RecordCacheAccess(hit bool)              {}
func (n *NoOpMetricsCollector) RecordEvictions(entries, views int)      {}
