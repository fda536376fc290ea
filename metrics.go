package docwire

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    bundleCounter   prometheus.Counter
//	    bundleHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordBundle(duration time.Duration, err error) {
//	    p.bundleCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordConnection is called for every negotiated client connection.
	RecordConnection()

	// RecordDisconnect is called when a client connection ends.
	RecordDisconnect()

	// RecordBundle is called after each mutation bundle is applied.
	// duration is the total time taken, err is nil if successful.
	RecordBundle(duration time.Duration, err error)

	// RecordRecheck is called after each access recheck, with the number
	// of tables whose rows were touched.
	RecordRecheck(tables int)

	// RecordExport is called after each export artifact write.
	RecordExport(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordConnection()                 {}
func (NoopMetricsCollector) RecordDisconnect()                 {}
func (NoopMetricsCollector) RecordBundle(time.Duration, error) {}
func (NoopMetricsCollector) RecordRecheck(int)                 {}
func (NoopMetricsCollector) RecordExport(time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	Connections      atomic.Int64
	Disconnects      atomic.Int64
	BundleCount      atomic.Int64
	BundleErrors     atomic.Int64
	BundleTotalNanos atomic.Int64
	RecheckCount     atomic.Int64
	RecheckTables    atomic.Int64
	ExportCount      atomic.Int64
	ExportErrors     atomic.Int64
	ExportTotalNanos atomic.Int64
}

// RecordConnection implements MetricsCollector.
func (b *BasicMetricsCollector) RecordConnection() {
	b.Connections.Add(1)
}

// RecordDisconnect implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDisconnect() {
	b.Disconnects.Add(1)
}

// RecordBundle implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBundle(duration time.Duration, err error) {
	b.BundleCount.Add(1)
	b.BundleTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BundleErrors.Add(1)
	}
}

// RecordRecheck implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecheck(tables int) {
	b.RecheckCount.Add(1)
	b.RecheckTables.Add(int64(tables))
}

// RecordExport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordExport(duration time.Duration, err error) {
	b.ExportCount.Add(1)
	b.ExportTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ExportErrors.Add(1)
	}
}

// AvgBundleDuration returns the mean bundle apply time.
func (b *BasicMetricsCollector) AvgBundleDuration() time.Duration {
	count := b.BundleCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(b.BundleTotalNanos.Load() / count)
}
