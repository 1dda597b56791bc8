package tagcache

import "tagredis/pkg/metrics"

// Metrics is what the backend reports.
type Metrics interface {
	OpDuration(op string) metrics.Timer
	OpFailed(op string)
	LoadResult(hit bool)
	RecordsCleaned(mode string, n int)
	GCPass(report GCReport)
	StrictRetry(op string)
}

type nopMetrics struct{}

func (nopMetrics) OpDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) OpFailed(string)                 {}
func (nopMetrics) LoadResult(bool)                 {}
func (nopMetrics) RecordsCleaned(string, int)      {}
func (nopMetrics) GCPass(GCReport)                 {}
func (nopMetrics) StrictRetry(string)              {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
