package metrics

import (
	"time"

	pkgmetrics "github.com/vicbravo9895/sam-engine-sub001/pkg/metrics"
)

// CollectorAdapter adapts pkg/metrics.Collector to the Recorder interface.
// Lane-specific counters go to custom counters prefixed with the lane.
type CollectorAdapter struct {
	collector *pkgmetrics.Collector
	prefix    string
}

// NewCollectorAdapter wraps a metrics.Collector. A non-empty lane prefixes
// the custom counters, e.g. "notifications_retried".
func NewCollectorAdapter(collector *pkgmetrics.Collector, lane string) *CollectorAdapter {
	prefix := "jobs_"
	if lane != "" {
		prefix = lane + "_"
	}
	return &CollectorAdapter{collector: collector, prefix: prefix}
}

func (a *CollectorAdapter) RecordReceived() {
	a.collector.RecordReceived()
}

func (a *CollectorAdapter) RecordProcessed(latency time.Duration) {
	a.collector.RecordProcessed(latency)
}

func (a *CollectorAdapter) RecordPublished() {
	a.collector.RecordPublished()
}

func (a *CollectorAdapter) RecordError() {
	a.collector.RecordError()
}

func (a *CollectorAdapter) RecordRetried() {
	a.collector.IncrementCustom(a.prefix + "retried")
}

func (a *CollectorAdapter) RecordFailed() {
	a.collector.IncrementCustom(a.prefix + "failed")
}

func (a *CollectorAdapter) RecordSkipped() {
	a.collector.IncrementCustom(a.prefix + "skipped")
}

var _ Recorder = (*CollectorAdapter)(nil)
