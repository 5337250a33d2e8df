package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	pkgmetrics "github.com/vicbravo9895/sam-engine-sub001/pkg/metrics"
)

func TestNoOp(t *testing.T) {
	var r Recorder = NewNoOp()
	r.RecordReceived()
	r.RecordProcessed(time.Second)
	r.RecordPublished()
	r.RecordError()
	r.RecordRetried()
	r.RecordFailed()
	r.RecordSkipped()
	assert.NotNil(t, OrNoOp(nil))
}

func TestCollectorAdapter(t *testing.T) {
	collector := pkgmetrics.NewCollector("alert-worker", nil, nil)
	r := NewCollectorAdapter(collector, "notifications")

	r.RecordReceived()
	r.RecordProcessed(10 * time.Millisecond)
	r.RecordRetried()
	r.RecordRetried()
	r.RecordFailed()

	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.JobsReceived)
	assert.Equal(t, uint64(1), snap.JobsProcessed)
	assert.Equal(t, uint64(2), snap.CustomCounters["notifications_retried"])
	assert.Equal(t, uint64(1), snap.CustomCounters["notifications_failed"])
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "alert-worker")
	ai := p.ForLane("ai-processing")
	notif := p.ForLane("notifications")

	ai.RecordReceived()
	ai.RecordRetried()
	notif.RecordReceived()
	notif.RecordProcessed(2 * time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("ai-processing", outcomeRetried)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("notifications", outcomeProcessed)))
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))
}

func TestMulti(t *testing.T) {
	c1 := pkgmetrics.NewCollector("a", nil, nil)
	c2 := pkgmetrics.NewCollector("b", nil, nil)
	m := Multi{NewCollectorAdapter(c1, ""), NewCollectorAdapter(c2, "")}

	m.RecordError()
	m.RecordSkipped()

	assert.Equal(t, uint64(1), c1.Snapshot().ProcessingErrors)
	assert.Equal(t, uint64(1), c2.Snapshot().CustomCounters["jobs_skipped"])
}
