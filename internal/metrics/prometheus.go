package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded on the jobs counter.
const (
	outcomeReceived  = "received"
	outcomeProcessed = "processed"
	outcomePublished = "published"
	outcomeError     = "error"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Prometheus owns the collectors shared by every lane of a service.
type Prometheus struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheus creates and registers the job collectors on reg.
func NewPrometheus(reg prometheus.Registerer, service string) *Prometheus {
	p := &Prometheus{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sam",
			Name:        "jobs_total",
			Help:        "Jobs by lane and outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"lane", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "sam",
			Name:        "job_duration_seconds",
			Help:        "Job handling latency by lane.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 420},
		}, []string{"lane"}),
	}
	reg.MustRegister(p.jobs, p.duration)
	return p
}

// ForLane returns a Recorder labelled with lane.
func (p *Prometheus) ForLane(lane string) *PrometheusRecorder {
	return &PrometheusRecorder{p: p, lane: lane}
}

// PrometheusRecorder records one lane's job outcomes.
type PrometheusRecorder struct {
	p    *Prometheus
	lane string
}

func (r *PrometheusRecorder) inc(outcome string) {
	r.p.jobs.WithLabelValues(r.lane, outcome).Inc()
}

func (r *PrometheusRecorder) RecordReceived() { r.inc(outcomeReceived) }

func (r *PrometheusRecorder) RecordProcessed(latency time.Duration) {
	r.inc(outcomeProcessed)
	r.p.duration.WithLabelValues(r.lane).Observe(latency.Seconds())
}

func (r *PrometheusRecorder) RecordPublished() { r.inc(outcomePublished) }
func (r *PrometheusRecorder) RecordError()     { r.inc(outcomeError) }
func (r *PrometheusRecorder) RecordRetried()   { r.inc(outcomeRetried) }
func (r *PrometheusRecorder) RecordFailed()    { r.inc(outcomeFailed) }
func (r *PrometheusRecorder) RecordSkipped()   { r.inc(outcomeSkipped) }

var _ Recorder = (*PrometheusRecorder)(nil)
