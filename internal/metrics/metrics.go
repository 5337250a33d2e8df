// Package metrics provides the job metrics recorder used by lane runners and
// HTTP handlers. It uses the null object pattern to avoid nil checks.
package metrics

import "time"

// Recorder records job outcomes. Implementations record to Redis snapshots,
// Prometheus, or nothing.
type Recorder interface {
	// RecordReceived counts a job read from a lane.
	RecordReceived()

	// RecordProcessed records a handled job with its latency.
	RecordProcessed(latency time.Duration)

	// RecordPublished counts a job or event handed to a downstream topic.
	RecordPublished()

	// RecordError counts a handler or infrastructure error.
	RecordError()

	// RecordRetried counts a job scheduled for another attempt.
	RecordRetried()

	// RecordFailed counts a job that exhausted its budget or failed fatally.
	RecordFailed()

	// RecordSkipped counts a job that was a no-op.
	RecordSkipped()
}

// NoOp discards all metrics.
type NoOp struct{}

// NewNoOp creates a new no-op metrics recorder.
func NewNoOp() *NoOp {
	return &NoOp{}
}

func (n *NoOp) RecordReceived()                 {}
func (n *NoOp) RecordProcessed(_ time.Duration) {}
func (n *NoOp) RecordPublished()                {}
func (n *NoOp) RecordError()                    {}
func (n *NoOp) RecordRetried()                  {}
func (n *NoOp) RecordFailed()                   {}
func (n *NoOp) RecordSkipped()                  {}

// Multi fans every call out to several recorders.
type Multi []Recorder

func (m Multi) RecordReceived() {
	for _, r := range m {
		r.RecordReceived()
	}
}

func (m Multi) RecordProcessed(latency time.Duration) {
	for _, r := range m {
		r.RecordProcessed(latency)
	}
}

func (m Multi) RecordPublished() {
	for _, r := range m {
		r.RecordPublished()
	}
}

func (m Multi) RecordError() {
	for _, r := range m {
		r.RecordError()
	}
}

func (m Multi) RecordRetried() {
	for _, r := range m {
		r.RecordRetried()
	}
}

func (m Multi) RecordFailed() {
	for _, r := range m {
		r.RecordFailed()
	}
}

func (m Multi) RecordSkipped() {
	for _, r := range m {
		r.RecordSkipped()
	}
}

// OrNoOp returns r, or a NoOp recorder when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NewNoOp()
	}
	return r
}

var (
	_ Recorder = (*NoOp)(nil)
	_ Recorder = Multi(nil)
)
