package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

const (
	// DefaultPumpInterval is how often due jobs are moved to Kafka.
	DefaultPumpInterval = time.Second
	pumpBatch           = 100
	pumpRepublishDelay  = 5 * time.Second
)

// Pump moves due jobs from the delayed store to their lane topics.
type Pump struct {
	delayed   *DelayedStore
	publisher Publisher
	metrics   metrics.Recorder
	clock     clock.Clock
	log       *zap.Logger
}

// NewPump creates a pump.
func NewPump(delayed *DelayedStore, publisher Publisher, m metrics.Recorder, clk clock.Clock, log *zap.Logger) *Pump {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pump{delayed: delayed, publisher: publisher, metrics: metrics.OrNoOp(m), clock: clk, log: log}
}

// RunOnce moves up to one batch of due jobs and returns how many were
// published. A job that cannot be published goes back to the store.
func (p *Pump) RunOnce(ctx context.Context) (int, error) {
	now := p.clock.Now()
	jobs, err := p.delayed.ClaimDue(ctx, now, pumpBatch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, job := range jobs {
		if err := p.publisher.Publish(ctx, job); err != nil {
			p.metrics.RecordError()
			p.log.Error("Failed to publish due job, returning it to the delayed store",
				zap.String("job_id", job.ID),
				zap.String("lane", string(job.Lane)),
				zap.Error(err))
			if addErr := p.delayed.Add(ctx, job, now.Add(pumpRepublishDelay)); addErr != nil {
				p.log.Error("Lost delayed job", zap.String("job_id", job.ID), zap.Error(addErr))
			}
			continue
		}
		p.metrics.RecordPublished()
		published++
	}
	return published, nil
}

// Run pumps every interval until ctx is cancelled.
func (p *Pump) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPumpInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("Delayed job pump started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Delayed job pump stopped")
			return
		case <-ticker.C:
			// Drain full batches before waiting again.
			for {
				n, err := p.RunOnce(ctx)
				if err != nil {
					p.log.Error("Delayed job pump failed", zap.Error(err))
					break
				}
				if n < pumpBatch {
					break
				}
			}
		}
	}
}
