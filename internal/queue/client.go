package queue

import (
	"context"
	"time"

	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// Enqueuer schedules jobs. Business code depends on this interface only.
type Enqueuer interface {
	// Enqueue makes job available now.
	Enqueue(ctx context.Context, job *Job) error
	// EnqueueAt makes job available at at.
	EnqueueAt(ctx context.Context, job *Job, at time.Time) error
}

// Client publishes due jobs to Kafka and parks future jobs in Redis.
type Client struct {
	publisher Publisher
	delayed   *DelayedStore
	clock     clock.Clock
}

// NewClient creates a queue client.
func NewClient(publisher Publisher, delayed *DelayedStore, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{publisher: publisher, delayed: delayed, clock: clk}
}

// Enqueue publishes job immediately.
func (c *Client) Enqueue(ctx context.Context, job *Job) error {
	job.EnqueuedAt = c.clock.Now()
	return c.publisher.Publish(ctx, job)
}

// EnqueueAt publishes job now if at has passed, otherwise stores it until at.
func (c *Client) EnqueueAt(ctx context.Context, job *Job, at time.Time) error {
	now := c.clock.Now()
	job.EnqueuedAt = now
	if !at.After(now) {
		return c.publisher.Publish(ctx, job)
	}
	return c.delayed.Add(ctx, job, at)
}

var _ Enqueuer = (*Client)(nil)
