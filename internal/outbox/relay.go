// Package outbox relays domain events written by the store to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
	kafkautil "github.com/vicbravo9895/sam-engine-sub001/pkg/kafka"
)

// TopicSuffix names the domain-event topic under the topic prefix.
const TopicSuffix = "domain-events"

const (
	DefaultBatch    = 200
	DefaultLease    = time.Minute
	DefaultInterval = 2 * time.Second
	retryBase       = 5 * time.Second
	maxRetryDelay   = 5 * time.Minute
)

// Store is the outbox persistence.
type Store interface {
	ClaimDomainEvents(ctx context.Context, limit int, lease time.Duration) ([]alert.DomainEvent, error)
	MarkDomainEventsPublished(ctx context.Context, ids []int64) error
	MarkDomainEventFailed(ctx context.Context, id int64, nextAttempt time.Time, lastErr string) error
}

// message is the published form of an event.
type message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CompanyID  int64           `json:"company_id"`
	AlertID    int64           `json:"alert_id"`
	Payload    json.RawMessage `json:"payload"`
	TraceID    string          `json:"trace_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Relay moves claimed events to Kafka. Events are keyed by alert so one
// alert's events stay ordered.
type Relay struct {
	store   Store
	writer  queue.MessageWriter
	topic   string
	batch   int
	clock   clock.Clock
	metrics metrics.Recorder
	log     *zap.Logger
}

// NewRelay creates a relay writing to <prefix>.domain-events.
func NewRelay(st Store, w queue.MessageWriter, topicPrefix string, clk clock.Clock, m metrics.Recorder, log *zap.Logger) *Relay {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		store:   st,
		writer:  w,
		topic:   kafkautil.TopicName(topicPrefix, TopicSuffix),
		batch:   DefaultBatch,
		clock:   clk,
		metrics: metrics.OrNoOp(m),
		log:     log,
	}
}

// RetryDelay is the wait after a failed publish: doubling from five seconds,
// capped at five minutes.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func (r *Relay) toMessage(ev alert.DomainEvent) (kafka.Message, error) {
	value, err := json.Marshal(message{
		ID:         ev.ID,
		Type:       ev.Type,
		CompanyID:  ev.CompanyID,
		AlertID:    ev.AlertID,
		Payload:    ev.Payload,
		TraceID:    ev.TraceID,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Topic: r.topic,
		Key:   []byte(strconv.FormatInt(ev.AlertID, 10)),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "trace_id", Value: []byte(ev.TraceID)},
		},
	}, nil
}

// RunOnce relays one batch and returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.ClaimDomainEvents(ctx, r.batch, DefaultLease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	sendable := make([]alert.DomainEvent, 0, len(events))
	for _, ev := range events {
		msg, err := r.toMessage(ev)
		if err != nil {
			r.fail(ctx, ev, err)
			continue
		}
		msgs = append(msgs, msg)
		sendable = append(sendable, ev)
	}

	failed := make(map[int]error)
	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		var perMessage kafka.WriteErrors
		if errors.As(err, &perMessage) && len(perMessage) == len(msgs) {
			for i, e := range perMessage {
				if e != nil {
					failed[i] = e
				}
			}
		} else {
			for i := range msgs {
				failed[i] = err
			}
		}
	}

	published := make([]int64, 0, len(sendable))
	for i, ev := range sendable {
		if e, ok := failed[i]; ok {
			r.fail(ctx, ev, e)
			continue
		}
		published = append(published, ev.ID)
	}
	if err := r.store.MarkDomainEventsPublished(ctx, published); err != nil {
		return 0, fmt.Errorf("events written but not marked published: %w", err)
	}
	for range published {
		r.metrics.RecordPublished()
	}
	r.log.Debug("Relayed domain events", zap.Int("published", len(published)), zap.Int("failed", len(events)-len(published)))
	return len(published), nil
}

func (r *Relay) fail(ctx context.Context, ev alert.DomainEvent, cause error) {
	r.metrics.RecordError()
	next := r.clock.Now().Add(RetryDelay(ev.Attempts))
	if err := r.store.MarkDomainEventFailed(ctx, ev.ID, next, cause.Error()); err != nil {
		r.log.Error("Failed to record domain event failure", zap.Int64("event_id", ev.ID), zap.Error(err))
		return
	}
	r.log.Warn("Domain event publish failed",
		zap.Int64("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.Int("attempts", ev.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
}

// Run relays until ctx is cancelled, draining full batches without waiting.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r.log.Info("Starting domain event relay", zap.String("topic", r.topic), zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error("Domain event relay failed", zap.Error(err))
		}
		if n == r.batch {
			continue
		}
		select {
		case <-ctx.Done():
			r.log.Info("Domain event relay stopped")
			return
		case <-ticker.C:
		}
	}
}
