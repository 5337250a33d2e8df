package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
	kafkautil "github.com/vicbravo9895/sam-engine-sub001/pkg/kafka"
)

// Publisher hands a job to its lane topic.
type Publisher interface {
	Publish(ctx context.Context, job *Job) error
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes jobs to <prefix>.<lane>, keyed by alert.
type KafkaPublisher struct {
	writer MessageWriter
	prefix string
	clock  clock.Clock
	log    *zap.Logger
}

// NewKafkaPublisher creates a publisher for the comma-separated brokers.
func NewKafkaPublisher(brokers, topicPrefix string, log *zap.Logger) (*KafkaPublisher, error) {
	if err := kafkautil.ValidateProducerParams(brokers); err != nil {
		return nil, err
	}
	brokerList := kafkautil.ParseBrokers(brokers)
	p := NewPublisherWithWriter(kafkautil.NewWriter(brokerList), topicPrefix, clock.Real{}, log)
	p.log.Info("Kafka job publisher configured",
		zap.Strings("brokers", brokerList),
		zap.String("topic_prefix", topicPrefix),
		zap.Duration("write_timeout", kafkautil.WriteTimeout))
	return p, nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter, topicPrefix string, clk clock.Clock, log *zap.Logger) *KafkaPublisher {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, prefix: topicPrefix, clock: clk, log: log}
}

// buildMessage creates the Kafka message of a job. Headers repeat the routing
// fields so consumers and tooling can inspect a message without decoding it.
func buildMessage(prefix string, job *Job) (kafka.Message, error) {
	payload, err := job.marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal job: %w", err)
	}
	return kafka.Message{
		Topic: job.Lane.Topic(prefix),
		Key:   job.Key(),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(job.Kind)},
			{Key: "attempt", Value: []byte(strconv.Itoa(job.Attempt))},
			{Key: "trace_id", Value: []byte(job.TraceID)},
		},
	}, nil
}

// Publish writes the job synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, job *Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.clock.Now()
	}
	msg, err := buildMessage(p.prefix, job)
	if err != nil {
		return err
	}
	msg.Time = p.clock.Now()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Failed to write job to Kafka",
			zap.String("job_id", job.ID),
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return fmt.Errorf("failed to write job to Kafka: %w", err)
	}

	p.log.Debug("Published job",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("topic", msg.Topic),
		zap.Int64("alert_id", job.AlertID),
		zap.Int("attempt", job.Attempt))
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NewLaneReader creates the consumer-group reader of a lane.
func NewLaneReader(brokers, topicPrefix string, lane Lane, groupID string) (*kafka.Reader, error) {
	topic := lane.Topic(topicPrefix)
	if err := kafkautil.ValidateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}
	return kafka.NewReader(kafkautil.NewReaderConfig(kafkautil.ParseBrokers(brokers), topic, groupID)), nil
}

var _ Publisher = (*KafkaPublisher)(nil)
