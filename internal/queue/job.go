// Package queue carries work between services: a JSON job envelope on one
// Kafka topic per lane, a Redis sorted set for delayed jobs and retries, and a
// runner that applies each lane's retry policy from the error classification.
package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	kafkautil "github.com/vicbravo9895/sam-engine-sub001/pkg/kafka"
)

// Lane is a named job queue.
type Lane string

const (
	LaneIngestion     Lane = "ingestion"
	LaneAIProcessing  Lane = "ai-processing"
	LaneRevalidation  Lane = "revalidation"
	LaneNotifications Lane = "notifications"
	LaneMetering      Lane = "metering"
)

// Lanes lists every lane.
var Lanes = []Lane{LaneIngestion, LaneAIProcessing, LaneRevalidation, LaneNotifications, LaneMetering}

// ParseLane validates a lane name.
func ParseLane(s string) (Lane, error) {
	for _, l := range Lanes {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown lane %q", s)
}

// Topic returns the Kafka topic of the lane.
func (l Lane) Topic(prefix string) string {
	return kafkautil.TopicName(prefix, string(l))
}

// Job kinds.
const (
	KindIngestSignal    = "signal.ingest"
	KindProcessAlert    = "alert.process"
	KindRevalidateAlert = "alert.revalidate"
	KindNotify          = "notification.send"
	KindRecordUsage     = "usage.record"
)

// Job is the envelope written to a lane topic.
type Job struct {
	ID         string          `json:"id"`
	Lane       Lane            `json:"lane"`
	Kind       string          `json:"kind"`
	CompanyID  int64           `json:"company_id"`
	AlertID    int64           `json:"alert_id,omitempty"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewJob builds a first-attempt job. payload may be nil.
func NewJob(lane Lane, kind string, companyID, alertID int64, payload any) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Lane:      lane,
		Kind:      kind,
		CompanyID: companyID,
		AlertID:   alertID,
		Attempt:   1,
		TraceID:   uuid.NewString(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		job.Payload = raw
	}
	return job, nil
}

// WithTrace sets the trace id carried through every follow-up job.
func (j *Job) WithTrace(traceID string) *Job {
	if traceID != "" {
		j.TraceID = traceID
	}
	return j
}

// Key is the partition key. Jobs of one alert share a partition.
func (j *Job) Key() []byte {
	if j.AlertID > 0 {
		return []byte(strconv.FormatInt(j.AlertID, 10))
	}
	return []byte("company:" + strconv.FormatInt(j.CompanyID, 10))
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", j.Kind, err)
	}
	return nil
}

// SetPayload replaces the payload. Retries scheduled after the handler
// returns carry the new payload.
func (j *Job) SetPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", j.Kind, err)
	}
	j.Payload = raw
	return nil
}

// Next returns the job's next attempt, due at at.
func (j *Job) Next(at time.Time, cause error) *Job {
	next := *j
	next.Attempt = j.Attempt + 1
	next.NotBefore = at
	if cause != nil {
		next.LastError = cause.Error()
	}
	return &next
}

func (j *Job) marshal() ([]byte, error) {
	return json.Marshal(j)
}

func unmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("malformed job envelope: %w", err)
	}
	if job.Lane == "" || job.Kind == "" {
		return nil, fmt.Errorf("malformed job envelope: lane and kind are required")
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return &job, nil
}
