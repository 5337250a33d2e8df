// Package usage records billable usage in an append-only ledger. Each row
// carries an idempotency key so retried jobs never count twice.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// Meter names.
const (
	MeterCall          = "notifications.call"
	MeterSMS           = "notifications.sms"
	MeterWhatsApp      = "notifications.whatsapp"
	MeterAIAssessments = "ai.assessments"
)

// MeterForChannel returns the meter that counts sends on c.
func MeterForChannel(c alert.Channel) string {
	switch c {
	case alert.ChannelCall:
		return MeterCall
	case alert.ChannelWhatsApp:
		return MeterWhatsApp
	default:
		return MeterSMS
	}
}

// Key builds the idempotency key for one provider-side unit of usage.
func Key(companyID int64, meter, providerID string) string {
	return strconv.FormatInt(companyID, 10) + ":" + meter + ":" + providerID
}

// Meter writes usage events for companies that have metering enabled.
type Meter struct {
	conn     *sql.DB
	settings company.Provider
	clock    clock.Clock
	log      *zap.Logger
}

// NewMeter creates a usage meter.
func NewMeter(conn *sql.DB, settings company.Provider, clk clock.Clock, log *zap.Logger) *Meter {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Meter{conn: conn, settings: settings, clock: clk, log: log}
}

// Record inserts ev unless the company has metering disabled or the
// idempotency key was already recorded. It reports whether a row was written;
// a duplicate key is not an error.
func (m *Meter) Record(ctx context.Context, ev alert.UsageEvent) (bool, error) {
	if ev.IdempotencyKey == "" {
		return false, failure.Validation("usage.record", errors.New("idempotency key is required"))
	}
	if ev.Meter == "" {
		return false, failure.Validation("usage.record", errors.New("meter is required"))
	}

	s, err := m.settings.Get(ctx, ev.CompanyID)
	if errors.Is(err, company.ErrNotFound) {
		return false, failure.Permanent("usage.record", err)
	}
	if err != nil {
		return false, fmt.Errorf("failed to load settings: %w", err)
	}
	if !s.Enabled(company.FeatureUsageMetering) {
		return false, nil
	}

	if ev.Quantity <= 0 {
		ev.Quantity = 1
	}
	now := m.clock.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	dims, err := json.Marshal(ev.Dimensions)
	if err != nil || ev.Dimensions == nil {
		dims = []byte(`{}`)
	}

	query := `
		INSERT INTO usage_events (company_id, meter, quantity, dimensions, idempotency_key, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	res, err := m.conn.ExecContext(ctx, query,
		ev.CompanyID, ev.Meter, ev.Quantity, dims, ev.IdempotencyKey, ev.OccurredAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to record usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		m.log.Debug("Usage event already recorded",
			zap.Int64("company_id", ev.CompanyID),
			zap.String("idempotency_key", ev.IdempotencyKey),
		)
		return false, nil
	}
	return true, nil
}

// JobPayload is the metering-lane job body.
type JobPayload struct {
	Meter          string            `json:"meter"`
	Quantity       int64             `json:"quantity"`
	Dimensions     map[string]string `json:"dimensions,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// NewJob wraps ev in a metering-lane job.
func NewJob(ev alert.UsageEvent, alertID int64) (*queue.Job, error) {
	return queue.NewJob(queue.LaneMetering, queue.KindRecordUsage, ev.CompanyID, alertID, JobPayload{
		Meter:          ev.Meter,
		Quantity:       ev.Quantity,
		Dimensions:     ev.Dimensions,
		IdempotencyKey: ev.IdempotencyKey,
		OccurredAt:     ev.OccurredAt,
	})
}

// Handle records the usage event carried by a metering job.
func (m *Meter) Handle(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return failure.Validation("usage.job", err)
	}
	written, err := m.Record(ctx, alert.UsageEvent{
		CompanyID:      job.CompanyID,
		Meter:          p.Meter,
		Quantity:       p.Quantity,
		Dimensions:     p.Dimensions,
		IdempotencyKey: p.IdempotencyKey,
		OccurredAt:     p.OccurredAt,
	})
	if err != nil {
		return err
	}
	m.log.Debug("Usage job handled",
		zap.String("meter", p.Meter),
		zap.Bool("written", written),
		zap.String("trace_id", job.TraceID),
	)
	return nil
}

// Failed logs a usage event that could not be recorded. Usage loss never
// affects the alert.
func (m *Meter) Failed(_ context.Context, job *queue.Job, err error) {
	m.log.Error("Usage event dropped",
		zap.Int64("company_id", job.CompanyID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)
}

var _ queue.Handler = (*Meter)(nil)
