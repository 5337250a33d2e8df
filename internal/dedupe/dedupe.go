// Package dedupe gates notification attempts. A dedupe log suppresses the
// same logical notification inside a sliding window and a throttle log limits
// notifications per subject and channel class. Both are Postgres upserts, so
// concurrent workers never read-then-write.
package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// Reasons reported in Decision.
const (
	ReasonOK        = "ok"
	ReasonDuplicate = "duplicate"
	ReasonThrottled = "throttled"
)

// ClassNotification is the channel class used for alert notifications: one
// notification per subject per throttle window, whatever channels it uses.
const ClassNotification = "notification"

// Subject identifies what a notification is about.
type Subject struct {
	VehicleID string
	DriverID  string
}

// Request is one gate check.
type Request struct {
	CompanyID    int64
	AlertID      int64
	DedupeKey    string
	Subject      Subject
	ChannelClass string
	// DispatchID identifies the send that owns the check, stable across
	// retries of one job. A re-check by the owner is not a duplicate.
	DispatchID string
	// BypassThrottle skips the throttle check (attention escalations).
	BypassThrottle bool
	// DedupeWindow and ThrottleWindow come from company settings. A zero
	// throttle window disables throttling.
	DedupeWindow   time.Duration
	ThrottleWindow time.Duration
}

// Decision is the gate's answer.
type Decision struct {
	ShouldSend bool
	Throttled  bool
	Reason     string
}

// Service checks and records the dedupe and throttle logs.
type Service struct {
	conn  *sql.DB
	clock clock.Clock
	log   *zap.Logger
}

// NewService creates a dedupe service.
func NewService(conn *sql.DB, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{conn: conn, clock: clk, log: log}
}

// DefaultKey builds the dedupe key used when the AI supplies none.
func DefaultKey(companyID, alertID int64, tier alert.EscalationLevel) string {
	return fmt.Sprintf("alert:%d:%d:%s", companyID, alertID, tier)
}

// EscalationKey is the dedupe key of an attention escalation at level.
func EscalationKey(alertID int64, level int) string {
	return fmt.Sprintf("attention:%d:%d", alertID, level)
}

// scopedKey namespaces AI-supplied keys by company.
func scopedKey(companyID int64, key string) string {
	return strconv.FormatInt(companyID, 10) + ":" + key
}

// ThrottleKey is <subject>:<channel class>. The subject is the vehicle, then
// the driver, then the alert itself.
func ThrottleKey(companyID, alertID int64, s Subject, class string) string {
	if class == "" {
		class = ClassNotification
	}
	subject := "alert:" + strconv.FormatInt(alertID, 10)
	switch {
	case s.VehicleID != "":
		subject = "vehicle:" + s.VehicleID
	case s.DriverID != "":
		subject = "driver:" + s.DriverID
	}
	return scopedKey(companyID, subject+":"+class)
}

// ShouldSend records the attempt in the dedupe log and, unless bypassed, in
// the throttle log, and reports whether the notification may go out. The
// dispatch that first claimed a key or a throttle slot keeps it, so a retried
// job passes again.
func (s *Service) ShouldSend(ctx context.Context, req Request) (Decision, error) {
	if req.DedupeKey == "" {
		return Decision{}, errors.New("dedupe key is required")
	}
	now := s.clock.Now()

	count, owner, err := s.touchDedupe(ctx, req, now)
	if err != nil {
		return Decision{}, err
	}
	if count > 1 && !req.owns(owner) {
		s.log.Info("Notification suppressed as duplicate",
			zap.Int64("company_id", req.CompanyID),
			zap.Int64("alert_id", req.AlertID),
			zap.String("dedupe_key", req.DedupeKey),
			zap.Int("count", count))
		return Decision{ShouldSend: false, Reason: ReasonDuplicate}, nil
	}

	if !req.BypassThrottle && req.ThrottleWindow > 0 {
		ok, err := s.claimThrottle(ctx, req, now)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			s.log.Info("Notification throttled",
				zap.Int64("company_id", req.CompanyID),
				zap.Int64("alert_id", req.AlertID),
				zap.String("throttle_key", ThrottleKey(req.CompanyID, req.AlertID, req.Subject, req.ChannelClass)))
			return Decision{ShouldSend: false, Throttled: true, Reason: ReasonThrottled}, nil
		}
	}

	return Decision{ShouldSend: true, Reason: ReasonOK}, nil
}

func (r Request) owns(owner string) bool {
	return r.DispatchID != "" && owner == r.DispatchID
}

// touchDedupe upserts the dedupe row and returns the counter inside the
// window with the dispatch that owns the row. A row last seen before the
// window restarts at 1 under the caller; a re-check by the owner leaves the
// counter unchanged.
func (s *Service) touchDedupe(ctx context.Context, req Request, now time.Time) (int, string, error) {
	query := `
		INSERT INTO notification_dedupe_log (dedupe_key, company_id, dispatch_id, first_seen_at, last_seen_at, count)
		VALUES ($1, $2, $3, $4, $4, 1)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			count = CASE
				WHEN notification_dedupe_log.last_seen_at < $5 THEN 1
				WHEN EXCLUDED.dispatch_id <> '' AND notification_dedupe_log.dispatch_id = EXCLUDED.dispatch_id
					THEN notification_dedupe_log.count
				ELSE notification_dedupe_log.count + 1 END,
			first_seen_at = CASE WHEN notification_dedupe_log.last_seen_at >= $5
				THEN notification_dedupe_log.first_seen_at ELSE $4 END,
			dispatch_id = CASE WHEN notification_dedupe_log.last_seen_at >= $5
				THEN notification_dedupe_log.dispatch_id ELSE EXCLUDED.dispatch_id END,
			last_seen_at = $4
		RETURNING count, dispatch_id
	`
	var (
		count int
		owner string
	)
	err := s.conn.QueryRowContext(ctx, query,
		scopedKey(req.CompanyID, req.DedupeKey), req.CompanyID, req.DispatchID, now, now.Add(-req.DedupeWindow),
	).Scan(&count, &owner)
	if err != nil {
		return 0, "", fmt.Errorf("failed to upsert dedupe log: %w", err)
	}
	return count, owner, nil
}

// claimThrottle takes the throttle slot for the subject. The upsert only
// overwrites a row older than the window or one held by the same dispatch;
// no returned row means throttled.
func (s *Service) claimThrottle(ctx context.Context, req Request, now time.Time) (bool, error) {
	query := `
		INSERT INTO notification_throttle_logs (throttle_key, company_id, alert_id, dispatch_id, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (throttle_key) DO UPDATE SET
			alert_id = EXCLUDED.alert_id,
			dispatch_id = EXCLUDED.dispatch_id,
			sent_at = EXCLUDED.sent_at
		WHERE notification_throttle_logs.sent_at < $6
			OR (EXCLUDED.dispatch_id <> '' AND notification_throttle_logs.dispatch_id = EXCLUDED.dispatch_id)
		RETURNING alert_id
	`
	var alertID int64
	err := s.conn.QueryRowContext(ctx, query,
		ThrottleKey(req.CompanyID, req.AlertID, req.Subject, req.ChannelClass),
		req.CompanyID, req.AlertID, req.DispatchID, now, now.Add(-req.ThrottleWindow),
	).Scan(&alertID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert throttle log: %w", err)
	}
	return true, nil
}
