// Package contacts resolves who is notified about an alert.
package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// Query identifies the subject of an alert.
type Query struct {
	CompanyID int64
	VehicleID string
	DriverID  string
}

// Resolver looks up notification targets.
type Resolver interface {
	Resolve(ctx context.Context, q Query) (*Set, error)
}

// Set groups resolved contacts by recipient type.
type Set struct {
	Operator   []alert.NotificationRecipient
	Monitoring []alert.NotificationRecipient
	Supervisor []alert.NotificationRecipient
	Emergency  []alert.NotificationRecipient
}

// Add appends r to the group matching r.Type. Unknown types are ignored.
func (s *Set) Add(r alert.NotificationRecipient) bool {
	switch r.Type {
	case alert.RecipientOperator:
		s.Operator = append(s.Operator, r)
	case alert.RecipientMonitoring:
		s.Monitoring = append(s.Monitoring, r)
	case alert.RecipientSupervisor:
		s.Supervisor = append(s.Supervisor, r)
	case alert.RecipientEmergency:
		s.Emergency = append(s.Emergency, r)
	default:
		return false
	}
	return true
}

// Len returns the number of contacts.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Operator) + len(s.Monitoring) + len(s.Supervisor) + len(s.Emergency)
}

// Recipients flattens the set ordered by ascending priority.
func (s *Set) Recipients() []alert.NotificationRecipient {
	if s == nil {
		return nil
	}
	out := make([]alert.NotificationRecipient, 0, s.Len())
	out = append(out, s.Operator...)
	out = append(out, s.Monitoring...)
	out = append(out, s.Supervisor...)
	out = append(out, s.Emergency...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ByType returns a map keyed by recipient type, the shape sent to the AI service.
func (s *Set) ByType() map[string][]alert.NotificationRecipient {
	out := make(map[string][]alert.NotificationRecipient, 4)
	if s == nil {
		return out
	}
	for typ, group := range map[string][]alert.NotificationRecipient{
		alert.RecipientOperator:   s.Operator,
		alert.RecipientMonitoring: s.Monitoring,
		alert.RecipientSupervisor: s.Supervisor,
		alert.RecipientEmergency:  s.Emergency,
	} {
		if len(group) > 0 {
			out[typ] = group
		}
	}
	return out
}

// PostgresResolver reads the contacts table. Vehicle or driver specific rows
// replace company-wide rows of the same type.
type PostgresResolver struct {
	conn *sql.DB
	log  *zap.Logger
}

// NewPostgresResolver creates a resolver.
func NewPostgresResolver(conn *sql.DB, log *zap.Logger) *PostgresResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresResolver{conn: conn, log: log}
}

// Resolve returns the active contacts for q.
func (r *PostgresResolver) Resolve(ctx context.Context, q Query) (*Set, error) {
	query := `
		SELECT contact_type, COALESCE(name, ''), COALESCE(phone, ''), COALESCE(whatsapp, ''), priority,
			CASE WHEN vehicle_id IS NOT NULL OR driver_id IS NOT NULL THEN 0 ELSE 1 END AS scope
		FROM contacts
		WHERE company_id = $1
			AND is_active
			AND (vehicle_id IS NULL OR vehicle_id = $2)
			AND (driver_id IS NULL OR driver_id = $3)
		ORDER BY scope, priority, id
	`
	rows, err := r.conn.QueryContext(ctx, query, q.CompanyID, q.VehicleID, q.DriverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	set := &Set{}
	specific := make(map[string]bool)
	for rows.Next() {
		var (
			rec   alert.NotificationRecipient
			scope int
		)
		if err := rows.Scan(&rec.Type, &rec.Name, &rec.Phone, &rec.WhatsApp, &rec.Priority, &scope); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		if scope == 0 {
			specific[rec.Type] = true
		} else if specific[rec.Type] {
			continue
		}
		if !set.Add(rec) {
			r.log.Warn("Ignoring contact with unknown type",
				zap.Int64("company_id", q.CompanyID), zap.String("type", rec.Type))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contacts: %w", err)
	}
	return set, nil
}

var _ Resolver = (*PostgresResolver)(nil)
