package company

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Repository reads company settings from Postgres and layers them over the
// platform defaults.
type Repository struct {
	conn     *sql.DB
	defaults Document
	log      *zap.Logger
}

// NewRepository creates a settings repository.
func NewRepository(conn *sql.DB, defaults Document, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{conn: conn, defaults: defaults, log: log}
}

// Get loads settings for companyID.
func (r *Repository) Get(ctx context.Context, companyID int64) (*Settings, error) {
	query := `
		SELECT name, COALESCE(telematics_token, ''), ops_emails, settings
		FROM companies
		WHERE id = $1
	`
	var (
		name      string
		token     string
		opsEmails []string
		raw       sql.NullString
	)
	err := r.conn.QueryRowContext(ctx, query, companyID).Scan(&name, &token, pq.Array(&opsEmails), &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company settings: %w", err)
	}

	doc := r.defaults
	if raw.Valid && raw.String != "" {
		var override Document
		if err := json.Unmarshal([]byte(raw.String), &override); err != nil {
			r.log.Warn("Failed to unmarshal company settings, using defaults",
				zap.Int64("company_id", companyID), zap.Error(err))
		} else {
			doc = doc.Merge(override)
		}
	}

	s := doc.Resolve(companyID)
	s.Name = name
	s.TelematicsToken = token
	s.OpsEmails = opsEmails
	return s, nil
}

var _ Provider = (*Repository)(nil)
