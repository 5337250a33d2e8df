// Package store is the EventStore: Postgres persistence for signals, alerts,
// their AI side records, notification decisions and results, attention state,
// pending webhooks and the domain-event outbox. Every state transition and its
// side-table writes commit in one transaction together with a domain event.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

var (
	// ErrNotFound is returned when a row does not exist for the tenant.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownCompany is returned when a write references a company that does not exist.
	ErrUnknownCompany = errors.New("unknown company")
	// ErrStale is returned when the row no longer matches what the caller read.
	ErrStale = errors.New("alert changed since it was read")
)

// pgForeignKeyViolation is raised when a row references an unknown company.
const pgForeignKeyViolation = "23503"

// DB wraps a database connection and provides the alert lifecycle operations.
type DB struct {
	conn  *sql.DB
	clock clock.Clock
	log   *zap.Logger
}

// NewDB opens a new database connection using the provided DSN.
func NewDB(dsn string, log *zap.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := New(conn, clock.Real{}, log)
	db.log.Info("Successfully connected to PostgreSQL database")
	return db, nil
}

// New wraps an existing connection. Tests pass a sqlmock connection and a
// manual clock.
func New(conn *sql.DB, clk clock.Clock, log *zap.Logger) *DB {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DB{conn: conn, clock: clk, log: log}
}

// Conn exposes the pool to packages that own their own tables.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		db.log.Info("Closing database connection")
		return db.conn.Close()
	}
	return nil
}

// withTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.log.Warn("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// insertEvent appends a domain event to the outbox inside tx.
func insertEvent(ctx context.Context, tx *sql.Tx, ev alert.DomainEvent) error {
	query := `
		INSERT INTO domain_events (company_id, alert_id, event_type, payload, trace_id, occurred_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`
	_, err := tx.ExecContext(ctx, query,
		ev.CompanyID, ev.AlertID, ev.Type, []byte(ev.Payload), ev.TraceID, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", ev.Type, err)
	}
	return nil
}

func (db *DB) event(companyID, alertID int64, eventType, traceID string, payload any) alert.DomainEvent {
	ev := alert.NewDomainEvent(companyID, alertID, eventType, payload, db.clock.Now())
	ev.TraceID = traceID
	return ev
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func rawOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
