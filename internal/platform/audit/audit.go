// Package audit records who changed a clinical document and how. Entries are
// written on the request's transaction when one is open, so an audit row
// exists exactly when the change it describes was committed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/chartcheck/internal/platform/auth"
	"github.com/ehr/chartcheck/internal/platform/db"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
)

// Entry is one row of the note_audit table.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Outcome    string          `json:"outcome"`
	Actor      string          `json:"actor"`
	Roles      []string        `json:"roles"`
	RequestID  string          `json:"request_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Recorded   time.Time       `json:"recorded"`
}

type requestIDKey struct{}

// WithRequestID attaches the request id entries are stamped with.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewEntry builds an entry for the caller in ctx. detail is marshalled as
// JSON; nil leaves it empty.
func NewEntry(ctx context.Context, entityType, entityID, action string, detail any) (*Entry, error) {
	e := &Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    OutcomeSuccess,
		Actor:      auth.UserIDFromContext(ctx),
		Roles:      auth.RolesFromContext(ctx),
		RequestID:  RequestIDFromContext(ctx),
	}
	if e.Roles == nil {
		e.Roles = []string{}
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal detail: %w", err)
		}
		e.Detail = raw
	}
	return e, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger writes and reads the audit trail.
type Logger struct {
	pool *pgxpool.Pool
}

func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

func (l *Logger) conn(ctx context.Context) (querier, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx, nil
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c, nil
	}
	if l.pool == nil {
		return nil, db.ErrNoConnection
	}
	return l.pool, nil
}

// Record inserts e and fills its id and timestamp.
func (l *Logger) Record(ctx context.Context, e *Entry) error {
	q, err := l.conn(ctx)
	if err != nil {
		return err
	}
	detail := e.Detail
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	err = q.QueryRow(ctx, `
		INSERT INTO note_audit (entity_type, entity_id, action, outcome, actor, roles, request_id, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, recorded`,
		e.EntityType, e.EntityID, e.Action, e.Outcome, e.Actor, e.Roles, e.RequestID, []byte(detail),
	).Scan(&e.ID, &e.Recorded)
	if err != nil {
		return fmt.Errorf("audit: record %s %s: %w", e.Action, e.EntityID, err)
	}
	return nil
}

// List returns the trail of one entity, oldest first, with the total count.
func (l *Logger) List(ctx context.Context, entityType, entityID string, limit, offset int) ([]Entry, int, error) {
	q, err := l.conn(ctx)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM note_audit WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, entity_type, entity_id, action, outcome, actor, roles, request_id, detail, recorded
		FROM note_audit WHERE entity_type = $1 AND entity_id = $2
		ORDER BY recorded, id LIMIT $3 OFFSET $4`,
		entityType, entityID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Outcome,
			&e.Actor, &e.Roles, &e.RequestID, &detail, &e.Recorded); err != nil {
			return nil, 0, err
		}
		e.Detail = detail
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
