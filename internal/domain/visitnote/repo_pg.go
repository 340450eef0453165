package visitnote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/chartcheck/internal/domain/assertion"
	"github.com/ehr/chartcheck/internal/platform/db"
)

const uniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const noteCols = `id, visit_id, patient_id, status, inputs, bundle, sections,
	score, override_reason, signed_at, signed_by, version_id, created_at, updated_at`

func (r *repoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func (r *repoPG) GetByVisitID(ctx context.Context, visitID string) (*Note, error) {
	n, err := scanNote(r.conn(ctx).QueryRow(ctx, `SELECT `+noteCols+` FROM visit_note WHERE visit_id = $1`, visitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: visit %s", ErrNoteNotFound, visitID)
	}
	return n, err
}

func (r *repoPG) Create(ctx context.Context, n *Note) error {
	inputs, bundle, sections, err := encodeNote(n)
	if err != nil {
		return err
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_note (
			id, visit_id, patient_id, status, inputs, bundle, sections,
			score, override_reason, signed_at, signed_by, version_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)
		RETURNING version_id, created_at, updated_at`,
		n.ID, n.VisitID, n.PatientID, n.Status, inputs, bundle, sections,
		n.Score, n.OverrideReason, n.SignedAt, n.SignedBy,
	).Scan(&n.VersionID, &n.CreatedAt, &n.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: visit %s already has a note", ErrVersionConflict, n.VisitID)
	}
	return err
}

func (r *repoPG) Update(ctx context.Context, n *Note) error {
	inputs, bundle, sections, err := encodeNote(n)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE visit_note SET
			patient_id=$3, status=$4, inputs=$5, bundle=$6, sections=$7,
			score=$8, override_reason=$9, signed_at=$10, signed_by=$11,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		n.ID, n.VersionID, n.PatientID, n.Status, inputs, bundle, sections,
		n.Score, n.OverrideReason, n.SignedAt, n.SignedBy,
	).Scan(&n.VersionID, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: visit %s at version %d", ErrVersionConflict, n.VisitID, n.VersionID)
	}
	return err
}

func encodeNote(n *Note) (inputs, bundle, sections []byte, err error) {
	if inputs, err = json.Marshal(n.Inputs); err != nil {
		return nil, nil, nil, fmt.Errorf("encode inputs: %w", err)
	}
	if bundle, err = json.Marshal(n.Bundle); err != nil {
		return nil, nil, nil, fmt.Errorf("encode bundle: %w", err)
	}
	if sections, err = json.Marshal(n.Sections); err != nil {
		return nil, nil, nil, fmt.Errorf("encode sections: %w", err)
	}
	return inputs, bundle, sections, nil
}

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	var inputs, bundle, sections []byte
	err := row.Scan(&n.ID, &n.VisitID, &n.PatientID, &n.Status, &inputs, &bundle, &sections,
		&n.Score, &n.OverrideReason, &n.SignedAt, &n.SignedBy, &n.VersionID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputs, &n.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	n.Bundle = &assertion.Bundle{}
	if err := json.Unmarshal(bundle, n.Bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if err := json.Unmarshal(sections, &n.Sections); err != nil {
		return nil, fmt.Errorf("decode sections: %w", err)
	}
	return &n, nil
}
