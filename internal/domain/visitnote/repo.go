package visitnote

import "context"

type Repository interface {
	// GetByVisitID returns ErrNoteNotFound when the visit has no note yet.
	GetByVisitID(ctx context.Context, visitID string) (*Note, error)
	// Create inserts a new note at version 1. A note that already exists for
	// the visit yields ErrVersionConflict.
	Create(ctx context.Context, n *Note) error
	// Update writes n if its VersionID still matches the stored row and
	// bumps the version, otherwise ErrVersionConflict.
	Update(ctx context.Context, n *Note) error
	// WithinTx runs fn in one transaction; repository and audit writes made
	// with the ctx passed to fn commit or roll back together.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
