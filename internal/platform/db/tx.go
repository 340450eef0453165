package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const txKey contextKey = "db_tx"

// ErrNoConnection is returned by WithTx when neither a tenant connection nor
// a pool is available.
var ErrNoConnection = errors.New("no database connection in context")

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction started by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTx runs fn inside a transaction on the tenant connection, or on
// fallback when the request carries none. Nested calls reuse the outer
// transaction.
func WithTx(ctx context.Context, fallback beginner, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var src beginner
	if c := ConnFromContext(ctx); c != nil {
		src = c
	} else if fallback != nil {
		src = fallback
	}
	if src == nil {
		return ErrNoConnection
	}

	tx, err := src.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
