package repo

import (
	"context"
	"database/sql"
	"errors"

	"metaflow/internal/db"
	"metaflow/internal/domain"
)

// Repo is the tenant-scoped store. Every query filters on tenant_id.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn picks the transaction when one is open, otherwise the pool.
func (r Repo) conn(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return r.conn(tx).ExecContext(ctx, r.q(query), args...)
}

func (r Repo) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return r.conn(tx).QueryContext(ctx, r.q(query), args...)
}

func (r Repo) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return r.conn(tx).QueryRowContext(ctx, r.q(query), args...)
}

// WithTx runs fn inside tx when it is non-nil, otherwise inside a fresh transaction
// that is committed when fn succeeds.
func (r Repo) WithTx(ctx context.Context, tx *sql.Tx, fn func(tx *sql.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	own, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer own.Rollback()
	if err := fn(own); err != nil {
		return err
	}
	return own.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AsNotFound converts ErrNotFound into a *domain.NotFoundError for kind and id.
func AsNotFound(err error, kind, id string) error {
	if errors.Is(err, ErrNotFound) {
		return &domain.NotFoundError{Kind: kind, ID: id}
	}
	return err
}
