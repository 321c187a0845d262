package db

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

//go:embed seed.sql
var seedSQL string

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so every query runs
// unchanged inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

type Store struct {
	Pool    *pgxpool.Pool
	Queries *Queries
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, databaseURL)
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

// WithTx runs fn inside one transaction; fn returning an error rolls the
// whole unit back. A Store built without a pool (scripted queries in
// tests) runs fn directly.
func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	if s.Pool == nil {
		return fn(s.Queries)
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// EnsureSchema applies the embedded schema. Statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return err
}

// ApplyDemoSeed inserts the fixed demo users, students, reasons and
// delegates used by local development and the integration suite.
// Idempotent.
func (s *Store) ApplyDemoSeed(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, seedSQL)
	return err
}

// UniqueConstraint names the violated unique constraint, or returns empty
// when err is not a unique violation.
func UniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
