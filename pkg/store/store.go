// Package store provides typed access to the persistent records: agent
// accounts, agent aggregates, runs, environments and the generic
// key/value table.
//
// All mutations of run and aggregate state happen inside a Tx. Run
// updates are guarded by the history column, which, together with the
// act_no check, is the only per-run serialization mechanism: the first
// concurrent committer wins, later ones observe zero affected rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arenaproj/arena/pkg/database"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when creating a record that exists and
// overwrite was not requested.
var ErrAlreadyExists = errors.New("record already exists")

// ErrConflict is returned when a guarded update lost against a
// concurrent writer.
var ErrConflict = errors.New("concurrent modification")

// Store wraps the database client with typed record operations.
type Store struct {
	client *database.Client
}

// New creates a store on top of an open database client.
func New(client *database.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying database client (health, size, vacuum).
func (s *Store) Client() *database.Client {
	return s.client
}

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is one read-modify-write session. Reads within the transaction see
// a consistent view; Commit publishes all writes atomically.
type Tx struct {
	tx      *sql.Tx
	dialect string
}

// BeginTx starts a transaction.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, dialect: s.client.Dialect()}, nil
}

// Commit publishes the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres. Queries are written
// once in the sqlite style.
func rebind(dialect, query string) string {
	if dialect != database.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
