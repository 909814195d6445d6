package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/arenaproj/arena/pkg/database"
)

// Run is one evaluation run. State, history and outcome are opaque JSON
// maintained by the environment capability; the store never interprets
// them. History is an append-only JSON array of [action, extra_info]
// pairs and doubles as the optimistic-concurrency guard for updates.
type Run struct {
	ID                int64
	Environment       string
	Agent             string
	Finished          bool
	OutstandingAction bool
	State             json.RawMessage
	History           json.RawMessage
	Outcome           json.RawMessage
}

const runColumns = "id, environment, agent, finished, outstanding_action, state, history, outcome"

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var state, history, outcome string
	if err := scan(&r.ID, &r.Environment, &r.Agent, &r.Finished, &r.OutstandingAction,
		&state, &history, &outcome); err != nil {
		return nil, err
	}
	r.State = json.RawMessage(state)
	r.History = json.RawMessage(history)
	r.Outcome = json.RawMessage(outcome)
	return &r, nil
}

func getRun(ctx context.Context, q querier, dialect string, id int64) (*Run, error) {
	row := q.QueryRowContext(ctx, rebind(dialect,
		"SELECT "+runColumns+" FROM runs WHERE id = ?"), id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %d: %w", id, err)
	}
	return r, nil
}

// GetRun loads one run outside a transaction.
func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	return getRun(ctx, s.client.DB(), s.client.Dialect(), id)
}

// GetRun loads one run within the transaction.
func (t *Tx) GetRun(ctx context.Context, id int64) (*Run, error) {
	return getRun(ctx, t.tx, t.dialect, id)
}

// CreateRun inserts a fresh run and fills in its assigned id.
func (t *Tx) CreateRun(ctx context.Context, r *Run) error {
	history := string(r.History)
	if history == "" {
		history = "[]"
	}
	outcome := string(r.Outcome)
	if outcome == "" {
		outcome = "null"
	}

	if t.dialect == database.DialectPostgres {
		err := t.tx.QueryRowContext(ctx, rebind(t.dialect, `
			INSERT INTO runs (environment, agent, finished, outstanding_action, state, history, outcome)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			r.Environment, r.Agent, r.Finished, r.OutstandingAction,
			string(r.State), history, outcome).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return nil
	}

	res, err := t.tx.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO runs (environment, agent, finished, outstanding_action, state, history, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.Environment, r.Agent, r.Finished, r.OutstandingAction,
		string(r.State), history, outcome)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}
	return nil
}

// UpdateRunGuarded writes the run's mutable columns, guarded by the
// history value read at the start of the transaction. A concurrent
// submission that advanced the history first makes the guard miss; the
// caller then reports the stale action instead of committing it.
func (t *Tx) UpdateRunGuarded(ctx context.Context, r *Run, prevHistory json.RawMessage) error {
	guard := string(prevHistory)
	if guard == "" {
		guard = "[]"
	}
	res, err := t.tx.ExecContext(ctx, rebind(t.dialect, `
		UPDATE runs
		SET finished = ?, outstanding_action = ?, state = ?, history = ?, outcome = ?
		WHERE id = ? AND history = ? AND finished = ?`),
		r.Finished, r.OutstandingAction, string(r.State), string(r.History), string(r.Outcome),
		r.ID, guard, false)
	if err != nil {
		return fmt.Errorf("failed to update run %d: %w", r.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %d: %w", r.ID, ErrConflict)
	}
	return nil
}

// SetRunOutstanding flips the outstanding-action bit of an unfinished run.
func (t *Tx) SetRunOutstanding(ctx context.Context, id int64, outstanding bool) error {
	_, err := t.tx.ExecContext(ctx, rebind(t.dialect,
		"UPDATE runs SET outstanding_action = ? WHERE id = ? AND finished = ?"),
		outstanding, id, false)
	if err != nil {
		return fmt.Errorf("failed to update run %d: %w", id, err)
	}
	return nil
}

func listUnfinishedRuns(ctx context.Context, q querier, dialect, agent string) ([]Run, error) {
	rows, err := q.QueryContext(ctx, rebind(dialect,
		"SELECT "+runColumns+" FROM runs WHERE agent = ? AND finished = ? ORDER BY id"),
		agent, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs of %q: %w", agent, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListUnfinishedRuns returns the agent's unfinished runs ordered by id.
func (s *Store) ListUnfinishedRuns(ctx context.Context, agent string) ([]Run, error) {
	return listUnfinishedRuns(ctx, s.client.DB(), s.client.Dialect(), agent)
}

// ListUnfinishedRuns returns the agent's unfinished runs within the
// transaction, ordered by id.
func (t *Tx) ListUnfinishedRuns(ctx context.Context, agent string) ([]Run, error) {
	return listUnfinishedRuns(ctx, t.tx, t.dialect, agent)
}

// DeleteFinishedRunsExcept deletes the agent's finished runs whose ids
// are not in keep, returning the number of deleted rows. Used by the
// housekeeping paths; unfinished runs are never touched.
func (s *Store) DeleteFinishedRunsExcept(ctx context.Context, agent string, keep []int64) (int64, error) {
	query := "DELETE FROM runs WHERE agent = ? AND finished = ?"
	args := []any{agent, true}
	if len(keep) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(", ?", len(keep)-1) + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := s.client.DB().ExecContext(ctx, rebind(s.client.Dialect(), query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete non-recent runs of %q: %w", agent, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return deleted, nil
}
