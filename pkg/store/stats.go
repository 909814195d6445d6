package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// AgentStats is the per-agent rating aggregate, created lazily on the
// first finished run. Identifier matches the account identifier.
type AgentStats struct {
	Identifier           string
	Environment          string
	TotalRuns            int64
	FullyEvaluated       bool
	RecentResults        []float64
	RecentlyFinishedRuns []int64
	CurrentRating        float64
	BestRating           float64
}

const statsColumns = "identifier, environment, total_runs, fully_evaluated, " +
	"recent_results, recently_finished_runs, current_rating, best_rating"

func scanStats(scan func(dest ...any) error) (*AgentStats, error) {
	var st AgentStats
	var results, runs string
	if err := scan(&st.Identifier, &st.Environment, &st.TotalRuns, &st.FullyEvaluated,
		&results, &runs, &st.CurrentRating, &st.BestRating); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(results), &st.RecentResults); err != nil {
		return nil, fmt.Errorf("failed to decode recent_results of %q: %w", st.Identifier, err)
	}
	if err := json.Unmarshal([]byte(runs), &st.RecentlyFinishedRuns); err != nil {
		return nil, fmt.Errorf("failed to decode recently_finished_runs of %q: %w", st.Identifier, err)
	}
	return &st, nil
}

func getAgentStats(ctx context.Context, q querier, dialect, identifier string) (*AgentStats, error) {
	row := q.QueryRowContext(ctx, rebind(dialect,
		"SELECT "+statsColumns+" FROM agent_stats WHERE identifier = ?"), identifier)
	st, err := scanStats(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent stats %q: %w", identifier, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent stats %q: %w", identifier, err)
	}
	return st, nil
}

// GetAgentStats loads one aggregate outside a transaction.
func (s *Store) GetAgentStats(ctx context.Context, identifier string) (*AgentStats, error) {
	return getAgentStats(ctx, s.client.DB(), s.client.Dialect(), identifier)
}

// GetAgentStats loads one aggregate within the transaction.
func (t *Tx) GetAgentStats(ctx context.Context, identifier string) (*AgentStats, error) {
	return getAgentStats(ctx, t.tx, t.dialect, identifier)
}

// ListAgentStats returns the aggregates of one environment (or of all
// environments when env is empty), ordered by identifier.
func (s *Store) ListAgentStats(ctx context.Context, env string) ([]AgentStats, error) {
	query := "SELECT " + statsColumns + " FROM agent_stats"
	var args []any
	if env != "" {
		query += " WHERE environment = ?"
		args = append(args, env)
	}
	query += " ORDER BY identifier"

	rows, err := s.client.DB().QueryContext(ctx, rebind(s.client.Dialect(), query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent stats: %w", err)
	}
	defer rows.Close()

	var all []AgentStats
	for rows.Next() {
		st, err := scanStats(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent stats: %w", err)
		}
		all = append(all, *st)
	}
	return all, rows.Err()
}

// PutAgentStats upserts the aggregate within the transaction.
func (t *Tx) PutAgentStats(ctx context.Context, st *AgentStats) error {
	results, err := json.Marshal(st.RecentResults)
	if err != nil {
		return fmt.Errorf("failed to encode recent_results: %w", err)
	}
	if st.RecentResults == nil {
		results = []byte("[]")
	}
	runs, err := json.Marshal(st.RecentlyFinishedRuns)
	if err != nil {
		return fmt.Errorf("failed to encode recently_finished_runs: %w", err)
	}
	if st.RecentlyFinishedRuns == nil {
		runs = []byte("[]")
	}

	_, err = t.tx.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO agent_stats (identifier, environment, total_runs, fully_evaluated,
			recent_results, recently_finished_runs, current_rating, best_rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			total_runs = excluded.total_runs,
			fully_evaluated = excluded.fully_evaluated,
			recent_results = excluded.recent_results,
			recently_finished_runs = excluded.recently_finished_runs,
			current_rating = excluded.current_rating,
			best_rating = excluded.best_rating`),
		st.Identifier, st.Environment, st.TotalRuns, st.FullyEvaluated,
		string(results), string(runs), st.CurrentRating, st.BestRating)
	if err != nil {
		return fmt.Errorf("failed to upsert agent stats %q: %w", st.Identifier, err)
	}
	return nil
}
