package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Environment signup policies and statuses. Only one value of each exists
// today; the columns are kept so the policy can grow without a migration.
const (
	SignupRestricted = "restricted"
	EnvStatusActive  = "active"
)

// Environment is a registered evaluation environment.
type Environment struct {
	Identifier  string
	EnvClass    string
	DisplayName string
	Config      json.RawMessage
	Signup      string
	Status      string
}

const envColumns = "identifier, env_class, display_name, config, signup, status"

func scanEnvironment(row *sql.Row) (*Environment, error) {
	var e Environment
	var config string
	if err := row.Scan(&e.Identifier, &e.EnvClass, &e.DisplayName, &config, &e.Signup, &e.Status); err != nil {
		return nil, err
	}
	e.Config = json.RawMessage(config)
	return &e, nil
}

// GetEnvironment loads one environment by slug.
func (s *Store) GetEnvironment(ctx context.Context, slug string) (*Environment, error) {
	row := s.client.DB().QueryRowContext(ctx,
		rebind(s.client.Dialect(), "SELECT "+envColumns+" FROM environments WHERE identifier = ?"), slug)
	e, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("environment %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load environment %q: %w", slug, err)
	}
	return e, nil
}

// ListEnvironments returns all environments ordered by slug.
func (s *Store) ListEnvironments(ctx context.Context) ([]Environment, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		"SELECT "+envColumns+" FROM environments ORDER BY identifier")
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []Environment
	for rows.Next() {
		var e Environment
		var config string
		if err := rows.Scan(&e.Identifier, &e.EnvClass, &e.DisplayName, &config, &e.Signup, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		e.Config = json.RawMessage(config)
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// CreateEnvironment registers an environment. With overwrite the record
// is replaced in place; without it an existing slug is an error.
func (s *Store) CreateEnvironment(ctx context.Context, e *Environment, overwrite bool) error {
	config := "null"
	if len(e.Config) > 0 {
		config = string(e.Config)
	}
	dialect := s.client.Dialect()

	if overwrite {
		_, err := s.client.DB().ExecContext(ctx, rebind(dialect, `
			INSERT INTO environments (identifier, env_class, display_name, config, signup, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(identifier) DO UPDATE SET
				env_class = excluded.env_class,
				display_name = excluded.display_name,
				config = excluded.config,
				signup = excluded.signup,
				status = excluded.status`),
			e.Identifier, e.EnvClass, e.DisplayName, config, e.Signup, e.Status)
		if err != nil {
			return fmt.Errorf("failed to upsert environment %q: %w", e.Identifier, err)
		}
		return nil
	}

	if _, err := s.GetEnvironment(ctx, e.Identifier); err == nil {
		return fmt.Errorf("environment %q: %w", e.Identifier, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := s.client.DB().ExecContext(ctx, rebind(dialect, `
		INSERT INTO environments (identifier, env_class, display_name, config, signup, status)
		VALUES (?, ?, ?, ?, ?, ?)`),
		e.Identifier, e.EnvClass, e.DisplayName, config, e.Signup, e.Status)
	if err != nil {
		return fmt.Errorf("failed to insert environment %q: %w", e.Identifier, err)
	}
	return nil
}

// DeleteEnvironmentCascade removes the environment and everything scoped
// to it (runs, aggregates, accounts and its recent-runs key) in one
// transaction.
func (s *Store) DeleteEnvironmentCascade(ctx context.Context, slug string) error {
	dialect := s.client.Dialect()
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, rebind(dialect, "DELETE FROM environments WHERE identifier = ?"), slug)
	if err != nil {
		return fmt.Errorf("failed to delete environment %q: %w", slug, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("environment %q: %w", slug, ErrNotFound)
	}

	for _, stmt := range []string{
		"DELETE FROM runs WHERE environment = ?",
		"DELETE FROM agent_stats WHERE environment = ?",
		"DELETE FROM accounts WHERE environment = ?",
	} {
		if _, err := tx.ExecContext(ctx, rebind(dialect, stmt), slug); err != nil {
			return fmt.Errorf("failed to cascade delete for environment %q: %w", slug, err)
		}
	}
	if _, err := tx.ExecContext(ctx, rebind(dialect, "DELETE FROM kv WHERE key = ?"), RecentRunsKey(slug)); err != nil {
		return fmt.Errorf("failed to delete recent-runs key for %q: %w", slug, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cascade delete: %w", err)
	}
	return nil
}
