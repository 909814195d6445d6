package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AccountStatus is stored as an integer so new states can be added
// without a migration.
type AccountStatus int

// Account statuses.
const (
	AccountLocked AccountStatus = 0
	AccountActive AccountStatus = 1
)

// Account is an agent's credential record, identified by
// "<env-slug>/<agent-name>".
type Account struct {
	Identifier   string
	Environment  string
	PasswordHash string
	Status       AccountStatus
}

// AccountID builds the account identifier from its parts.
func AccountID(envSlug, agent string) string {
	return envSlug + "/" + agent
}

// GetAccount loads one account by identifier.
func (s *Store) GetAccount(ctx context.Context, identifier string) (*Account, error) {
	var a Account
	err := s.client.DB().QueryRowContext(ctx, rebind(s.client.Dialect(),
		"SELECT identifier, environment, password_hash, status FROM accounts WHERE identifier = ?"),
		identifier).Scan(&a.Identifier, &a.Environment, &a.PasswordHash, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %q: %w", identifier, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %q: %w", identifier, err)
	}
	return &a, nil
}

// CreateAccount stores a fresh account. With overwrite the password hash
// and status are replaced; without it an existing identifier is an error.
func (s *Store) CreateAccount(ctx context.Context, a *Account, overwrite bool) error {
	dialect := s.client.Dialect()
	if overwrite {
		_, err := s.client.DB().ExecContext(ctx, rebind(dialect, `
			INSERT INTO accounts (identifier, environment, password_hash, status)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(identifier) DO UPDATE SET
				password_hash = excluded.password_hash,
				status = excluded.status`),
			a.Identifier, a.Environment, a.PasswordHash, a.Status)
		if err != nil {
			return fmt.Errorf("failed to upsert account %q: %w", a.Identifier, err)
		}
		return nil
	}

	if _, err := s.GetAccount(ctx, a.Identifier); err == nil {
		return fmt.Errorf("account %q: %w", a.Identifier, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := s.client.DB().ExecContext(ctx, rebind(dialect, `
		INSERT INTO accounts (identifier, environment, password_hash, status)
		VALUES (?, ?, ?, ?)`),
		a.Identifier, a.Environment, a.PasswordHash, a.Status)
	if err != nil {
		return fmt.Errorf("failed to insert account %q: %w", a.Identifier, err)
	}
	return nil
}

// SetAccountStatus flips an account between active and locked.
func (s *Store) SetAccountStatus(ctx context.Context, identifier string, status AccountStatus) error {
	res, err := s.client.DB().ExecContext(ctx, rebind(s.client.Dialect(),
		"UPDATE accounts SET status = ? WHERE identifier = ?"), status, identifier)
	if err != nil {
		return fmt.Errorf("failed to update account %q: %w", identifier, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %q: %w", identifier, ErrNotFound)
	}
	return nil
}
