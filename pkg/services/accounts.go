package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arenaproj/arena/pkg/auth"
	"github.com/arenaproj/arena/pkg/store"
)

// AccountService manages agent accounts. Passwords are always minted
// here; the client never chooses one.
type AccountService struct {
	store *store.Store
}

// NewAccountService creates a new AccountService.
func NewAccountService(st *store.Store) *AccountService {
	return &AccountService{store: st}
}

// Create makes an agent account in an existing environment and returns
// the generated password. With overwrite an existing account gets a
// fresh password and is re-activated.
func (s *AccountService) Create(ctx context.Context, envSlug, agent string, overwrite bool) (string, error) {
	if err := ValidateEnvSlug(envSlug); err != nil {
		return "", err
	}
	if err := ValidateAgentName(agent); err != nil {
		return "", err
	}
	if _, err := s.store.GetEnvironment(ctx, envSlug); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("environment %q: %w", envSlug, ErrNotFound)
		}
		return "", err
	}

	pwd, err := auth.GeneratePassword()
	if err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}

	err = s.store.CreateAccount(ctx, &store.Account{
		Identifier:   store.AccountID(envSlug, agent),
		Environment:  envSlug,
		PasswordHash: auth.HashPassword(pwd),
		Status:       store.AccountActive,
	}, overwrite)
	if errors.Is(err, store.ErrAlreadyExists) {
		return "", fmt.Errorf("agent %q: %w", agent, ErrAlreadyExists)
	}
	if err != nil {
		return "", err
	}
	slog.Info("Agent account created", "environment", envSlug, "agent", agent, "overwrite", overwrite)
	return pwd, nil
}

// Get loads one account record.
func (s *AccountService) Get(ctx context.Context, envSlug, agent string) (*store.Account, error) {
	acc, err := s.store.GetAccount(ctx, store.AccountID(envSlug, agent))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("agent %q: %w", agent, ErrNotFound)
	}
	return acc, err
}

// Block sets the account status to LOCKED.
func (s *AccountService) Block(ctx context.Context, envSlug, agent string) error {
	return s.setStatus(ctx, envSlug, agent, store.AccountLocked)
}

// Unblock sets the account status back to ACTIVE.
func (s *AccountService) Unblock(ctx context.Context, envSlug, agent string) error {
	return s.setStatus(ctx, envSlug, agent, store.AccountActive)
}

func (s *AccountService) setStatus(ctx context.Context, envSlug, agent string, status store.AccountStatus) error {
	err := s.store.SetAccountStatus(ctx, store.AccountID(envSlug, agent), status)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("agent %q: %w", agent, ErrNotFound)
	}
	if err != nil {
		return err
	}
	slog.Info("Agent status changed", "environment", envSlug, "agent", agent, "status", status)
	return nil
}
