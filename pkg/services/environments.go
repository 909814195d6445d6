package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arenaproj/arena/pkg/env"
	"github.com/arenaproj/arena/pkg/store"
)

// EnvService manages environment registration and destruction.
type EnvService struct {
	store    *store.Store
	registry *env.Registry
}

// NewEnvService creates a new EnvService.
func NewEnvService(st *store.Store, registry *env.Registry) *EnvService {
	return &EnvService{store: st, registry: registry}
}

// CreateEnvironmentRequest carries the admin parameters of makeenv.
type CreateEnvironmentRequest struct {
	Slug        string
	EnvClass    string
	DisplayName string
	Config      json.RawMessage
	Overwrite   bool
}

// Create registers an environment. The referenced environment class must
// resolve in the registry and its settings contract must hold, so a typo
// fails at registration time rather than on the first action batch.
func (s *EnvService) Create(ctx context.Context, req CreateEnvironmentRequest) error {
	if err := ValidateEnvSlug(req.Slug); err != nil {
		return err
	}
	if req.EnvClass == "" {
		return NewValidationError("env_class", "required")
	}
	if req.DisplayName == "" {
		return NewValidationError("display_name", "required")
	}

	if _, err := s.registry.New(req.EnvClass,
		env.Info{Slug: req.Slug, DisplayName: req.DisplayName}, req.Config); err != nil {
		return NewValidationError("env_class", err.Error())
	}

	err := s.store.CreateEnvironment(ctx, &store.Environment{
		Identifier:  req.Slug,
		EnvClass:    req.EnvClass,
		DisplayName: req.DisplayName,
		Config:      req.Config,
		Signup:      store.SignupRestricted,
		Status:      store.EnvStatusActive,
	}, req.Overwrite)
	if errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("environment %q: %w", req.Slug, ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	slog.Info("Environment registered", "environment", req.Slug, "env_class", req.EnvClass)
	return nil
}

// Get loads one environment record.
func (s *EnvService) Get(ctx context.Context, slug string) (*store.Environment, error) {
	rec, err := s.store.GetEnvironment(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("environment %q: %w", slug, ErrNotFound)
	}
	return rec, err
}

// Destroy removes the environment and cascades over every run, aggregate
// and account scoped to it.
func (s *EnvService) Destroy(ctx context.Context, slug string) error {
	err := s.store.DeleteEnvironmentCascade(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("environment %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return err
	}
	slog.Info("Environment destroyed", "environment", slug)
	return nil
}
