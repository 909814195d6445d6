package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arenaproj/arena/pkg/store"
)

// ResultsService exposes per-agent aggregates for the results endpoints.
type ResultsService struct {
	store *store.Store
}

// NewResultsService creates a new ResultsService.
func NewResultsService(st *store.Store) *ResultsService {
	return &ResultsService{store: st}
}

// AgentResult is one agent's published rating state.
type AgentResult struct {
	Environment    string  `json:"environment"`
	Agent          string  `json:"agent"`
	TotalRuns      int64   `json:"total_runs"`
	FullyEvaluated bool    `json:"fully_evaluated"`
	CurrentRating  float64 `json:"current_rating"`
	BestRating     float64 `json:"best_rating"`
}

// List returns the aggregates of one environment, or of all environments
// when envSlug is empty.
func (s *ResultsService) List(ctx context.Context, envSlug string) ([]AgentResult, error) {
	if envSlug != "" {
		if _, err := s.store.GetEnvironment(ctx, envSlug); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("environment %q: %w", envSlug, ErrNotFound)
			}
			return nil, err
		}
	}

	stats, err := s.store.ListAgentStats(ctx, envSlug)
	if err != nil {
		return nil, err
	}

	results := make([]AgentResult, 0, len(stats))
	for _, st := range stats {
		agent := st.Identifier
		if name, found := strings.CutPrefix(st.Identifier, st.Environment+"/"); found {
			agent = name
		}
		results = append(results, AgentResult{
			Environment:    st.Environment,
			Agent:          agent,
			TotalRuns:      st.TotalRuns,
			FullyEvaluated: st.FullyEvaluated,
			CurrentRating:  st.CurrentRating,
			BestRating:     st.BestRating,
		})
	}
	return results, nil
}
