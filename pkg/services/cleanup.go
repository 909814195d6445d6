package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arenaproj/arena/pkg/store"
)

// CleanupService implements the admin-triggered batch cleanup: for every
// agent, finished runs that fell out of the recently-finished index are
// deleted, then storage space is reclaimed.
type CleanupService struct {
	store *store.Store
}

// NewCleanupService creates a new CleanupService.
func NewCleanupService(st *store.Store) *CleanupService {
	return &CleanupService{store: st}
}

// RemoveNonRecentRuns deletes all non-recent finished runs across every
// agent and vacuums the database. Returns the number of deleted runs.
func (s *CleanupService) RemoveNonRecentRuns(ctx context.Context) (int64, error) {
	stats, err := s.store.ListAgentStats(ctx, "")
	if err != nil {
		return 0, err
	}

	var total int64
	for _, st := range stats {
		deleted, err := s.store.DeleteFinishedRunsExcept(ctx, st.Identifier, st.RecentlyFinishedRuns)
		if err != nil {
			return total, fmt.Errorf("cleanup of %q failed: %w", st.Identifier, err)
		}
		total += deleted
	}

	if err := s.store.Client().Vacuum(ctx); err != nil {
		return total, err
	}
	slog.Info("Removed non-recent runs", "deleted", total)
	return total, nil
}
