package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arenaproj/arena/pkg/auth"
	"github.com/arenaproj/arena/pkg/env"
	"github.com/arenaproj/arena/pkg/protocol"
	"github.com/arenaproj/arena/pkg/store"
	"github.com/arenaproj/arena/pkg/telemetry"
)

// cleanupModulus triggers non-recent run deletion every N finished runs
// of an agent. Deliberately large and prime: frequent cleanup would
// interfere with debugging.
const cleanupModulus = 2351

// recentRunsLimit bounds the recently-finished-runs indexes (per agent
// and per environment).
const recentRunsLimit = 20

// ActService is the action-dispatch and run-lifecycle engine. It ingests
// a normalized action batch, drives each addressed run through the
// environment capability and emits the next batch of action requests.
type ActService struct {
	store    *store.Store
	registry *env.Registry
	metrics  *telemetry.Metrics
}

// NewActService creates a new ActService.
func NewActService(st *store.Store, registry *env.Registry, metrics *telemetry.Metrics) *ActService {
	return &ActService{store: st, registry: registry, metrics: metrics}
}

// ProcessBatch authenticates the agent and processes one action batch.
// Authentication failures are returned as errors (the whole batch is
// rejected); per-action failures become error messages in the response
// and never abort the batch.
func (s *ActService) ProcessBatch(ctx context.Context, envSlug string, req protocol.ActRequest) (*protocol.ActResponse, error) {
	envRec, err := s.store.GetEnvironment(ctx, envSlug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no such environment %q: %w", envSlug, ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if envRec.Status != store.EnvStatusActive {
		return nil, fmt.Errorf("environment %q is not active: %w", envSlug, ErrUnauthorized)
	}

	accountID := store.AccountID(envSlug, req.Agent)
	account, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("unknown agent %q: %w", req.Agent, ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if account.Status != store.AccountActive {
		return nil, fmt.Errorf("agent %q is blocked: %w", req.Agent, ErrUnauthorized)
	}
	if !auth.VerifyPassword(req.Pwd, account.PasswordHash) {
		return nil, fmt.Errorf("wrong password for agent %q: %w", req.Agent, ErrUnauthorized)
	}

	instance, err := s.registry.New(envRec.EnvClass,
		env.Info{Slug: envRec.Identifier, DisplayName: envRec.DisplayName}, envRec.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate environment %q: %w", envSlug, err)
	}

	b := &batch{
		svc:       s,
		envRec:    envRec,
		instance:  instance,
		settings:  instance.Settings().Normalize(),
		accountID: accountID,
		agentName: req.Agent,
		resp:      protocol.NewActResponse(),
	}

	for _, action := range req.Actions {
		b.processAction(ctx, action)
	}
	for _, runID := range req.ToAbandon {
		b.processAbandon(ctx, runID)
	}

	if err := b.buildActionRequests(ctx, req.ParallelRuns); err != nil {
		return nil, err
	}
	return b.resp, nil
}

// batch carries the per-request state while one action batch is applied.
type batch struct {
	svc       *ActService
	envRec    *store.Environment
	instance  env.Environment
	settings  env.Settings
	accountID string
	agentName string
	resp      *protocol.ActResponse
}

func (b *batch) message(typ string, runID int64, content string) {
	run := runID
	b.resp.Messages = append(b.resp.Messages, protocol.Message{Type: typ, Run: &run, Content: content})
}

func (b *batch) errorMessage(runID int64, content string) {
	b.message(protocol.MessageError, runID, content)
}

// processAction applies one submitted action in its own transaction, so
// one malformed action cannot poison the rest of the batch.
func (b *batch) processAction(ctx context.Context, action protocol.Action) {
	cleanup, err := b.applyAction(ctx, action)
	if err != nil {
		slog.Error("Failed to process action",
			"environment", b.envRec.Identifier, "run", action.Run, "error", err)
		b.errorMessage(action.Run, "Failed to process the action - this is a server error")
		return
	}
	if cleanup {
		b.svc.cleanupNonRecent(ctx, b.accountID)
	}
}

func (b *batch) applyAction(ctx context.Context, action protocol.Action) (cleanup bool, err error) {
	tx, err := b.svc.store.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	run, err := b.loadOwnedRun(ctx, tx, action.Run)
	if run == nil || err != nil {
		return false, err
	}

	history, err := env.DecodeHistory(run.History)
	if err != nil {
		return false, err
	}
	if len(history) != action.ActNo {
		b.errorMessage(action.Run, wrongActionNumber)
		return false, nil
	}

	start := time.Now()
	result, err := b.instance.Act(ctx, action.Action, b.runData(run, history))
	b.svc.metrics.TimeAction(b.envRec.EnvClass, start)
	b.svc.metrics.ActionsTotal.WithLabelValues(b.envRec.Identifier).Inc()
	if err != nil {
		slog.Error("Environment act failed",
			"environment", b.envRec.Identifier, "run", run.ID, "error", err)
		b.errorMessage(action.Run, "The environment failed to process the action - this is a server error")
		return false, nil
	}

	if result.NewState == nil {
		// Rejected action: nothing is committed and outstanding_action
		// stays set, so the same request is re-offered. A broken agent
		// cannot churn requests to delay a losing run.
		msg := result.Message
		if msg == "" {
			msg = "The environment failed to update the state - this is a server error"
		}
		b.errorMessage(action.Run, msg)
		return false, nil
	}

	prevHistory := run.History
	history = append(history, env.HistoryEntry{Action: action.Action, ExtraInfo: result.ExtraInfo})
	encoded, err := env.EncodeHistory(history)
	if err != nil {
		return false, err
	}
	run.History = encoded
	run.State = result.NewState
	run.OutstandingAction = false

	finished := isOutcome(result.Outcome)
	if finished {
		outcome, err := parseOutcome(result.Outcome)
		if err != nil {
			slog.Error("Environment produced a non-numeric outcome",
				"environment", b.envRec.Identifier, "run", run.ID, "error", err)
			b.errorMessage(action.Run, "The environment produced an invalid outcome - this is a server error")
			return false, nil
		}
		cleanup, err = b.applyOutcome(ctx, tx, run, result.Outcome, outcome)
		if err != nil {
			return false, err
		}
	}

	if err := tx.UpdateRunGuarded(ctx, run, prevHistory); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent submission advanced the history first.
			b.errorMessage(action.Run, wrongActionNumber)
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	if result.Message != "" {
		b.message(protocol.MessageInfo, action.Run, result.Message)
	}
	if finished {
		b.resp.FinishedRuns[run.ID] = result.Outcome
	}
	return cleanup, nil
}

// processAbandon forfeits one run in its own transaction.
func (b *batch) processAbandon(ctx context.Context, runID int64) {
	if !b.settings.CanAbandonRuns {
		b.errorMessage(runID, "This environment does not allow abandoning runs")
		return
	}
	cleanup, err := b.abandonRun(ctx, runID)
	if err != nil {
		slog.Error("Failed to abandon run",
			"environment", b.envRec.Identifier, "run", runID, "error", err)
		b.errorMessage(runID, "Failed to abandon the run - this is a server error")
		return
	}
	if cleanup {
		b.svc.cleanupNonRecent(ctx, b.accountID)
	}
}

func (b *batch) abandonRun(ctx context.Context, runID int64) (cleanup bool, err error) {
	tx, err := b.svc.store.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	run, err := b.loadOwnedRun(ctx, tx, runID)
	if run == nil || err != nil {
		return false, err
	}

	history, err := env.DecodeHistory(run.History)
	if err != nil {
		return false, err
	}

	// The Abandoner contract was verified when the instance was built.
	outcomeRaw, err := b.instance.(env.Abandoner).AbandonOutcome(b.runData(run, history))
	if err != nil {
		return false, fmt.Errorf("abandon outcome failed: %w", err)
	}
	outcome, err := parseOutcome(outcomeRaw)
	if err != nil {
		return false, fmt.Errorf("abandon produced an invalid outcome: %w", err)
	}

	prevHistory := run.History
	cleanup, err = b.applyOutcome(ctx, tx, run, outcomeRaw, outcome)
	if err != nil {
		return false, err
	}
	if err := tx.UpdateRunGuarded(ctx, run, prevHistory); err != nil {
		if errors.Is(err, store.ErrConflict) {
			b.errorMessage(runID, wrongActionNumber)
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	b.message(protocol.MessageWarning, runID, "Run abandoned")
	b.resp.FinishedRuns[runID] = outcomeRaw
	return cleanup, nil
}

// applyOutcome drives the agent aggregate on a run's transition to
// FINISHED: rating update, recent-results window, fully-evaluated latch
// and the bounded recent-runs indexes. Returns true when the infrequent
// cleanup should follow the commit.
func (b *batch) applyOutcome(ctx context.Context, tx *store.Tx, run *store.Run, outcomeRaw json.RawMessage, outcome float64) (bool, error) {
	run.Finished = true
	run.Outcome = outcomeRaw
	run.OutstandingAction = false

	st, err := tx.GetAgentStats(ctx, b.accountID)
	if errors.Is(err, store.ErrNotFound) {
		st = &store.AgentStats{
			Identifier:    b.accountID,
			Environment:   b.envRec.Identifier,
			CurrentRating: b.settings.InitialRating,
			BestRating:    b.settings.InitialRating,
		}
	} else if err != nil {
		return false, err
	}

	st.TotalRuns++
	if st.TotalRuns >= int64(b.settings.MinRunsForFullyEvaluated) {
		st.FullyEvaluated = true
	}

	st.RecentResults = append(st.RecentResults, outcome)
	if n := b.settings.MinRunsForFullyEvaluated; len(st.RecentResults) > n {
		st.RecentResults = st.RecentResults[len(st.RecentResults)-n:]
	}
	var sum float64
	for _, r := range st.RecentResults {
		sum += r
	}
	st.CurrentRating = sum / float64(len(st.RecentResults))

	// best_rating moves only while fully evaluated and is always compared
	// against the previous best, never re-seeded.
	if st.FullyEvaluated {
		if b.settings.RatingObjective == env.ObjectiveMin {
			st.BestRating = min(st.BestRating, st.CurrentRating)
		} else {
			st.BestRating = max(st.BestRating, st.CurrentRating)
		}
	}

	st.RecentlyFinishedRuns = append(st.RecentlyFinishedRuns, run.ID)
	if len(st.RecentlyFinishedRuns) > recentRunsLimit {
		st.RecentlyFinishedRuns = st.RecentlyFinishedRuns[len(st.RecentlyFinishedRuns)-recentRunsLimit:]
	}

	if err := b.appendEnvRecentRun(ctx, tx, run.ID); err != nil {
		return false, err
	}
	if err := tx.PutAgentStats(ctx, st); err != nil {
		return false, err
	}

	return st.TotalRuns%cleanupModulus == 0, nil
}

func (b *batch) appendEnvRecentRun(ctx context.Context, tx *store.Tx, runID int64) error {
	key := store.RecentRunsKey(b.envRec.Identifier)
	value, ok, err := tx.GetKV(ctx, key)
	if err != nil {
		return err
	}
	var recent []int64
	if ok {
		if err := json.Unmarshal([]byte(value), &recent); err != nil {
			return fmt.Errorf("failed to decode %q: %w", key, err)
		}
	}
	recent = append(recent, runID)
	if len(recent) > recentRunsLimit {
		recent = recent[len(recent)-recentRunsLimit:]
	}
	encoded, err := json.Marshal(recent)
	if err != nil {
		return err
	}
	return tx.SetKV(ctx, key, string(encoded))
}

// buildActionRequests computes the outgoing batch in a fresh transaction
// after all actions have been applied.
func (b *batch) buildActionRequests(ctx context.Context, parallelRuns bool) error {
	maxRequests := b.settings.NumberOfActionRequests
	if !parallelRuns {
		maxRequests = 1
	}

	runs, err := b.svc.store.ListUnfinishedRuns(ctx, b.accountID)
	if err != nil {
		return err
	}

	var outstanding []store.Run
	for _, r := range runs {
		if r.OutstandingAction {
			outstanding = append(outstanding, r)
		}
	}

	var selected []store.Run
	if len(outstanding) > 0 {
		// Anti-cheat core: an agent with an open request is re-offered
		// that request until it actually responds; no new runs start.
		selected = outstanding
	} else {
		for len(runs) < maxRequests {
			run, err := b.createRun(ctx)
			if err != nil {
				return err
			}
			runs = append(runs, *run)
		}
		selected = runs
	}
	if len(selected) > maxRequests {
		selected = selected[:maxRequests]
	}

	tx, err := b.svc.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, run := range selected {
		history, err := env.DecodeHistory(run.History)
		if err != nil {
			return err
		}
		percept, err := b.instance.ActionRequest(b.runData(&run, history))
		if err != nil {
			return fmt.Errorf("failed to compute percept for run %d: %w", run.ID, err)
		}
		if err := tx.SetRunOutstanding(ctx, run.ID, true); err != nil {
			return err
		}
		b.resp.ActionRequests = append(b.resp.ActionRequests, protocol.ActionRequest{
			Run:     run.ID,
			ActNo:   len(history),
			Percept: percept,
		})
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, run := range runs {
		b.resp.ActiveRuns = append(b.resp.ActiveRuns, run.ID)
	}
	return nil
}

// createRun asks the environment for a fresh state and persists it in
// its own transaction.
func (b *batch) createRun(ctx context.Context) (*store.Run, error) {
	start := time.Now()
	state, err := b.instance.NewRun(ctx)
	b.svc.metrics.TimeRunCreate(b.envRec.EnvClass, start)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	tx, err := b.svc.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	run := &store.Run{
		Environment: b.envRec.Identifier,
		Agent:       b.accountID,
		State:       state,
	}
	if err := tx.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// loadOwnedRun loads a run and verifies ownership and liveness. When it
// returns (nil, nil) a per-action error message was already emitted.
func (b *batch) loadOwnedRun(ctx context.Context, tx *store.Tx, runID int64) (*store.Run, error) {
	run, err := tx.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		b.errorMessage(runID, "Invalid run id")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Agent != b.accountID {
		b.errorMessage(runID, "This run does not belong to your agent")
		return nil, nil
	}
	if run.Finished {
		// FINISHED is absorbing; a finished run is as good as gone.
		b.errorMessage(runID, "Invalid run id")
		return nil, nil
	}
	return run, nil
}

func (b *batch) runData(run *store.Run, history []env.HistoryEntry) env.RunData {
	return env.RunData{
		ID:      run.ID,
		Agent:   b.agentName,
		State:   run.State,
		History: history,
	}
}

// cleanupNonRecent deletes the agent's finished runs that fell out of
// the recently-finished index. Failures are logged, never surfaced.
func (s *ActService) cleanupNonRecent(ctx context.Context, accountID string) {
	st, err := s.store.GetAgentStats(ctx, accountID)
	if err != nil {
		slog.Warn("Skipping run cleanup", "agent", accountID, "error", err)
		return
	}
	deleted, err := s.store.DeleteFinishedRunsExcept(ctx, accountID, st.RecentlyFinishedRuns)
	if err != nil {
		slog.Warn("Run cleanup failed", "agent", accountID, "error", err)
		return
	}
	slog.Info("Deleted non-recent runs", "agent", accountID, "deleted", deleted)
}

const wrongActionNumber = "Wrong action number (the action might have been intended for an earlier state)"

// isOutcome reports whether the capability terminated the run.
func isOutcome(outcome json.RawMessage) bool {
	return len(outcome) > 0 && string(outcome) != "null"
}

// parseOutcome extracts the numeric outcome value used by the rating
// pipeline.
func parseOutcome(outcome json.RawMessage) (float64, error) {
	var value float64
	if err := json.Unmarshal(outcome, &value); err != nil {
		return 0, fmt.Errorf("outcome %q is not numeric: %w", outcome, err)
	}
	return value, nil
}
