package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaproj/arena/pkg/auth"
	"github.com/arenaproj/arena/pkg/database"
	"github.com/arenaproj/arena/pkg/env"
	"github.com/arenaproj/arena/pkg/protocol"
	"github.com/arenaproj/arena/pkg/store"
	"github.com/arenaproj/arena/pkg/telemetry"
)

const (
	testEnvClass = "arena.test:Stub"
	testPwd      = "test-password"
)

// stubEnv is a scripted environment for dispatcher tests. Its state is a
// JSON number; a numeric action adds to it, `"bad"` is rejected, `"boom"`
// fails internally and `{"finish": v}` terminates the run with outcome v.
type stubEnv struct {
	settings env.Settings
}

type stubConfig struct {
	InitialRating float64 `json:"initial_rating"`
	MinRuns       int     `json:"min_runs"`
	Objective     string  `json:"objective"`
	MaxRequests   int     `json:"max_requests"`
	CanAbandon    bool    `json:"can_abandon"`
}

func stubFactory(_ env.Info, config json.RawMessage) (env.Environment, error) {
	cfg := stubConfig{MinRuns: 3, MaxRequests: 5, CanAbandon: true}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}
	return &stubEnv{settings: env.Settings{
		InitialRating:            cfg.InitialRating,
		MinRunsForFullyEvaluated: cfg.MinRuns,
		RatingObjective:          cfg.Objective,
		NumberOfActionRequests:   cfg.MaxRequests,
		CanAbandonRuns:           cfg.CanAbandon,
	}}, nil
}

func (e *stubEnv) Settings() env.Settings { return e.settings }

func (e *stubEnv) NewRun(context.Context) (json.RawMessage, error) {
	return json.RawMessage("0"), nil
}

func (e *stubEnv) Act(_ context.Context, action json.RawMessage, run env.RunData) (env.ActionResult, error) {
	var finish struct {
		Finish *float64 `json:"finish"`
	}
	if err := json.Unmarshal(action, &finish); err == nil && finish.Finish != nil {
		outcome, _ := json.Marshal(*finish.Finish)
		return env.ActionResult{NewState: run.State, Outcome: outcome}, nil
	}

	var s string
	if err := json.Unmarshal(action, &s); err == nil {
		switch s {
		case "bad":
			return env.ActionResult{Message: "Bad move"}, nil
		case "boom":
			return env.ActionResult{}, fmt.Errorf("stub exploded")
		}
	}

	var n, state float64
	if err := json.Unmarshal(action, &n); err != nil {
		return env.ActionResult{Message: "Unparseable action"}, nil
	}
	if err := json.Unmarshal(run.State, &state); err != nil {
		return env.ActionResult{}, err
	}
	newState, _ := json.Marshal(state + n)
	return env.ActionResult{NewState: newState}, nil
}

func (e *stubEnv) ActionRequest(run env.RunData) (json.RawMessage, error) {
	return run.State, nil
}

func (e *stubEnv) AbandonOutcome(env.RunData) (json.RawMessage, error) {
	return json.RawMessage("-1"), nil
}

type testEngine struct {
	svc   *ActService
	store *store.Store
}

// newTestEngine boots a sqlite-backed engine with the stub environment
// registered as "stub" and an active agent account "a".
func newTestEngine(t *testing.T, envConfig string) *testEngine {
	t.Helper()
	ctx := context.Background()

	client, err := database.NewClient(ctx, database.Config{
		URL: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client)
	registry := env.NewRegistry()
	registry.Register(testEnvClass, stubFactory)

	require.NoError(t, st.CreateEnvironment(ctx, &store.Environment{
		Identifier:  "stub",
		EnvClass:    testEnvClass,
		DisplayName: "Stub",
		Config:      json.RawMessage(envConfig),
		Signup:      store.SignupRestricted,
		Status:      store.EnvStatusActive,
	}, false))
	require.NoError(t, st.CreateAccount(ctx, &store.Account{
		Identifier:   "stub/a",
		Environment:  "stub",
		PasswordHash: auth.HashPassword(testPwd),
		Status:       store.AccountActive,
	}, false))

	return &testEngine{
		svc:   NewActService(st, registry, telemetry.New(nil)),
		store: st,
	}
}

func (e *testEngine) act(t *testing.T, req protocol.ActRequest) *protocol.ActResponse {
	t.Helper()
	if req.Agent == "" {
		req.Agent = "a"
	}
	if req.Pwd == "" {
		req.Pwd = testPwd
	}
	resp, err := e.svc.ProcessBatch(context.Background(), "stub", req)
	require.NoError(t, err)
	return resp
}

func emptyBatch() protocol.ActRequest {
	return protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: true}
}

func errorContents(resp *protocol.ActResponse) []string {
	var out []string
	for _, m := range resp.Messages {
		if m.Type == protocol.MessageError {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestEmptyBatchIssuesActionRequests(t *testing.T) {
	e := newTestEngine(t, "{}")
	resp := e.act(t, emptyBatch())

	require.Len(t, resp.ActionRequests, 5)
	require.Len(t, resp.ActiveRuns, 5)
	assert.Empty(t, resp.Messages)
	assert.Empty(t, resp.FinishedRuns)

	seen := map[int64]bool{}
	for _, ar := range resp.ActionRequests {
		assert.Equal(t, 0, ar.ActNo)
		assert.Equal(t, "0", string(ar.Percept))
		assert.False(t, seen[ar.Run])
		seen[ar.Run] = true

		run, err := e.store.GetRun(context.Background(), ar.Run)
		require.NoError(t, err)
		assert.True(t, run.OutstandingAction)
	}
}

func TestSingleRequestMode(t *testing.T) {
	e := newTestEngine(t, "{}")
	resp := e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	assert.Len(t, resp.ActionRequests, 1)
	assert.Len(t, resp.ActiveRuns, 1)
}

func TestAuthenticationGate(t *testing.T) {
	e := newTestEngine(t, "{}")
	ctx := context.Background()

	_, err := e.svc.ProcessBatch(ctx, "missing", protocol.ActRequest{Agent: "a", Pwd: testPwd})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.svc.ProcessBatch(ctx, "stub", protocol.ActRequest{Agent: "ghost", Pwd: testPwd})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.svc.ProcessBatch(ctx, "stub", protocol.ActRequest{Agent: "a", Pwd: "wrong"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, e.store.SetAccountStatus(ctx, "stub/a", store.AccountLocked))
	_, err = e.svc.ProcessBatch(ctx, "stub", protocol.ActRequest{Agent: "a", Pwd: testPwd})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWrongActionNumberDoesNotMutate(t *testing.T) {
	e := newTestEngine(t, "{}")
	first := e.act(t, emptyBatch())
	runID := first.ActionRequests[0].Run

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    true,
		Actions:         []protocol.Action{{Run: runID, ActNo: 5, Action: json.RawMessage("1")}},
	})
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, protocol.MessageError, resp.Messages[0].Type)
	assert.Contains(t, resp.Messages[0].Content, "Wrong action number")

	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(run.History))
	assert.True(t, run.OutstandingAction)
}

func TestInvalidRunAndOwnership(t *testing.T) {
	e := newTestEngine(t, "{}")
	ctx := context.Background()
	first := e.act(t, emptyBatch())
	runID := first.ActionRequests[0].Run

	// Another agent must not be able to act on this run.
	require.NoError(t, e.store.CreateAccount(ctx, &store.Account{
		Identifier:   "stub/b",
		Environment:  "stub",
		PasswordHash: auth.HashPassword(testPwd),
		Status:       store.AccountActive,
	}, false))
	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		Agent:           "b",
		ParallelRuns:    false,
		Actions:         []protocol.Action{{Run: runID, ActNo: 0, Action: json.RawMessage("1")}},
	})
	require.NotEmpty(t, errorContents(resp))
	assert.Contains(t, errorContents(resp)[0], "does not belong to your agent")

	resp = e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    true,
		Actions:         []protocol.Action{{Run: 999999, ActNo: 0, Action: json.RawMessage("1")}},
	})
	require.NotEmpty(t, errorContents(resp))
	assert.Contains(t, errorContents(resp)[0], "Invalid run id")
}

func TestRejectedActionIsReoffered(t *testing.T) {
	e := newTestEngine(t, "{}")
	first := e.act(t, emptyBatch())
	runID := first.ActionRequests[0].Run

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    true,
		Actions:         []protocol.Action{{Run: runID, ActNo: 0, Action: json.RawMessage(`"bad"`)}},
	})
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, protocol.MessageError, resp.Messages[0].Type)
	assert.Equal(t, "Bad move", resp.Messages[0].Content)

	// History untouched, outstanding bit kept, and the run is offered
	// again with the same action number.
	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(run.History))
	assert.True(t, run.OutstandingAction)

	offered := map[int64]int{}
	for _, ar := range resp.ActionRequests {
		offered[ar.Run] = ar.ActNo
	}
	actNo, ok := offered[runID]
	require.True(t, ok)
	assert.Equal(t, 0, actNo)
}

func TestCapabilityFailureIsPerActionError(t *testing.T) {
	e := newTestEngine(t, "{}")
	first := e.act(t, emptyBatch())
	runID := first.ActionRequests[0].Run

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    true,
		Actions:         []protocol.Action{{Run: runID, ActNo: 0, Action: json.RawMessage(`"boom"`)}},
	})
	require.NotEmpty(t, errorContents(resp))
	assert.Contains(t, errorContents(resp)[0], "server error")

	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(run.History))
}

func TestSuccessfulActionAdvancesHistory(t *testing.T) {
	e := newTestEngine(t, "{}")
	first := e.act(t, emptyBatch())
	runID := first.ActionRequests[0].Run

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    true,
		Actions:         []protocol.Action{{Run: runID, ActNo: 0, Action: json.RawMessage("3")}},
	})
	assert.Empty(t, errorContents(resp))
	assert.Empty(t, resp.FinishedRuns)

	offered := map[int64]protocol.ActionRequest{}
	for _, ar := range resp.ActionRequests {
		offered[ar.Run] = ar
	}
	ar, ok := offered[runID]
	require.True(t, ok)
	assert.Equal(t, 1, ar.ActNo)
	assert.Equal(t, "3", string(ar.Percept))
}

func TestOutstandingRunBlocksNewRuns(t *testing.T) {
	e := newTestEngine(t, "{}")
	first := e.act(t, emptyBatch())
	require.Len(t, first.ActionRequests, 5)
	runID := first.ActionRequests[0].Run

	// Answering one of five leaves four outstanding; the response must
	// re-offer only those and start nothing new.
	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    true,
		Actions:         []protocol.Action{{Run: runID, ActNo: 0, Action: json.RawMessage("1")}},
	})
	assert.Len(t, resp.ActionRequests, 4)
	assert.Len(t, resp.ActiveRuns, 5)
	for _, ar := range resp.ActionRequests {
		assert.NotEqual(t, runID, ar.Run)
	}
}

func finishRun(t *testing.T, e *testEngine, runID int64, actNo int, outcome float64) *protocol.ActResponse {
	t.Helper()
	action, err := json.Marshal(map[string]float64{"finish": outcome})
	require.NoError(t, err)
	return e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    false,
		Actions:         []protocol.Action{{Run: runID, ActNo: actNo, Action: action}},
	})
}

func TestOutcomeDrivesAggregate(t *testing.T) {
	e := newTestEngine(t, `{"min_runs": 3, "initial_rating": 0.5}`)
	ctx := context.Background()

	outcomes := []float64{1, 0, 1, 1}
	var finished []int64
	for i, outcome := range outcomes {
		batch := e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
		runID := batch.ActionRequests[0].Run
		resp := finishRun(t, e, runID, 0, outcome)
		require.Contains(t, resp.FinishedRuns, runID)
		finished = append(finished, runID)

		st, err := e.store.GetAgentStats(ctx, "stub/a")
		require.NoError(t, err)
		assert.EqualValues(t, i+1, st.TotalRuns)

		run, err := e.store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.True(t, run.Finished)
		assert.False(t, run.OutstandingAction)
		assert.NotEqual(t, "null", string(run.Outcome))
	}

	st, err := e.store.GetAgentStats(ctx, "stub/a")
	require.NoError(t, err)
	assert.True(t, st.FullyEvaluated)
	// Window of 3: mean of the last three outcomes {0, 1, 1}.
	assert.Equal(t, []float64{0, 1, 1}, st.RecentResults)
	assert.InDelta(t, 2.0/3.0, st.CurrentRating, 1e-9)
	assert.Equal(t, finished, st.RecentlyFinishedRuns)

	// Environment-scoped recent runs mirror the finished run ids.
	value, ok, err := e.store.GetKV(ctx, store.RecentRunsKey("stub"))
	require.NoError(t, err)
	require.True(t, ok)
	var recent []int64
	require.NoError(t, json.Unmarshal([]byte(value), &recent))
	assert.Equal(t, finished, recent)
}

func TestBestRatingOnlyWhileFullyEvaluated(t *testing.T) {
	e := newTestEngine(t, `{"min_runs": 2, "initial_rating": 0.5}`)
	ctx := context.Background()

	// First finished run: not fully evaluated yet, best stays seeded.
	batch := e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	finishRun(t, e, batch.ActionRequests[0].Run, 0, 1)
	st, err := e.store.GetAgentStats(ctx, "stub/a")
	require.NoError(t, err)
	assert.False(t, st.FullyEvaluated)
	assert.InDelta(t, 1.0, st.CurrentRating, 1e-9)
	assert.InDelta(t, 0.5, st.BestRating, 1e-9)

	// Second run latches fully_evaluated; best follows the max objective.
	batch = e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	finishRun(t, e, batch.ActionRequests[0].Run, 0, 1)
	st, err = e.store.GetAgentStats(ctx, "stub/a")
	require.NoError(t, err)
	assert.True(t, st.FullyEvaluated)
	assert.InDelta(t, 1.0, st.BestRating, 1e-9)

	// A slump lowers current but best keeps the extremum.
	batch = e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	finishRun(t, e, batch.ActionRequests[0].Run, 0, 0)
	st, err = e.store.GetAgentStats(ctx, "stub/a")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, st.CurrentRating, 1e-9)
	assert.InDelta(t, 1.0, st.BestRating, 1e-9)
}

func TestBestRatingMinObjective(t *testing.T) {
	e := newTestEngine(t, `{"min_runs": 1, "initial_rating": 100, "objective": "min"}`)
	ctx := context.Background()

	batch := e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	finishRun(t, e, batch.ActionRequests[0].Run, 0, 7)
	st, err := e.store.GetAgentStats(ctx, "stub/a")
	require.NoError(t, err)
	assert.InDelta(t, 7, st.CurrentRating, 1e-9)
	assert.InDelta(t, 7, st.BestRating, 1e-9)

	batch = e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	finishRun(t, e, batch.ActionRequests[0].Run, 0, 9)
	st, err = e.store.GetAgentStats(ctx, "stub/a")
	require.NoError(t, err)
	assert.InDelta(t, 9, st.CurrentRating, 1e-9)
	assert.InDelta(t, 7, st.BestRating, 1e-9)
}

func TestAbandonRun(t *testing.T) {
	e := newTestEngine(t, `{"min_runs": 3}`)
	ctx := context.Background()

	batch := e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	runID := batch.ActionRequests[0].Run

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    false,
		ToAbandon:       []int64{runID},
	})

	require.Len(t, resp.Messages, 1)
	assert.Equal(t, protocol.MessageWarning, resp.Messages[0].Type)
	assert.Equal(t, "Run abandoned", resp.Messages[0].Content)
	require.Contains(t, resp.FinishedRuns, runID)
	assert.Equal(t, "-1", string(resp.FinishedRuns[runID]))

	run, err := e.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.True(t, run.Finished)
	assert.Equal(t, "-1", string(run.Outcome))
	assert.Equal(t, "[]", string(run.History))

	st, err := e.store.GetAgentStats(ctx, "stub/a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.TotalRuns)
}

func TestAbandonNotAllowed(t *testing.T) {
	e := newTestEngine(t, `{"can_abandon": false}`)
	batch := e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	runID := batch.ActionRequests[0].Run

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    false,
		ToAbandon:       []int64{runID},
	})
	require.NotEmpty(t, errorContents(resp))
	assert.Contains(t, errorContents(resp)[0], "does not allow abandoning")

	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, run.Finished)
}

func TestActionOnFinishedRunFails(t *testing.T) {
	e := newTestEngine(t, "{}")
	batch := e.act(t, protocol.ActRequest{ProtocolVersion: protocol.V1, ParallelRuns: false})
	runID := batch.ActionRequests[0].Run
	finishRun(t, e, runID, 0, 1)

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    false,
		Actions:         []protocol.Action{{Run: runID, ActNo: 1, Action: json.RawMessage("1")}},
	})
	require.NotEmpty(t, errorContents(resp))
	assert.Contains(t, errorContents(resp)[0], "Invalid run id")
}

func TestPerActionErrorsDoNotAbortBatch(t *testing.T) {
	e := newTestEngine(t, "{}")
	first := e.act(t, emptyBatch())
	good := first.ActionRequests[0].Run

	resp := e.act(t, protocol.ActRequest{
		ProtocolVersion: protocol.V1,
		ParallelRuns:    true,
		Actions: []protocol.Action{
			{Run: 424242, ActNo: 0, Action: json.RawMessage("1")},
			{Run: good, ActNo: 0, Action: json.RawMessage("2")},
		},
	})
	assert.Len(t, errorContents(resp), 1)

	run, err := e.store.GetRun(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, `[[2,null]]`, string(run.History))
}
