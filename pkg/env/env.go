// Package env defines the environment capability interface and the
// registry that resolves plugin reference strings to capability factories.
//
// Environments are constructed per request from their immutable config;
// they must be stateless beyond that config and their Settings. All
// run-specific data flows through RunData.
package env

import (
	"context"
	"encoding/json"
	"fmt"
)

// RunData is the per-run view handed to a capability. State, actions and
// outcomes are opaque JSON: the engine never interprets them beyond
// parsing outcomes as numbers for rating updates.
type RunData struct {
	ID      int64
	Agent   string // display name, without the environment prefix
	State   json.RawMessage
	History []HistoryEntry
}

// ActionNo is the sequence number the next submitted action must carry.
func (r RunData) ActionNo() int {
	return len(r.History)
}

// ActionResult is the outcome of applying one action.
//
// NewState == nil means the capability rejected the action; Message then
// carries the human-readable reason and nothing may be committed. A
// non-nil Outcome terminates the run.
type ActionResult struct {
	NewState  json.RawMessage
	Message   string
	ExtraInfo json.RawMessage
	Outcome   json.RawMessage
}

// Environment is the capability every environment plugin implements.
//
// Act must never signal an invalid action with an error: rejection is
// NewState == nil plus a message. An error return from Act or NewRun is
// an internal capability failure and is reported generically.
type Environment interface {
	// Settings returns the immutable evaluation settings.
	Settings() Settings

	// NewRun produces the initial opaque state for a fresh run. May be
	// non-deterministic.
	NewRun(ctx context.Context) (json.RawMessage, error)

	// Act applies the agent's proposed action to the run.
	Act(ctx context.Context, action json.RawMessage, run RunData) (ActionResult, error)

	// ActionRequest projects the run to the agent-visible percept. Must
	// be a pure function of run.
	ActionRequest(run RunData) (json.RawMessage, error)
}

// Abandoner is implemented by environments that allow agents to forfeit
// runs; required iff Settings().CanAbandonRuns.
type Abandoner interface {
	// AbandonOutcome returns the outcome to record for a forfeited run.
	AbandonOutcome(run RunData) (json.RawMessage, error)
}

// RunViewer is an optional hook for environments that can render a
// human-readable summary of a run.
type RunViewer interface {
	ViewRun(run RunData) (string, error)
}

// HistoryEntry is one (action, extra_info) pair. The wire and storage
// form is a two-element JSON array.
type HistoryEntry struct {
	Action    json.RawMessage
	ExtraInfo json.RawMessage
}

func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	action := e.Action
	if len(action) == 0 {
		action = json.RawMessage("null")
	}
	extra := e.ExtraInfo
	if len(extra) == 0 {
		extra = json.RawMessage("null")
	}
	return json.Marshal([2]json.RawMessage{action, extra})
}

func (e *HistoryEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("history entry must be an [action, extra_info] pair, got %d elements", len(pair))
	}
	e.Action = pair[0]
	e.ExtraInfo = pair[1]
	return nil
}

// DecodeHistory parses the persisted history column. An empty or NULL
// column decodes to an empty history.
func DecodeHistory(raw []byte) ([]HistoryEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode run history: %w", err)
	}
	return entries, nil
}

// EncodeHistory serializes history for storage. An empty history encodes
// as "[]" so the guarded update has a stable value to compare against.
func EncodeHistory(entries []HistoryEntry) ([]byte, error) {
	if len(entries) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run history: %w", err)
	}
	return data, nil
}
