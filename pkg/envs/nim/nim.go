// Package nim implements the builtin Nim environment: a pile of matches,
// the agent and a server-side opponent alternately take 1-3, whoever takes
// the last match wins.
package nim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/arenaproj/arena/pkg/env"
)

// Ref is the plugin reference string the environment registers under.
const Ref = "arena.envs.nim:Nim"

// Register binds the Nim factory into the registry.
func Register(r *env.Registry) {
	r.Register(Ref, func(info env.Info, config json.RawMessage) (env.Environment, error) {
		return New(config)
	})
}

// Config is the environment config blob.
type Config struct {
	// Strong selects the optimal opponent (take remaining mod 4, random
	// from losing positions). Defaults to true.
	Strong *bool `json:"strong,omitempty"`

	// RandomStart varies the initial pile size between 9 and 11.
	RandomStart bool `json:"random_start,omitempty"`
}

type state struct {
	Remaining int `json:"remaining"`
	Initial   int `json:"initial"`
}

// Nim is stateless beyond its config; all game state lives in the run.
type Nim struct {
	strong      bool
	randomStart bool
}

// New constructs a Nim environment from its config blob.
func New(config json.RawMessage) (*Nim, error) {
	cfg := Config{}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid nim config: %w", err)
		}
	}
	strong := true
	if cfg.Strong != nil {
		strong = *cfg.Strong
	}
	return &Nim{strong: strong, randomStart: cfg.RandomStart}, nil
}

func (n *Nim) Settings() env.Settings {
	return env.Settings{
		InitialRating:            0,
		RatingStrategy:           env.StrategyAverage,
		MinRunsForFullyEvaluated: 10,
		RatingObjective:          env.ObjectiveMax,
		NumberOfActionRequests:   env.DefaultNumberOfActionRequests,
		CanAbandonRuns:           true,
	}
}

func (n *Nim) NewRun(context.Context) (json.RawMessage, error) {
	pile := 10
	if n.randomStart {
		pile = 9 + rand.IntN(3)
	}
	return json.Marshal(state{Remaining: pile, Initial: pile})
}

func (n *Nim) Act(_ context.Context, action json.RawMessage, run env.RunData) (env.ActionResult, error) {
	var st state
	if err := json.Unmarshal(run.State, &st); err != nil {
		return env.ActionResult{}, fmt.Errorf("corrupt nim state: %w", err)
	}

	take, ok := parseTake(action)
	if !ok {
		return reject("Invalid action: expected a number of matches between 1 and 3"), nil
	}
	if take < 1 || take > 3 {
		return reject(fmt.Sprintf("You can take 1, 2 or 3 matches, not %d", take)), nil
	}
	if take > st.Remaining {
		return reject(fmt.Sprintf("Only %d matches left, you cannot take %d", st.Remaining, take)), nil
	}

	st.Remaining -= take
	if st.Remaining == 0 {
		return finish(st, 1, "Congratulations, you won!", nil)
	}

	opp := n.opponentTake(st.Remaining)
	st.Remaining -= opp
	extra, err := json.Marshal(map[string]int{"opponent_took": opp})
	if err != nil {
		return env.ActionResult{}, err
	}
	if st.Remaining == 0 {
		return finish(st, 0, fmt.Sprintf("The opponent took the last %d matches, you lost.", opp), extra)
	}

	newState, err := json.Marshal(st)
	if err != nil {
		return env.ActionResult{}, err
	}
	return env.ActionResult{NewState: newState, ExtraInfo: extra}, nil
}

func (n *Nim) ActionRequest(run env.RunData) (json.RawMessage, error) {
	var st state
	if err := json.Unmarshal(run.State, &st); err != nil {
		return nil, fmt.Errorf("corrupt nim state: %w", err)
	}
	return json.Marshal(st.Remaining)
}

// AbandonOutcome scores a forfeited run as a loss.
func (n *Nim) AbandonOutcome(env.RunData) (json.RawMessage, error) {
	return json.RawMessage("0"), nil
}

// ViewRun renders a one-line summary for the run view endpoint.
func (n *Nim) ViewRun(run env.RunData) (string, error) {
	var st state
	if err := json.Unmarshal(run.State, &st); err != nil {
		return "", fmt.Errorf("corrupt nim state: %w", err)
	}
	return fmt.Sprintf("Nim: %d of %d matches remaining after %d actions",
		st.Remaining, st.Initial, len(run.History)), nil
}

// opponentTake picks the opponent's move from a non-empty pile. The strong
// opponent takes remaining mod 4, falling back to random when the position
// is already lost; the weak one always plays random.
func (n *Nim) opponentTake(remaining int) int {
	maxTake := min(3, remaining)
	if n.strong {
		if t := remaining % 4; t != 0 {
			return t
		}
	}
	return 1 + rand.IntN(maxTake)
}

func parseTake(action json.RawMessage) (int, bool) {
	var num float64
	if err := json.Unmarshal(action, &num); err == nil {
		if num != math.Trunc(num) {
			return 0, false
		}
		return int(num), true
	}
	var s string
	if err := json.Unmarshal(action, &s); err == nil {
		t, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, false
		}
		return t, true
	}
	return 0, false
}

func reject(message string) env.ActionResult {
	return env.ActionResult{Message: message}
}

func finish(st state, outcome float64, message string, extra json.RawMessage) (env.ActionResult, error) {
	newState, err := json.Marshal(st)
	if err != nil {
		return env.ActionResult{}, err
	}
	out, err := json.Marshal(outcome)
	if err != nil {
		return env.ActionResult{}, err
	}
	return env.ActionResult{
		NewState:  newState,
		Message:   message,
		ExtraInfo: extra,
		Outcome:   out,
	}, nil
}
