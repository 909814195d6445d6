package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// V0Action addresses a run with the joined "<rid>#<act_no>" form.
type V0Action struct {
	Run    string          `json:"run"`
	Action json.RawMessage `json:"action"`
}

// V0ActRequest is the legacy request form. single_request is the inverse
// of parallel_runs; abandons are not expressible.
type V0ActRequest struct {
	Agent         string     `json:"agent"`
	Pwd           string     `json:"pwd"`
	Actions       []V0Action `json:"actions"`
	SingleRequest bool       `json:"single_request"`
	Client        string     `json:"client,omitempty"`
}

// V0ActionRequest carries the joined run reference and the percept.
type V0ActionRequest struct {
	Run     string          `json:"run"`
	Percept json.RawMessage `json:"percept"`
}

// V0ActResponse is the legacy response form: flattened message strings
// split into errors and messages, and no active/finished run listings.
// Note the dashed action-requests key.
type V0ActResponse struct {
	ActionRequests []V0ActionRequest `json:"action-requests"`
	Errors         []string          `json:"errors"`
	Messages       []string          `json:"messages"`
}

// JoinRunRef renders the V0 run reference "<rid>#<act_no>".
func JoinRunRef(run int64, actNo int) string {
	return strconv.FormatInt(run, 10) + "#" + strconv.Itoa(actNo)
}

// SplitRunRef parses the V0 run reference "<rid>#<act_no>".
func SplitRunRef(ref string) (run int64, actNo int, err error) {
	left, right, ok := strings.Cut(ref, "#")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed run identifier %q", ErrMalformedRequest, ref)
	}
	run, err = strconv.ParseInt(left, 10, 64)
	if err != nil || run <= 0 {
		return 0, 0, fmt.Errorf("%w: malformed run identifier %q", ErrMalformedRequest, ref)
	}
	actNo, err = strconv.Atoi(right)
	if err != nil || actNo < 0 {
		return 0, 0, fmt.Errorf("%w: malformed run identifier %q", ErrMalformedRequest, ref)
	}
	return run, actNo, nil
}

// ToV1 normalizes a legacy request to the canonical form.
func (r V0ActRequest) ToV1() (ActRequest, error) {
	actions := make([]Action, 0, len(r.Actions))
	for _, a := range r.Actions {
		run, actNo, err := SplitRunRef(a.Run)
		if err != nil {
			return ActRequest{}, err
		}
		actions = append(actions, Action{Run: run, ActNo: actNo, Action: a.Action})
	}
	return ActRequest{
		ProtocolVersion: V1,
		Agent:           r.Agent,
		Pwd:             r.Pwd,
		Actions:         actions,
		ParallelRuns:    !r.SingleRequest,
		Client:          r.Client,
	}, nil
}

// ToV0 renders a canonical request in the legacy dialect. Abandons are
// dropped: V0 cannot express them.
func (r ActRequest) ToV0() V0ActRequest {
	actions := make([]V0Action, 0, len(r.Actions))
	for _, a := range r.Actions {
		actions = append(actions, V0Action{Run: JoinRunRef(a.Run, a.ActNo), Action: a.Action})
	}
	return V0ActRequest{
		Agent:         r.Agent,
		Pwd:           r.Pwd,
		Actions:       actions,
		SingleRequest: !r.ParallelRuns,
		Client:        r.Client,
	}
}

// ToV0 renders a canonical response in the legacy dialect. active_runs
// and finished_runs are dropped: V0 cannot express them.
func (r *ActResponse) ToV0() V0ActResponse {
	v0 := V0ActResponse{
		ActionRequests: []V0ActionRequest{},
		Errors:         []string{},
		Messages:       []string{},
	}
	for _, ar := range r.ActionRequests {
		v0.ActionRequests = append(v0.ActionRequests, V0ActionRequest{
			Run:     JoinRunRef(ar.Run, ar.ActNo),
			Percept: ar.Percept,
		})
	}
	for _, m := range r.Messages {
		if m.Type == MessageError {
			v0.Errors = append(v0.Errors, m.Flatten())
		} else {
			v0.Messages = append(v0.Messages, m.Flatten())
		}
	}
	return v0
}

// ToV1 lifts a legacy response back to the canonical form. Used by
// clients and by the round-trip tests; the server never needs it.
func (r V0ActResponse) ToV1() (*ActResponse, error) {
	resp := NewActResponse()
	for _, ar := range r.ActionRequests {
		run, actNo, err := SplitRunRef(ar.Run)
		if err != nil {
			return nil, err
		}
		resp.ActionRequests = append(resp.ActionRequests, ActionRequest{
			Run:     run,
			ActNo:   actNo,
			Percept: ar.Percept,
		})
	}
	for _, s := range r.Errors {
		m, err := parseFlatMessage(s)
		if err != nil {
			return nil, err
		}
		resp.Messages = append(resp.Messages, m)
	}
	for _, s := range r.Messages {
		m, err := parseFlatMessage(s)
		if err != nil {
			return nil, err
		}
		resp.Messages = append(resp.Messages, m)
	}
	return resp, nil
}

// parseFlatMessage inverts Message.Flatten.
func parseFlatMessage(s string) (Message, error) {
	typ, rest, ok := strings.Cut(s, ": ")
	if !ok {
		return Message{}, fmt.Errorf("%w: malformed message %q", ErrMalformedRequest, s)
	}
	switch typ {
	case MessageError, MessageWarning, MessageInfo:
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedRequest, typ)
	}
	m := Message{Type: typ, Content: rest}
	if tail, found := strings.CutPrefix(rest, "Run "); found {
		if num, content, ok := strings.Cut(tail, ": "); ok {
			if run, err := strconv.ParseInt(num, 10, 64); err == nil && run > 0 {
				m.Run = &run
				m.Content = content
			}
		}
	}
	return m, nil
}
