// Package protocol defines the wire formats of the act endpoint.
//
// V1 is the canonical form the dispatcher works with; the legacy V0 form
// is translated at the edge. Both directions of the translation are total
// so that V0 clients lose nothing except the fields V0 cannot carry
// (active_runs, finished_runs, abandons).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version numbers accepted on the wire. A request without a
// protocol_version field is V0.
const (
	V0 = 0
	V1 = 1
)

// ErrUnsupportedVersion is returned for protocol_version values the
// server does not speak. Maps to HTTP 400.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// ErrMalformedRequest is returned when the body is not a well-formed
// request in the detected version. Maps to HTTP 400.
var ErrMalformedRequest = errors.New("malformed request")

// Action is one submitted action. ActNo must equal the length of the
// run's history for the action to apply.
type Action struct {
	Run    int64           `json:"run"`
	ActNo  int             `json:"act_no"`
	Action json.RawMessage `json:"action"`
}

// ActRequest is the canonical (V1) request form.
type ActRequest struct {
	ProtocolVersion int      `json:"protocol_version"`
	Agent           string   `json:"agent"`
	Pwd             string   `json:"pwd"`
	Actions         []Action `json:"actions"`
	ToAbandon       []int64  `json:"to_abandon,omitempty"`
	ParallelRuns    bool     `json:"parallel_runs"`
	Client          string   `json:"client,omitempty"`
}

// ActionRequest asks the agent for the next action of a run.
type ActionRequest struct {
	Run     int64           `json:"run"`
	ActNo   int             `json:"act_no"`
	Percept json.RawMessage `json:"percept"`
}

// Message types. Errors report rejected actions, warnings report
// accepted-but-noteworthy ones (abandons), info carries environment chat.
const (
	MessageError   = "error"
	MessageWarning = "warning"
	MessageInfo    = "info"
)

// Message is one per-action notice in a response. Run is set when the
// message concerns a specific run.
type Message struct {
	Type    string `json:"type"`
	Run     *int64 `json:"run,omitempty"`
	Content string `json:"content"`
}

// Flatten renders the message in the V0 single-string form.
func (m Message) Flatten() string {
	if m.Run != nil {
		return fmt.Sprintf("%s: Run %d: %s", m.Type, *m.Run, m.Content)
	}
	return fmt.Sprintf("%s: %s", m.Type, m.Content)
}

// ActResponse is the canonical (V1) response form.
type ActResponse struct {
	ActionRequests []ActionRequest           `json:"action_requests"`
	ActiveRuns     []int64                   `json:"active_runs"`
	Messages       []Message                 `json:"messages"`
	FinishedRuns   map[int64]json.RawMessage `json:"finished_runs"`
}

// NewActResponse returns a response with all collections allocated, so
// the JSON encoding always carries [] and {} rather than null.
func NewActResponse() *ActResponse {
	return &ActResponse{
		ActionRequests: []ActionRequest{},
		ActiveRuns:     []int64{},
		Messages:       []Message{},
		FinishedRuns:   map[int64]json.RawMessage{},
	}
}

// ParseRequest decodes the body into the canonical form. The returned
// wire version must be used to render the response in the same dialect.
func ParseRequest(body []byte) (ActRequest, int, error) {
	version, err := detectVersion(body)
	if err != nil {
		return ActRequest{}, 0, err
	}
	switch version {
	case V0:
		var v0 V0ActRequest
		if err := json.Unmarshal(body, &v0); err != nil {
			return ActRequest{}, V0, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		req, err := v0.ToV1()
		if err != nil {
			return ActRequest{}, V0, err
		}
		return req, V0, nil
	case V1:
		var req ActRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return ActRequest{}, V1, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		return req, V1, nil
	}
	return ActRequest{}, version, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
}

// RenderResponse converts the canonical response into the wire dialect
// selected by version.
func RenderResponse(version int, resp *ActResponse) (any, error) {
	switch version {
	case V0:
		return resp.ToV0(), nil
	case V1:
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
}

func detectVersion(body []byte) (int, error) {
	var probe struct {
		ProtocolVersion *int `json:"protocol_version"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if probe.ProtocolVersion == nil {
		return V0, nil
	}
	switch *probe.ProtocolVersion {
	case V0, V1:
		return *probe.ProtocolVersion, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *probe.ProtocolVersion)
}
