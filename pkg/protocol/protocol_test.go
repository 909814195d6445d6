package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestV1(t *testing.T) {
	body := []byte(`{
		"protocol_version": 1,
		"agent": "a",
		"pwd": "secret",
		"actions": [{"run": 3, "act_no": 2, "action": {"move": 1}}],
		"to_abandon": [7],
		"parallel_runs": true,
		"client": "pyclient 0.4"
	}`)
	req, version, err := ParseRequest(body)
	require.NoError(t, err)
	assert.Equal(t, V1, version)
	assert.Equal(t, "a", req.Agent)
	require.Len(t, req.Actions, 1)
	assert.Equal(t, int64(3), req.Actions[0].Run)
	assert.Equal(t, 2, req.Actions[0].ActNo)
	assert.Equal(t, []int64{7}, req.ToAbandon)
	assert.True(t, req.ParallelRuns)
}

func TestParseRequestV0(t *testing.T) {
	body := []byte(`{
		"agent": "a",
		"pwd": "secret",
		"actions": [{"run": "3#2", "action": 1}],
		"single_request": true
	}`)
	req, version, err := ParseRequest(body)
	require.NoError(t, err)
	assert.Equal(t, V0, version)
	require.Len(t, req.Actions, 1)
	assert.Equal(t, int64(3), req.Actions[0].Run)
	assert.Equal(t, 2, req.Actions[0].ActNo)
	assert.False(t, req.ParallelRuns)
	assert.Empty(t, req.ToAbandon)
}

func TestParseRequestUnknownVersion(t *testing.T) {
	_, _, err := ParseRequest([]byte(`{"protocol_version": 9, "agent": "a"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseRequestMalformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"protocol_version": "one"}`,
		`{"agent": "a", "actions": [{"run": "nohash", "action": 1}]}`,
		`{"agent": "a", "actions": [{"run": "x#1", "action": 1}]}`,
		`{"agent": "a", "actions": [{"run": "3#-1", "action": 1}]}`,
		`{"agent": "a", "actions": [{"run": "0#0", "action": 1}]}`,
	} {
		_, _, err := ParseRequest([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedRequest, "body=%s", body)
	}
}

func TestRunRefRoundTrip(t *testing.T) {
	ref := JoinRunRef(42, 7)
	assert.Equal(t, "42#7", ref)

	run, actNo, err := SplitRunRef(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(42), run)
	assert.Equal(t, 7, actNo)
}

func TestRequestRoundTripV0(t *testing.T) {
	original := V0ActRequest{
		Agent: "a",
		Pwd:   "secret",
		Actions: []V0Action{
			{Run: "3#0", Action: json.RawMessage(`2`)},
			{Run: "4#1", Action: json.RawMessage(`"left"`)},
		},
		SingleRequest: true,
		Client:        "legacy 1.0",
	}
	v1, err := original.ToV1()
	require.NoError(t, err)
	back := v1.ToV0()
	assert.Equal(t, original, back)
}

func TestRequestRoundTripV1(t *testing.T) {
	// Restricted to V0-expressible fields: no abandons.
	original := ActRequest{
		ProtocolVersion: V1,
		Agent:           "a",
		Pwd:             "secret",
		Actions:         []Action{{Run: 3, ActNo: 0, Action: json.RawMessage(`2`)}},
		ParallelRuns:    true,
	}
	back, err := original.ToV0().ToV1()
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestResponseToV0(t *testing.T) {
	run := int64(3)
	resp := NewActResponse()
	resp.ActionRequests = append(resp.ActionRequests, ActionRequest{Run: 3, ActNo: 1, Percept: json.RawMessage(`8`)})
	resp.ActiveRuns = append(resp.ActiveRuns, 3, 4)
	resp.Messages = append(resp.Messages,
		Message{Type: MessageError, Run: &run, Content: "Wrong action number"},
		Message{Type: MessageWarning, Run: &run, Content: "Run abandoned"},
		Message{Type: MessageInfo, Content: "welcome"},
	)
	resp.FinishedRuns[4] = json.RawMessage(`1`)

	v0 := resp.ToV0()
	require.Len(t, v0.ActionRequests, 1)
	assert.Equal(t, "3#1", v0.ActionRequests[0].Run)
	assert.Equal(t, []string{"error: Run 3: Wrong action number"}, v0.Errors)
	assert.Equal(t, []string{"warning: Run 3: Run abandoned", "info: welcome"}, v0.Messages)

	// The dashed key is part of the legacy wire format.
	data, err := json.Marshal(v0)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action-requests"`)
}

func TestResponseRoundTripV0(t *testing.T) {
	original := V0ActResponse{
		ActionRequests: []V0ActionRequest{{Run: "5#2", Percept: json.RawMessage(`4`)}},
		Errors:         []string{"error: Run 5: Wrong action number"},
		Messages:       []string{"warning: Run 6: Run abandoned", "info: hello"},
	}
	v1, err := original.ToV1()
	require.NoError(t, err)

	require.Len(t, v1.Messages, 3)
	require.NotNil(t, v1.Messages[0].Run)
	assert.Equal(t, int64(5), *v1.Messages[0].Run)
	assert.Equal(t, "Wrong action number", v1.Messages[0].Content)
	assert.Nil(t, v1.Messages[2].Run)

	back := v1.ToV0()
	assert.Equal(t, original, back)
}

func TestRenderResponseSelectsDialect(t *testing.T) {
	resp := NewActResponse()

	rendered, err := RenderResponse(V1, resp)
	require.NoError(t, err)
	assert.Same(t, resp, rendered)

	rendered, err = RenderResponse(V0, resp)
	require.NoError(t, err)
	_, ok := rendered.(V0ActResponse)
	assert.True(t, ok)

	_, err = RenderResponse(7, resp)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestActResponseJSONShape(t *testing.T) {
	resp := NewActResponse()
	resp.FinishedRuns[12] = json.RawMessage(`0.5`)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	// Integer run ids become decimal object keys; empty collections stay
	// as [] rather than null.
	assert.JSONEq(t, `{
		"action_requests": [],
		"active_runs": [],
		"messages": [],
		"finished_runs": {"12": 0.5}
	}`, string(data))
}

func TestMessageFlatten(t *testing.T) {
	run := int64(9)
	assert.Equal(t, "error: Run 9: bad", Message{Type: MessageError, Run: &run, Content: "bad"}.Flatten())
	assert.Equal(t, "info: hello", Message{Type: MessageInfo, Content: "hello"}.Flatten())
}
