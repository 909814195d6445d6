package e2e

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arenaproj/arena/pkg/envs/nim"
	"github.com/arenaproj/arena/pkg/protocol"
)

// MakeNimEnv creates a Nim environment with the deterministic setup the
// scenarios assume: strong opponent, fixed initial pile of 10.
func (app *TestApp) MakeNimEnv(t *testing.T, slug string) {
	t.Helper()
	app.request(t, http.MethodPut, "/makeenv/"+slug, map[string]any{
		"admin-pwd":    AdminPwd,
		"env_class":    nim.Ref,
		"display_name": "Nim",
		"config":       map[string]any{"strong": true, "random_start": false},
	}, http.StatusOK)
}

// MakeAgent creates an agent account and returns its generated password.
func (app *TestApp) MakeAgent(t *testing.T, envSlug, agent string) string {
	t.Helper()
	resp := app.request(t, http.MethodPost, "/makeagent/"+envSlug+"/"+agent, map[string]any{
		"admin-pwd": AdminPwd,
	}, http.StatusOK)
	pwd, _ := resp["pwd"].(string)
	require.NotEmpty(t, pwd)
	return pwd
}

// ActV1 sends a V1 act request and decodes the typed response.
func (app *TestApp) ActV1(t *testing.T, envSlug string, req protocol.ActRequest) protocol.ActResponse {
	t.Helper()
	req.ProtocolVersion = protocol.V1
	raw := app.request(t, http.MethodPut, "/act/"+envSlug, req, http.StatusOK)

	data, err := json.Marshal(raw)
	require.NoError(t, err)
	var resp protocol.ActResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

// ActV0 sends a legacy request body as-is and returns the raw response.
func (app *TestApp) ActV0(t *testing.T, envSlug string, body map[string]any) map[string]any {
	t.Helper()
	return app.request(t, http.MethodPut, "/act/"+envSlug, body, http.StatusOK)
}

// Results fetches the rating table for one environment.
func (app *TestApp) Results(t *testing.T, envSlug string) []map[string]any {
	t.Helper()
	raw := app.request(t, http.MethodGet, "/results/"+envSlug, map[string]any{}, http.StatusOK)
	list, _ := raw["results"].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		require.True(t, ok)
		out = append(out, entry)
	}
	return out
}

// errorsOnly filters the response messages down to type error.
func errorsOnly(resp protocol.ActResponse) []protocol.Message {
	var out []protocol.Message
	for _, m := range resp.Messages {
		if m.Type == protocol.MessageError {
			out = append(out, m)
		}
	}
	return out
}

// perceptInt decodes a numeric percept.
func perceptInt(t *testing.T, percept json.RawMessage) int {
	t.Helper()
	var n int
	require.NoError(t, json.Unmarshal(percept, &n))
	return n
}
