// Package e2e boots a complete arena server against an embedded sqlite
// database and drives it over HTTP like an agent would.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arenaproj/arena/pkg/api"
	"github.com/arenaproj/arena/pkg/auth"
	"github.com/arenaproj/arena/pkg/config"
	"github.com/arenaproj/arena/pkg/database"
	"github.com/arenaproj/arena/pkg/env"
	"github.com/arenaproj/arena/pkg/envs/nim"
	"github.com/arenaproj/arena/pkg/errbuf"
	"github.com/arenaproj/arena/pkg/plugin"
	"github.com/arenaproj/arena/pkg/store"
	"github.com/arenaproj/arena/pkg/telemetry"
)

// AdminPwd is the admin credential every test app accepts.
const AdminPwd = "e2e-admin-pwd"

// TestApp is a full arena instance listening on a loopback port.
type TestApp struct {
	Config *config.Config
	Store  *store.Store
	Server *httptest.Server

	BaseURL string

	t *testing.T
}

// NewTestApp boots the server with the builtin Nim environment registered.
// Shutdown is registered via t.Cleanup.
func NewTestApp(t *testing.T) *TestApp {
	t.Helper()
	dataDir := t.TempDir()

	client, err := database.NewClient(context.Background(), database.Config{
		URL: filepath.Join(dataDir, "arena.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		Addr:           ":0",
		DataDir:        dataDir,
		PluginsDir:     filepath.Join(dataDir, "plugins"),
		AdminHashes:    []string{auth.HashPassword(AdminPwd)},
		MaxRequestBody: config.DefaultMaxRequestBody,
	}

	st := store.New(client)
	registry := env.NewRegistry()
	nim.Register(registry)

	server := api.NewServer(cfg, st, registry, plugin.NewLoader(registry, cfg.PluginsDir),
		errbuf.New(), telemetry.New(nil))

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &TestApp{
		Config:  cfg,
		Store:   st,
		Server:  ts,
		BaseURL: ts.URL,
		t:       t,
	}
}

// asAdmin attaches the admin credential as HTTP Basic.
func asAdmin(req *http.Request) {
	req.SetBasicAuth("admin", AdminPwd)
}

// request sends a JSON body and decodes the JSON response, requiring the
// given status code.
func (app *TestApp) request(t *testing.T, method, path string, body any, wantStatus int, opts ...func(*http.Request)) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(method, app.BaseURL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, wantStatus, resp.StatusCode, "%s %s: %v", method, path, decoded)
	return decoded
}
