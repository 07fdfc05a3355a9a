package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/master/terminal"
	"github.com/lattice-sh/lattice/internal/protocol"
)

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	agents *agentmanager.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	st := store.New(database, zap.NewNop())
	agents := agentmanager.New(zap.NewNop())
	terminals := terminal.NewRegistry(zap.NewNop())

	router := NewRouter(RouterConfig{
		Store:     st,
		Agents:    agents,
		Terminals: terminals,
		Logger:    zap.NewNop(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, agents: agents}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

// pairedAgent creates a node through the API and pairs it, returning the
// node id, pair token, and the auth headers for agent-scoped calls.
func (e *testEnv) pairedAgent(t *testing.T) (string, string, map[string]string) {
	t.Helper()

	resp, created := e.do(t, http.MethodPost, "/api/nodes", map[string]any{}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pairCode, _ := created["pair_code"].(string)
	require.Len(t, pairCode, 6)

	resp, paired := e.do(t, http.MethodPost, "/api/pair", map[string]any{
		"pair_code": pairCode,
		"agent":     map[string]any{"hostname": "host-1", "os": "linux", "arch": "amd64"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	nodeID, _ := paired["node_id"].(string)
	token, _ := paired["pair_token"].(string)
	require.NotEmpty(t, nodeID)
	require.NotEmpty(t, token)

	return nodeID, token, map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Agent-Hostname": "host-1",
	}
}

func TestPairEndpointOutcomes(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/pair", map[string]any{"pair_code": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/pair", map[string]any{"pair_code": "ZZZZ99"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, created := e.do(t, http.MethodPost, "/api/nodes", map[string]any{"name": "rack-1"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "rack-1", created["name"])
	assert.Equal(t, "pending", created["state"])
	pairCode := created["pair_code"].(string)

	body := map[string]any{
		"pair_code": pairCode,
		"agent":     map[string]any{"hostname": "host-1"},
	}
	resp, paired := e.do(t, http.MethodPost, "/api/pair", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, paired["pair_token"])

	// The code is single-use.
	resp, _ = e.do(t, http.MethodPost, "/api/pair", body, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// After pairing the node view hides the code and never shows the token.
	resp, view := e.do(t, http.MethodGet, "/api/nodes/"+paired["node_id"].(string), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paired", view["state"])
	assert.NotContains(t, view, "pair_code")
	assert.NotContains(t, view, "pair_token")
}

func TestHeartbeatAuth(t *testing.T) {
	e := newTestEnv(t)
	nodeID, token, _ := e.pairedAgent(t)

	resp, _ := e.do(t, http.MethodPost, "/api/heartbeat", protocol.Heartbeat{NodeID: nodeID}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/heartbeat", protocol.Heartbeat{NodeID: nodeID},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, ok := e.do(t, http.MethodPost, "/api/heartbeat", protocol.Heartbeat{
		NodeID:   nodeID,
		Status:   "online",
		Hostname: "host-1",
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, nodeID, ok["node_id"])
}

func TestTerminalExecLongPollRoundtrip(t *testing.T) {
	e := newTestEnv(t)
	nodeID, _, agentHeaders := e.pairedAgent(t)

	resp, queued := e.do(t, http.MethodPost, "/api/nodes/"+nodeID+"/actions/terminal-exec",
		map[string]any{"command": "uptime"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	op := queued["operation"].(map[string]any)
	opID := op["id"].(string)

	// Wrong hostname is rejected by the agent-auth middleware.
	resp, _ = e.do(t, http.MethodPost, "/api/nodes/"+nodeID+"/commands/next", nil,
		map[string]string{
			"Authorization":    agentHeaders["Authorization"],
			"X-Agent-Hostname": "someone-else",
		})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, next := e.do(t, http.MethodPost, "/api/nodes/"+nodeID+"/commands/next", nil, agentHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cmd := next["command"].(map[string]any)
	assert.Equal(t, protocol.CommandTerminalExec, cmd["command_type"])
	assert.Equal(t, opID, cmd["command_id"])
	assert.Equal(t, "uptime", cmd["payload"].(map[string]any)["command"])

	resp, _ = e.do(t, http.MethodPost, "/api/nodes/"+nodeID+"/commands/result", protocol.CommandResult{
		CommandID:   opID,
		CommandType: protocol.CommandTerminalExec,
		OperationID: opID,
		Status:      protocol.StatusSucceeded,
		Message:     "Command completed",
		Details:     map[string]any{"exit_code": 0, "stdout": "up 3 days\n"},
	}, agentHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, listed := e.do(t, http.MethodGet, "/api/nodes/"+nodeID+"/terminal-commands", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := listed["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "succeeded", items[0].(map[string]any)["status"])
}

func TestCreateVMCapabilityGate(t *testing.T) {
	e := newTestEnv(t)
	nodeID, token, _ := e.pairedAgent(t)

	createBody := map[string]any{
		"name":      "web-01",
		"image_id":  "ubuntu-24-04",
		"vcpu":      2,
		"memory_mb": 2048,
		"disk_gb":   20,
		"guest":     map[string]any{"username": "ubuntu", "password": "hunter22"},
	}

	// No capability reported yet.
	resp, _ := e.do(t, http.MethodPost, "/api/nodes/"+nodeID+"/vms", createBody, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A heartbeat carrying vm.ready flips the gate.
	resp, _ = e.do(t, http.MethodPost, "/api/heartbeat", protocol.Heartbeat{
		NodeID:    nodeID,
		Status:    "online",
		Hostname:  "host-1",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Extra: &protocol.HeartbeatExtra{
			VM: map[string]any{"ready": true},
		},
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, accepted := e.do(t, http.MethodPost, "/api/nodes/"+nodeID+"/vms", createBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, accepted["agent_connected"])

	vm := accepted["vm"].(map[string]any)
	assert.Equal(t, "creating", vm["state"])
	assert.Contains(t, vm["domain_name"], "lattice-")

	// Invalid params are rejected with the validation message.
	bad := map[string]any{
		"name":      "Bad Name!",
		"image_id":  "ubuntu-24-04",
		"vcpu":      2,
		"memory_mb": 2048,
		"disk_gb":   20,
		"guest":     map[string]any{"username": "u", "password": "p"},
	}
	resp, errBody := e.do(t, http.MethodPost, "/api/nodes/"+nodeID+"/vms", bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "vm name must match ^[a-z0-9-]{3,32}$", errBody["error"])
}

func TestNodeLogsPagination(t *testing.T) {
	e := newTestEnv(t)
	nodeID, _, _ := e.pairedAgent(t)

	resp, page := e.do(t, http.MethodGet, "/api/nodes/"+nodeID+"/logs?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := page["items"].([]any)
	require.NotEmpty(t, items)

	next := page["next_since_id"].(float64)
	resp, page2 := e.do(t, http.MethodGet, "/api/nodes/"+nodeID+"/logs?since_id="+
		jsonNumber(next), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, item := range page2["items"].([]any) {
		assert.Greater(t, item.(map[string]any)["id"].(float64), next)
	}
}

func jsonNumber(f float64) string {
	data, _ := json.Marshal(int64(f))
	return string(data)
}
