package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-sh/lattice/internal/protocol"
)

func TestPairSendsCodeAndIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/pair", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ABC123", body["pair_code"])
		assert.Equal(t, "host-1", body["agent"].(map[string]any)["hostname"])

		json.NewEncoder(w).Encode(PairResponse{
			NodeID:    "node-1",
			NodeName:  "steady-otter",
			PairToken: "tok",
			State:     "paired",
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "host-1")
	resp, err := c.Pair(context.Background(), "ABC123", map[string]any{"hostname": "host-1"})
	require.NoError(t, err)
	assert.Equal(t, "node-1", resp.NodeID)
	assert.Equal(t, "tok", resp.PairToken)
}

func TestAuthedRequestsCarryHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "host-1", r.Header.Get("X-Agent-Hostname"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "host-1")
	c.SetAuth("node-1", "tok")
	require.NoError(t, c.Heartbeat(context.Background(), protocol.Heartbeat{NodeID: "node-1"}, pollTimeout))
}

func TestNextCommandStatuses(t *testing.T) {
	var status int
	var payload string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if payload != "" {
			w.Write([]byte(payload))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "host-1")
	c.SetAuth("node-1", "tok")

	status = http.StatusNoContent
	cmd, err := c.NextCommand(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cmd)

	status, payload = http.StatusOK, `{"command":{"type":"command","command_type":"vm_start","command_id":"c1"}}`
	cmd, err = c.NextCommand(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "vm_start", cmd.CommandType)

	status, payload = http.StatusUnauthorized, ""
	_, err = c.NextCommand(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPostResultUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "host-1")
	c.SetAuth("node-1", "tok")
	err := c.PostResult(context.Background(), protocol.CommandResult{CommandID: "c1"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}
