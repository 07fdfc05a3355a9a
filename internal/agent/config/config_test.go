package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedsSkeletonWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-config.json")

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "fill in master_url and pair_code")

	// The skeleton was written and is valid JSON with the defaults.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "pair_retry_seconds")
}

func TestLoadValidatesAndNormalises(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-config.json")

	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	write(`{"master_url":"ftp://x","pair_code":"ABC123"}`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "master_url")

	write(`{"master_url":"http://master:8080","pair_code":"abc12"}`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "pair_code")

	// Lowercase codes are upcased; missing intervals get defaults.
	write(`{"master_url":"http://master:8080","pair_code":"abc123"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", cfg.PairCode)
	assert.Equal(t, DefaultPairRetrySeconds, cfg.PairRetrySeconds)
	assert.Equal(t, DefaultHeartbeatIntervalSecond, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, DefaultHeartbeatTimeoutSecond, cfg.HeartbeatTimeoutSeconds)
}

func TestStateRoundtrip(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agent-config.json")
	statePath := StatePath(configPath)
	assert.Equal(t, filepath.Join(dir, "state.json"), statePath)

	// Missing state is not an error.
	st, err := LoadState(statePath)
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, SaveState(statePath, &State{
		NodeID:    "node-1",
		PairToken: "tok",
		MasterURL: "http://master:8080",
	}))

	st, err = LoadState(statePath)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Valid("http://master:8080"))
	// Repointing the agent at another master invalidates the state.
	assert.False(t, st.Valid("http://other:8080"))

	require.NoError(t, ClearState(statePath))
	st, err = LoadState(statePath)
	require.NoError(t, err)
	assert.Nil(t, st)

	// Clearing twice is fine.
	require.NoError(t, ClearState(statePath))
}

func TestCorruptStateIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	st, err := LoadState(path)
	require.NoError(t, err)
	assert.Nil(t, st)
}
