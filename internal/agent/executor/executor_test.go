package executor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

func TestGuardSerializesPerFamily(t *testing.T) {
	g := newGuard()

	release := g.acquire(familyVM)
	require.NotNil(t, release)

	// Same family is busy, other families are not.
	assert.Nil(t, g.acquire(familyVM))
	other := g.acquire(familyContainer)
	require.NotNil(t, other)
	other()

	release()
	again := g.acquire(familyVM)
	require.NotNil(t, again)
	again()
}

func TestCommandFamilyMapping(t *testing.T) {
	cases := map[string]string{
		protocol.CommandUpdateAgent:      familyUpdate,
		protocol.CommandTerminalExec:     familyTerminal,
		protocol.CommandVMCreate:         familyVM,
		protocol.CommandVMSync:           familyVM,
		protocol.CommandContainerCreate:  familyContainer,
		protocol.CommandContainerRestart: familyContainer,
	}
	for commandType, want := range cases {
		family, ok := commandFamily(commandType)
		require.True(t, ok, commandType)
		assert.Equal(t, want, family)
	}

	_, ok := commandFamily("reboot_the_moon")
	assert.False(t, ok)
}

func TestRunCapturesExitAndOutput(t *testing.T) {
	ctx := context.Background()

	r := runShell(ctx, 5*time.Second, "echo out; echo err >&2; exit 3")
	assert.Equal(t, 3, r.ExitCode)
	assert.Equal(t, "out\n", r.Stdout)
	assert.Equal(t, "err\n", r.Stderr)
	assert.False(t, r.ok())
	assert.Equal(t, "err", r.firstLine())

	r = run(ctx, 5*time.Second, "/does/not/exist")
	assert.Equal(t, -1, r.ExitCode)
	assert.NotEmpty(t, r.Stderr)
}

func TestRunTimesOut(t *testing.T) {
	r := runShell(context.Background(), 100*time.Millisecond, "sleep 5")
	assert.Equal(t, -1, r.ExitCode)
	assert.Contains(t, r.Stderr, "timed out")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestExecuteTerminalExec(t *testing.T) {
	ctx := context.Background()

	status, message, details := executeTerminalExec(ctx, protocol.Command{
		Payload: map[string]any{"command": "printf hello"},
	})
	assert.Equal(t, protocol.StatusSucceeded, status)
	assert.Equal(t, "Command completed", message)
	assert.Equal(t, 0, details["exit_code"])
	assert.Equal(t, "hello", details["stdout"])

	status, message, details = executeTerminalExec(ctx, protocol.Command{
		Payload: map[string]any{"command": "exit 7"},
	})
	assert.Equal(t, protocol.StatusFailed, status)
	assert.Equal(t, "Command exited with code 7", message)
	assert.Equal(t, 7, details["exit_code"])

	status, message, _ = executeTerminalExec(ctx, protocol.Command{
		Payload: map[string]any{"command": "   "},
	})
	assert.Equal(t, protocol.StatusFailed, status)
	assert.Equal(t, "No command to run", message)
}

func TestDispatchEmitsProgressThenResult(t *testing.T) {
	e := New(zap.NewNop())

	var results []protocol.CommandResult
	e.Dispatch(context.Background(), protocol.Command{
		CommandType: protocol.CommandTerminalExec,
		CommandID:   "cmd-1",
		OperationID: "op-1",
		Payload:     map[string]any{"command": "true"},
	}, func(res protocol.CommandResult) {
		results = append(results, res)
	})

	require.Len(t, results, 2)
	assert.Equal(t, protocol.StatusRunning, results[0].Status)
	assert.Equal(t, "Command started", results[0].Message)
	assert.Equal(t, protocol.StatusSucceeded, results[1].Status)
	assert.Equal(t, "cmd-1", results[1].CommandID)
	assert.Equal(t, "op-1", results[1].OperationID)
}

func TestDispatchRefusesOverlappingFamily(t *testing.T) {
	e := New(zap.NewNop())

	release := e.guard.acquire(familyVM)
	require.NotNil(t, release)
	defer release()

	var results []protocol.CommandResult
	e.Dispatch(context.Background(), protocol.Command{
		CommandType: protocol.CommandVMStart,
		CommandID:   "cmd-2",
	}, func(res protocol.CommandResult) {
		results = append(results, res)
	})

	require.Len(t, results, 1)
	assert.Equal(t, protocol.StatusBusy, results[0].Status)
	assert.Equal(t, "Another VM command is already in progress", results[0].Message)
}

func TestDispatchUnknownCommandType(t *testing.T) {
	e := New(zap.NewNop())

	var results []protocol.CommandResult
	e.Dispatch(context.Background(), protocol.Command{
		CommandType: "defragment_agent",
		CommandID:   "cmd-3",
	}, func(res protocol.CommandResult) {
		results = append(results, res)
	})

	require.Len(t, results, 1)
	assert.Equal(t, protocol.StatusFailed, results[0].Status)
}

func TestArchCompatible(t *testing.T) {
	assert.True(t, archCompatible(""))
	switch runtime.GOARCH {
	case "amd64":
		assert.True(t, archCompatible("x86_64"))
		assert.True(t, archCompatible("amd64"))
		assert.False(t, archCompatible("arm64"))
	case "arm64":
		assert.True(t, archCompatible("aarch64"))
		assert.False(t, archCompatible("x86_64"))
	}
}

func TestParseVMSpec(t *testing.T) {
	raw := map[string]any{
		"name":      "web-01",
		"vcpu":      float64(2),
		"memory_mb": float64(2048),
		"disk_gb":   float64(20),
		"bridge":    "br0",
		"image": map[string]any{
			"id":                 "ubuntu-24-04",
			"architecture":       "amd64",
			"source_url":         "https://cloud-images.example/noble.img",
			"cloud_init_enabled": true,
		},
		"guest": map[string]any{"username": "ubuntu", "password": "pw"},
	}

	spec, err := parseVMSpec(raw)
	require.NoError(t, err)
	assert.Equal(t, "web-01", spec.Name)
	assert.Equal(t, 2, spec.VCPU)
	assert.Equal(t, 2048, spec.MemoryMB)
	assert.Equal(t, "ubuntu-24-04", spec.ImageID)
	assert.True(t, spec.CloudInit)

	delete(raw, "guest")
	_, err = parseVMSpec(raw)
	assert.Error(t, err)
}

func TestContainerStateToken(t *testing.T) {
	assert.Equal(t, "running", stateToken("running"))
	assert.Equal(t, "restarting", stateToken(" Restarting "))
	assert.Equal(t, "stopped", stateToken("exited"))
	assert.Equal(t, "stopped", stateToken("created"))
	assert.Equal(t, "deleting", stateToken("removing"))
	assert.Equal(t, "unknown", stateToken("levitating"))
}

func TestNetworkCandidates(t *testing.T) {
	assert.Equal(t, []string{"bridge=br0", "network=default", "user"}, networkCandidates("br0"))
	assert.Equal(t, []string{"network=default", "user"}, networkCandidates(""))
}
