package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return New(database, zap.NewNop())
}

func pairTestNode(t *testing.T, s *Store) (*db.Node, string) {
	t.Helper()
	ctx := context.Background()

	node, err := s.CreateNode(ctx, "")
	require.NoError(t, err)

	outcome, pair, err := s.PairNode(ctx, node.PairCode, "agent-host", map[string]any{"os": "linux"})
	require.NoError(t, err)
	require.Equal(t, OutcomePaired, outcome)
	return node, pair.PairToken
}

func markVMCapable(t *testing.T, s *Store, nodeID uuid.UUID) {
	t.Helper()
	caps, _ := json.Marshal(map[string]any{"vm": map[string]any{"ready": true}})
	require.NoError(t, s.db.Model(&db.Node{}).Where("id = ?", nodeID).
		Update("capabilities", string(caps)).Error)
}

func TestCreateNodeGeneratesUniqueNameAndPairCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateNode(ctx, "")
	require.NoError(t, err)
	assert.Regexp(t, `^[a-z]+-[a-z]+$`, a.Name)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, a.PairCode)
	assert.Equal(t, db.NodeStatePending, a.State)
	assert.Nil(t, a.PairToken)

	b, err := s.CreateNode(ctx, a.Name)
	require.NoError(t, err)
	assert.Equal(t, a.Name+"-2", b.Name)
	assert.NotEqual(t, a.PairCode, b.PairCode)
}

func TestPairNodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.CreateNode(ctx, "rack-7")
	require.NoError(t, err)

	outcome, _, err := s.PairNode(ctx, "short", "h", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidCode, outcome)

	outcome, _, err = s.PairNode(ctx, "ZZZZZZ", "h", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, outcome)

	// Pair codes are matched case-insensitively.
	outcome, pair, err := s.PairNode(ctx, strings.ToLower(node.PairCode), "agent-host", map[string]any{"os": "linux"})
	require.NoError(t, err)
	require.Equal(t, OutcomePaired, outcome)
	assert.Equal(t, node.ID.String(), pair.NodeID)
	assert.Equal(t, "rack-7", pair.NodeName)
	assert.NotEmpty(t, pair.PairToken)

	// The transition is one-way.
	outcome, _, err = s.PairNode(ctx, node.PairCode, "other-host", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaired, outcome)

	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, db.NodeStatePaired, got.State)
	assert.Equal(t, "agent-host", got.AgentHostname)
	require.NotNil(t, got.PairToken)
	assert.Equal(t, pair.PairToken, *got.PairToken)
}

func TestRecordHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, token := pairTestNode(t, s)

	outcome, _, err := s.RecordHeartbeat(ctx, "", protocol.Heartbeat{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissingToken, outcome)

	outcome, _, err = s.RecordHeartbeat(ctx, "bogus", protocol.Heartbeat{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidToken, outcome)

	outcome, _, err = s.RecordHeartbeat(ctx, token, protocol.Heartbeat{NodeID: uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNodeMismatch, outcome)

	hb := protocol.Heartbeat{
		NodeID: node.ID.String(),
		Status: "online",
		Extra: &protocol.HeartbeatExtra{
			Usage: &protocol.UsageMetrics{
				CPUPercent:       140.5, // clamped to 100
				MemoryPercent:    -3,    // clamped to 0
				MemoryUsedBytes:  -1,    // floored at 0
				MemoryTotalBytes: 8 << 30,
			},
			LocalIP:   "10.0.0.8",
			GitCommit: "abc1234",
			VM:        map[string]any{"ready": true},
		},
	}
	outcome, _, err = s.RecordHeartbeat(ctx, token, hb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)

	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.Equal(t, "abc1234", got.AgentCommit)

	var metrics map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.Metrics), &metrics))
	assert.Equal(t, float64(100), metrics["cpu_percent"])
	assert.Equal(t, float64(0), metrics["memory_percent"])
	assert.Equal(t, float64(0), metrics["memory_used_bytes"])
	assert.Equal(t, "10.0.0.8", metrics["local_ip"])
	assert.Contains(t, metrics, "updated_at")
}

func TestListNodeLogsCursorAndClamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendLog(ctx, node.ID, "info", "line", nil))
	}

	all, err := s.ListNodeLogs(ctx, node.ID, 0, 0)
	require.NoError(t, err)
	// Creation and pairing also logged.
	require.GreaterOrEqual(t, len(all), 12)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].ID, all[i-1].ID)
	}

	tail, err := s.ListNodeLogs(ctx, node.ID, 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, all[len(all)-3].ID, tail[0].ID)

	since, err := s.ListNodeLogs(ctx, node.ID, 0, tail[0].ID)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Greater(t, since[0].ID, tail[0].ID)
}

func TestCreateVMRequestValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)
	markVMCapable(t, s, node.ID)

	base := CreateVMParams{
		Name:     "web-01",
		ImageID:  "ubuntu-24-04",
		VCPU:     2,
		MemoryMB: 2048,
		DiskGB:   20,
		Guest:    GuestCredentials{Username: "ubuntu", Password: "hunter2"},
	}

	cases := []struct {
		mutate  func(*CreateVMParams)
		message string
	}{
		{func(p *CreateVMParams) { p.Name = "UPPER" }, "vm name must match ^[a-z0-9-]{3,32}$"},
		{func(p *CreateVMParams) { p.VCPU = 0 }, "vcpu must be between 1 and 32"},
		{func(p *CreateVMParams) { p.MemoryMB = 100 }, "memory_mb must be between 512 and 262144"},
		{func(p *CreateVMParams) { p.DiskGB = 5 }, "disk_gb must be between 10 and 4096"},
		{func(p *CreateVMParams) { p.Guest.Username = "" }, "guest.username is required"},
		{func(p *CreateVMParams) { p.Guest.Password = "" }, "guest.password is required"},
	}
	for _, tc := range cases {
		params := base
		tc.mutate(&params)
		outcome, msg, _, err := s.CreateVMRequest(ctx, node.ID, params)
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalidPayload, outcome)
		assert.Equal(t, tc.message, msg)
	}

	params := base
	params.ImageID = "no-such-image"
	outcome, _, _, err := s.CreateVMRequest(ctx, node.ID, params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeImageNotFound, outcome)
}

func TestCreateVMRequestRedactsPersistedPassword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)
	markVMCapable(t, s, node.ID)

	outcome, _, result, err := s.CreateVMRequest(ctx, node.ID, CreateVMParams{
		Name:     "web-01",
		ImageID:  "ubuntu-24-04",
		VCPU:     2,
		MemoryMB: 2048,
		DiskGB:   20,
		Guest:    GuestCredentials{Username: "ubuntu", Password: "hunter2"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)

	assert.Equal(t, db.VMStateCreating, result.VM.State)
	assert.True(t, strings.HasPrefix(result.VM.DomainName, "lattice-"))
	assert.Len(t, result.VM.DomainName, len("lattice-")+10)

	// The durable operation row never sees the real password.
	assert.NotContains(t, result.Operation.Request, "hunter2")
	assert.Contains(t, result.Operation.Request, RedactedPassword)

	// The transient command does, it is what cloud-init provisions from.
	guest := result.Command.Spec["guest"].(map[string]any)
	assert.Equal(t, "hunter2", guest["password"])
	assert.Equal(t, protocol.CommandVMCreate, result.Command.CommandType)
	assert.Equal(t, result.Operation.ID.String(), result.Command.CommandID)

	// Same name on the same node conflicts.
	outcome, _, _, err = s.CreateVMRequest(ctx, node.ID, CreateVMParams{
		Name:     "web-01",
		ImageID:  "ubuntu-24-04",
		VCPU:     1,
		MemoryMB: 1024,
		DiskGB:   10,
		Guest:    GuestCredentials{Username: "u", Password: "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)
}

func TestCreateVMRequestRequiresCapability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)

	outcome, _, _, err := s.CreateVMRequest(ctx, node.ID, CreateVMParams{
		Name:     "web-01",
		ImageID:  "ubuntu-24-04",
		VCPU:     2,
		MemoryMB: 2048,
		DiskGB:   20,
		Guest:    GuestCredentials{Username: "ubuntu", Password: "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCapabilityNotReady, outcome)
}

func createTestVM(t *testing.T, s *Store, nodeID uuid.UUID) *CreateVMResult {
	t.Helper()
	outcome, _, result, err := s.CreateVMRequest(context.Background(), nodeID, CreateVMParams{
		Name:     "web-01",
		ImageID:  "ubuntu-24-04",
		VCPU:     2,
		MemoryMB: 2048,
		DiskGB:   20,
		Guest:    GuestCredentials{Username: "ubuntu", Password: "p"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	return result
}

func settleCreate(t *testing.T, s *Store, nodeID uuid.UUID, created *CreateVMResult, powerState string) {
	t.Helper()
	require.NoError(t, s.ApplyCommandResult(context.Background(), nodeID, protocol.CommandResult{
		OperationID: created.Operation.ID.String(),
		CommandType: protocol.CommandVMCreate,
		Status:      protocol.StatusSucceeded,
		Message:     "VM created",
		Details:     map[string]any{"power_state": powerState},
	}))
}

func TestQueueVMActionPreconditions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)
	markVMCapable(t, s, node.ID)

	created := createTestVM(t, s, node.ID)
	vmID := created.VM.ID

	// Still creating: every action is rejected with the in-flight state.
	outcome, msg, _, err := s.QueueVMAction(ctx, node.ID, vmID, "start")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, outcome)
	assert.Equal(t, "vm is currently creating", msg)

	settleCreate(t, s, node.ID, created, "running")

	outcome, msg, _, err = s.QueueVMAction(ctx, node.ID, vmID, "start")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, outcome)
	assert.Equal(t, "vm is already running", msg)

	outcome, _, rebootRes, err := s.QueueVMAction(ctx, node.ID, vmID, "reboot")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, db.VMStateRebooting, rebootRes.VM.State)
	assert.Equal(t, protocol.CommandVMReboot, rebootRes.Command.CommandType)
	assert.Equal(t, created.VM.DomainName, rebootRes.Command.DomainName)

	// Settle the reboot back to running, then stop.
	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: rebootRes.Operation.ID.String(),
		Status:      protocol.StatusSucceeded,
		Details:     map[string]any{"power_state": "running"},
	}))

	outcome, _, stopRes, err := s.QueueVMAction(ctx, node.ID, vmID, "stop")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: stopRes.Operation.ID.String(),
		Status:      protocol.StatusSucceeded,
		Details:     map[string]any{"power_state": "shut off"},
	}))

	outcome, msg, _, err = s.QueueVMAction(ctx, node.ID, vmID, "stop")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, outcome)
	assert.Equal(t, "vm is already stopped", msg)

	outcome, msg, _, err = s.QueueVMAction(ctx, node.ID, vmID, "reboot")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, outcome)
	assert.Equal(t, "vm must be running to reboot", msg)
}

func TestApplyCommandResultSettlesVM(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)
	markVMCapable(t, s, node.ID)

	created := createTestVM(t, s, node.ID)
	opID := created.Operation.ID.String()

	// Progress report stamps started_at and moves the operation to running.
	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: opID,
		Status:      protocol.StatusRunning,
		Message:     "Downloading image",
	}))
	op, err := s.GetOperation(ctx, node.ID, created.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OperationRunning, op.Status)
	require.NotNil(t, op.StartedAt)

	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: opID,
		Status:      protocol.StatusSucceeded,
		Message:     "VM created",
		Details: map[string]any{
			"power_state": "running",
			"ip_address":  "192.168.1.40",
			"domain_uuid": "d6fd1634-0b5a-4e33-8c0e-111111111111",
		},
	}))

	vm, err := s.GetNodeVM(ctx, node.ID, created.VM.ID)
	require.NoError(t, err)
	assert.Equal(t, db.VMStateRunning, vm.State)
	assert.Equal(t, "192.168.1.40", vm.IPAddress)
	assert.NotEmpty(t, vm.DomainUUID)

	// Terminal operations are immutable; a replayed failure changes nothing.
	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: opID,
		Status:      protocol.StatusFailed,
		Message:     "late duplicate",
	}))
	op, err = s.GetOperation(ctx, node.ID, created.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OperationSucceeded, op.Status)
}

func TestApplyCommandResultFailureMarksVMError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)
	markVMCapable(t, s, node.ID)

	created := createTestVM(t, s, node.ID)
	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: created.Operation.ID.String(),
		Status:      protocol.StatusFailed,
		Message:     "qemu-img: no space left on device",
	}))

	vm, err := s.GetNodeVM(ctx, node.ID, created.VM.ID)
	require.NoError(t, err)
	assert.Equal(t, db.VMStateError, vm.State)
	assert.Equal(t, "qemu-img: no space left on device", vm.LastError)
}

func TestApplyCommandResultDeleteRemovesVM(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)
	markVMCapable(t, s, node.ID)

	created := createTestVM(t, s, node.ID)
	settleCreate(t, s, node.ID, created, "running")

	outcome, _, delRes, err := s.QueueVMAction(ctx, node.ID, created.VM.ID, "delete")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, db.VMStateDeleting, delRes.VM.State)

	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: delRes.Operation.ID.String(),
		Status:      protocol.StatusSucceeded,
		Message:     "VM deleted",
	}))

	_, err = s.GetNodeVM(ctx, node.ID, created.VM.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailUnfinishedAndStaleOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)
	markVMCapable(t, s, node.ID)

	created := createTestVM(t, s, node.ID)

	n, err := s.FailUnfinishedOperations(ctx, ReasonMasterRestarted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	op, err := s.GetOperation(ctx, node.ID, created.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OperationFailed, op.Status)
	assert.Equal(t, ReasonMasterRestarted, op.Error)

	// The VM the operation was driving lands in the error state.
	vm, err := s.GetNodeVM(ctx, node.ID, created.VM.ID)
	require.NoError(t, err)
	assert.Equal(t, db.VMStateError, vm.State)
	assert.Equal(t, ReasonMasterRestarted, vm.LastError)

	// Nothing else is queued, so the stale sweep is a no-op even with the
	// floor-clamped cutoff.
	n, err = s.FailStaleOperations(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueTerminalCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	node, _ := pairTestNode(t, s)

	outcome, msg, _, err := s.QueueTerminalCommand(ctx, node.ID, "   ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidPayload, outcome)
	assert.Equal(t, "command is required", msg)

	outcome, _, result, err := s.QueueTerminalCommand(ctx, node.ID, "uname -a")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, db.OperationTypeTerminalExec, result.Operation.OperationType)
	assert.Nil(t, result.Operation.VMID)
	assert.Equal(t, protocol.CommandTerminalExec, result.Command.CommandType)
	assert.Equal(t, "uname -a", result.Command.Payload["command"])

	require.NoError(t, s.ApplyCommandResult(ctx, node.ID, protocol.CommandResult{
		OperationID: result.Operation.ID.String(),
		Status:      protocol.StatusSucceeded,
		Message:     "Command completed",
	}))

	ops, err := s.ListTerminalCommands(ctx, node.ID, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, db.OperationSucceeded, ops[0].Status)
	assert.Equal(t, "Command completed", ops[0].Result)
}
