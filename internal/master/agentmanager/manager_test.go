package agentmanager

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

func cmd(id string) protocol.Command {
	return protocol.Command{
		Type:        protocol.TypeCommand,
		CommandType: protocol.CommandVMStart,
		CommandID:   id,
	}
}

func TestPendingQueueFIFO(t *testing.T) {
	m := New(zap.NewNop())
	nodeID := uuid.New()

	m.EnqueueCommand(nodeID, cmd("a"))
	m.EnqueueCommand(nodeID, cmd("b"))
	m.EnqueueCommand(nodeID, cmd("c"))

	got := m.DrainPending(nodeID, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].CommandID)
	assert.Equal(t, "b", got[1].CommandID)

	got = m.DrainPending(nodeID, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].CommandID)

	assert.Nil(t, m.DrainPending(nodeID, 10))
}

func TestActivateFlushesPending(t *testing.T) {
	m := New(zap.NewNop())
	nodeID := uuid.New()

	m.EnqueueCommand(nodeID, cmd("a"))
	m.EnqueueCommand(nodeID, cmd("b"))

	conn := m.Activate(nodeID, "host-1")
	require.True(t, m.IsConnected(nodeID))

	first := (<-conn.Outbound()).(protocol.Command)
	second := (<-conn.Outbound()).(protocol.Command)
	assert.Equal(t, "a", first.CommandID)
	assert.Equal(t, "b", second.CommandID)

	// Once connected, commands bypass the pending queue.
	m.EnqueueCommand(nodeID, cmd("c"))
	assert.Nil(t, m.DrainPending(nodeID, 10))
	third := (<-conn.Outbound()).(protocol.Command)
	assert.Equal(t, "c", third.CommandID)
}

func TestSupersedingConnection(t *testing.T) {
	m := New(zap.NewNop())
	nodeID := uuid.New()

	old := m.Activate(nodeID, "host-1")
	require.True(t, m.IsCurrent(old))

	replacement := m.Activate(nodeID, "host-1")
	assert.False(t, m.IsCurrent(old))
	assert.True(t, m.IsCurrent(replacement))

	// The displaced connection's queue is closed so its writer exits.
	_, open := <-old.Outbound()
	assert.False(t, open)

	// Deactivating the stale connection must not disturb the new one.
	m.Deactivate(old)
	assert.True(t, m.IsCurrent(replacement))
	assert.True(t, m.IsConnected(nodeID))

	m.Deactivate(replacement)
	assert.False(t, m.IsConnected(nodeID))
	assert.Zero(t, m.ConnectedCount())
}

func TestOutboundOverflowDropsOldest(t *testing.T) {
	m := New(zap.NewNop())
	conn := m.Activate(uuid.New(), "host-1")

	for i := 0; i < outboundCap+10; i++ {
		conn.Send(protocol.LogEvent{Type: protocol.TypeLog, Message: "x"})
	}

	// Half the queue was dropped to make room; the connection stays usable.
	assert.LessOrEqual(t, len(conn.outbound), outboundCap)
	assert.Greater(t, len(conn.outbound), 0)

	conn.Send(cmd("after-overflow"))
	drained := 0
	for frame := range conn.Outbound() {
		drained++
		if c, ok := frame.(protocol.Command); ok {
			assert.Equal(t, "after-overflow", c.CommandID)
			return
		}
		if drained > outboundCap {
			t.Fatal("command not found after overflow")
		}
	}
}

func TestSendFrameRequiresConnection(t *testing.T) {
	m := New(zap.NewNop())
	nodeID := uuid.New()

	err := m.SendFrame(nodeID, protocol.TerminalEvent{Type: protocol.TypeTerminalOpen})
	assert.Error(t, err)

	conn := m.Activate(nodeID, "host-1")
	require.NoError(t, m.SendFrame(nodeID, protocol.TerminalEvent{Type: protocol.TypeTerminalOpen, SessionID: "s1"}))

	frame := (<-conn.Outbound()).(protocol.TerminalEvent)
	assert.Equal(t, "s1", frame.SessionID)
}

func TestClearPending(t *testing.T) {
	m := New(zap.NewNop())
	nodeID := uuid.New()

	m.EnqueueCommand(nodeID, cmd("a"))
	m.ClearPending(nodeID)
	assert.Nil(t, m.DrainPending(nodeID, 10))
}
