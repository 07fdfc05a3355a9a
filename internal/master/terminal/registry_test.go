package terminal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

func TestRouteDeliversToSession(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	nodeID := uuid.New()

	s := r.Open(nodeID, KindShell)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, 1, r.Active())

	r.Route(protocol.TerminalEvent{
		Type:      protocol.TypeTerminalData,
		SessionID: s.ID,
		Data:      "hello",
	})
	ev := <-s.Inbound()
	assert.Equal(t, "hello", ev.Data)

	// Frames for unknown sessions are dropped, not an error.
	r.Route(protocol.TerminalEvent{Type: protocol.TypeTerminalData, SessionID: "gone"})
}

func TestCloseIsIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s := r.Open(uuid.New(), KindVMConsole)

	r.Close(s.ID)
	r.Close(s.ID)
	assert.Zero(t, r.Active())

	_, open := <-s.Inbound()
	assert.False(t, open)

	// Delivering after close is a no-op.
	s.Deliver(protocol.TerminalEvent{Type: protocol.TypeTerminalData, SessionID: s.ID})
}

func TestDeliverDropsOldestWhenFull(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s := r.Open(uuid.New(), KindShell)

	for i := 0; i < inboundCap+5; i++ {
		s.Deliver(protocol.TerminalEvent{Type: protocol.TypeTerminalData, Data: "x"})
	}
	s.Deliver(protocol.TerminalEvent{Type: protocol.TypeTerminalExit, SessionID: s.ID})

	// Queue never exceeds its capacity and the newest frame survives.
	assert.LessOrEqual(t, len(s.inbound), inboundCap)
	found := false
	for len(s.inbound) > 0 {
		ev := <-s.Inbound()
		if ev.Type == protocol.TypeTerminalExit {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCloseNodeClosesAllSessions(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	nodeA := uuid.New()
	nodeB := uuid.New()

	a1 := r.Open(nodeA, KindShell)
	a2 := r.Open(nodeA, KindContainerLogs)
	b1 := r.Open(nodeB, KindShell)

	r.CloseNode(nodeA)
	assert.Equal(t, 1, r.Active())

	_, open := <-a1.Inbound()
	assert.False(t, open)
	_, open = <-a2.Inbound()
	assert.False(t, open)

	r.Route(protocol.TerminalEvent{Type: protocol.TypeTerminalData, SessionID: b1.ID, Data: "still here"})
	ev := <-b1.Inbound()
	assert.Equal(t, "still here", ev.Data)
}
