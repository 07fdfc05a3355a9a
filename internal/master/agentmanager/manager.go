// Package agentmanager maintains the in-memory registry of connected agents
// and routes commands to them.
//
// Each node has at most one live websocket connection. Commands queued while
// the node is offline wait in a per-node pending list, served either to the
// HTTP long-poll fallback or flushed onto the websocket when it activates.
// All state is intentionally non-persistent: if the master restarts, agents
// reconnect and the startup sweep fails whatever was in flight.
package agentmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

const (
	// outboundCap bounds the per-connection websocket send queue. When the
	// writer cannot keep up the oldest half is dropped so terminal output
	// bursts cannot wedge the connection.
	outboundCap = 2000

	// pendingCap bounds the offline command queue per node.
	pendingCap = 256
)

// Connection is one live agent websocket. Frames are pushed with Send and
// consumed by the websocket writer goroutine from Outbound.
type Connection struct {
	NodeID      uuid.UUID
	Hostname    string
	ConnectedAt time.Time

	mu       sync.Mutex
	outbound chan any
	closed   bool
}

// Send queues a frame for the websocket writer. When the queue is full the
// oldest half is discarded first; the write itself never blocks.
func (c *Connection) Send(frame any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.outbound) == cap(c.outbound) {
		for i := 0; i < cap(c.outbound)/2; i++ {
			select {
			case <-c.outbound:
			default:
			}
		}
	}
	select {
	case c.outbound <- frame:
	default:
	}
}

// Outbound is the frame queue consumed by the websocket writer.
func (c *Connection) Outbound() <-chan any {
	return c.outbound
}

// close marks the connection dead and wakes the writer.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}

type nodeState struct {
	conn    *Connection
	pending []protocol.Command
}

// Manager is the in-memory registry of connected agents and their queued
// commands. Safe for concurrent use.
//
// The zero value is not usable, create instances with New.
type Manager struct {
	mu     sync.Mutex
	nodes  map[uuid.UUID]*nodeState
	logger *zap.Logger
}

// New creates a new Manager instance.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		nodes:  make(map[uuid.UUID]*nodeState),
		logger: logger.Named("agentmanager"),
	}
}

func (m *Manager) state(nodeID uuid.UUID) *nodeState {
	st, ok := m.nodes[nodeID]
	if !ok {
		st = &nodeState{}
		m.nodes[nodeID] = st
	}
	return st
}

// Activate registers a freshly authenticated websocket as the node's current
// connection, displacing any previous one, and flushes pending commands onto
// it. The displaced connection's queue is closed; its handler observes that
// and shuts the old socket down without touching the registry entry.
func (m *Manager) Activate(nodeID uuid.UUID, hostname string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(nodeID)
	if st.conn != nil {
		// The agent reconnected before the master noticed the previous
		// connection was dead, e.g. after a network blip.
		m.logger.Warn("replacing existing agent connection",
			zap.String("node_id", nodeID.String()),
			zap.String("hostname", hostname),
		)
		st.conn.close()
	}

	conn := &Connection{
		NodeID:      nodeID,
		Hostname:    hostname,
		ConnectedAt: time.Now().UTC(),
		outbound:    make(chan any, outboundCap),
	}
	st.conn = conn

	for _, cmd := range st.pending {
		conn.Send(cmd)
	}
	st.pending = nil

	m.logger.Info("agent connected",
		zap.String("node_id", nodeID.String()),
		zap.String("hostname", hostname),
		zap.Int("total_connected", m.connectedLocked()),
	)
	return conn
}

// Deactivate removes conn from the registry if it is still the node's
// current connection. A displaced connection is a no-op here; the newer one
// already owns the entry.
func (m *Manager) Deactivate(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.nodes[conn.NodeID]
	if !ok || st.conn != conn {
		return
	}
	st.conn = nil
	conn.close()

	m.logger.Info("agent disconnected",
		zap.String("node_id", conn.NodeID.String()),
		zap.String("hostname", conn.Hostname),
		zap.Duration("session_duration", time.Since(conn.ConnectedAt)),
		zap.Int("total_connected", m.connectedLocked()),
	)
}

// IsCurrent reports whether conn is still the node's active connection.
// The websocket read loop checks this after every frame so a displaced
// connection stops processing input immediately.
func (m *Manager) IsCurrent(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.nodes[conn.NodeID]
	return ok && st.conn == conn
}

// IsConnected reports whether the node has a live websocket.
func (m *Manager) IsConnected(nodeID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.nodes[nodeID]
	return ok && st.conn != nil
}

// ConnectedCount returns the number of live agent connections.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

func (m *Manager) connectedLocked() int {
	n := 0
	for _, st := range m.nodes {
		if st.conn != nil {
			n++
		}
	}
	return n
}

// EnqueueCommand routes a command to the node: straight onto the websocket
// when connected, otherwise into the pending queue for the long-poll
// fallback or the next websocket activation. A full pending queue drops the
// oldest command.
func (m *Manager) EnqueueCommand(nodeID uuid.UUID, cmd protocol.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(nodeID)
	if st.conn != nil {
		st.conn.Send(cmd)
		m.logger.Info("command dispatched to agent",
			zap.String("node_id", nodeID.String()),
			zap.String("command_type", cmd.CommandType),
			zap.String("command_id", cmd.CommandID),
		)
		return
	}

	if len(st.pending) >= pendingCap {
		st.pending = st.pending[1:]
	}
	st.pending = append(st.pending, cmd)
	m.logger.Info("command queued for offline agent",
		zap.String("node_id", nodeID.String()),
		zap.String("command_type", cmd.CommandType),
		zap.String("command_id", cmd.CommandID),
		zap.Int("pending", len(st.pending)),
	)
}

// SendFrame delivers an arbitrary frame (terminal control, pong) to the
// node's live websocket. Returns an error when the node is offline.
func (m *Manager) SendFrame(nodeID uuid.UUID, frame any) error {
	m.mu.Lock()
	st, ok := m.nodes[nodeID]
	var conn *Connection
	if ok {
		conn = st.conn
	}
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("agentmanager: node %s is not connected", nodeID)
	}
	conn.Send(frame)
	return nil
}

// DrainPending removes and returns up to max pending commands for the
// long-poll fallback. Returns nil when nothing is queued.
func (m *Manager) DrainPending(nodeID uuid.UUID, max int) []protocol.Command {
	if max <= 0 {
		max = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.nodes[nodeID]
	if !ok || len(st.pending) == 0 {
		return nil
	}
	if max > len(st.pending) {
		max = len(st.pending)
	}
	out := make([]protocol.Command, max)
	copy(out, st.pending[:max])
	st.pending = append([]protocol.Command(nil), st.pending[max:]...)
	return out
}

// ClearPending discards all queued commands for a node. Used when the node
// is deleted.
func (m *Manager) ClearPending(nodeID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.nodes[nodeID]; ok {
		st.pending = nil
	}
}
