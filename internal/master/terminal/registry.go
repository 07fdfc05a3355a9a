// Package terminal tracks the master-side state of interactive terminal
// sessions. A session pairs one browser websocket with one agent-side PTY
// (node shell, VM serial console, container shell, or container log tail);
// the registry routes agent frames back to the right browser connection.
package terminal

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

// Session kinds, matching the open-frame families on the agent wire.
const (
	KindShell         = "shell"
	KindVMConsole     = "vm_console"
	KindContainer     = "container"
	KindContainerLogs = "container_logs"
)

// inboundCap bounds the agent→browser frame queue per session. A stalled
// browser drops the oldest output instead of backing up the agent socket.
const inboundCap = 1000

// Session is one live terminal bridge.
type Session struct {
	ID     string
	NodeID uuid.UUID
	Kind   string

	mu      sync.Mutex
	inbound chan protocol.TerminalEvent
	closed  bool
}

// Deliver queues an agent frame for the browser writer, dropping the oldest
// frame when the queue is full.
func (s *Session) Deliver(ev protocol.TerminalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.inbound <- ev:
			return
		default:
		}
		select {
		case <-s.inbound:
		default:
		}
	}
}

// Inbound is the frame queue consumed by the browser-side writer. The
// channel is closed when the session closes.
func (s *Session) Inbound() <-chan protocol.TerminalEvent {
	return s.inbound
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.inbound)
}

// Registry is the set of live terminal sessions. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.Named("terminal"),
	}
}

// Open creates a session with a fresh random id.
func (r *Registry) Open(nodeID uuid.UUID, kind string) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		NodeID:  nodeID,
		Kind:    kind,
		inbound: make(chan protocol.TerminalEvent, inboundCap),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("terminal session opened",
		zap.String("session_id", s.ID),
		zap.String("node_id", nodeID.String()),
		zap.String("kind", kind),
		zap.Int("active", n),
	)
	return s
}

// Route delivers an agent frame to its session, reporting whether the
// session was known. Frames for unknown sessions (already closed, or from a
// displaced connection) are dropped.
func (r *Registry) Route(ev protocol.TerminalEvent) bool {
	r.mu.Lock()
	s, ok := r.sessions[ev.SessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Deliver(ev)
	return true
}

// Close removes the session and closes its inbound queue. Idempotent.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	r.logger.Info("terminal session closed",
		zap.String("session_id", sessionID),
		zap.Int("active", n),
	)
}

// CloseNode closes every session bound to a node. Called when the node's
// agent connection drops or the node is deleted.
func (r *Registry) CloseNode(nodeID uuid.UUID) {
	r.FailNode(nodeID, "")
}

// FailNode delivers a final terminal_error to every session bound to a node
// and then closes them. The browser sees the reason before its stream ends.
func (r *Registry) FailNode(nodeID uuid.UUID, reason string) {
	r.mu.Lock()
	var doomed []*Session
	for id, s := range r.sessions {
		if s.NodeID == nodeID {
			delete(r.sessions, id)
			doomed = append(doomed, s)
		}
	}
	r.mu.Unlock()
	for _, s := range doomed {
		if reason != "" {
			s.Deliver(protocol.TerminalEvent{
				Type:      protocol.TypeTerminalError,
				SessionID: s.ID,
				Error:     reason,
			})
		}
		s.close()
	}
}

// Active returns the number of live sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
