package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/master/terminal"
	"github.com/lattice-sh/lattice/internal/protocol"
)

// wsUpgrader is shared by every websocket endpoint. Origins are not checked:
// agents are not browsers, and the UI endpoints carry no cookie-based auth
// that CSWSH could ride on.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	// authDeadline bounds how long a fresh connection may sit silent before
	// sending its auth frame.
	authDeadline = 10 * time.Second

	// agentWriteWait bounds a single frame write to a slow agent.
	agentWriteWait = 10 * time.Second
)

// AgentWSHandler serves /ws/agent, the persistent agent connection: command
// push, heartbeat/log/result ingest, and the terminal byte stream.
type AgentWSHandler struct {
	store     *store.Store
	agents    *agentmanager.Manager
	terminals *terminal.Registry
	logger    *zap.Logger
}

// NewAgentWSHandler creates an AgentWSHandler.
func NewAgentWSHandler(st *store.Store, agents *agentmanager.Manager, terminals *terminal.Registry, logger *zap.Logger) *AgentWSHandler {
	return &AgentWSHandler{
		store:     st,
		agents:    agents,
		terminals: terminals,
		logger:    logger.Named("agent_ws"),
	}
}

// agentFrame is the superset envelope of every agent → master frame. Only the
// fields relevant to Type are populated.
type agentFrame struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id,omitempty"`
	PairToken string `json:"pair_token,omitempty"`

	// log
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`

	// heartbeat
	Payload *protocol.Heartbeat `json:"payload,omitempty"`

	// command_result
	CommandID   string         `json:"command_id,omitempty"`
	CommandType string         `json:"command_type,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Details     map[string]any `json:"details,omitempty"`

	// terminal_*
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Error     string `json:"error,omitempty"`

	// subscribe_logs
	SinceID int64 `json:"since_id,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// Serve handles GET /ws/agent. The first frame must be auth (or
// subscribe_logs for the read-only log-stream mode); the handler then blocks
// until the connection dies or is superseded by a newer one for the same
// node.
func (h *AgentWSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent ws upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(authDeadline))
	var first agentFrame
	if err := ws.ReadJSON(&first); err != nil {
		return
	}

	switch first.Type {
	case protocol.TypeSubscribeLogs:
		h.serveLogSubscription(ws, first)
		return
	case protocol.TypeAuth:
	default:
		h.writeError(ws, "unauthorized")
		return
	}

	node, err := h.store.GetNodeByToken(r.Context(), first.PairToken)
	if err != nil || node.ID.String() != first.NodeID {
		h.writeError(ws, "unauthorized")
		return
	}

	replaced := h.agents.IsConnected(node.ID)
	conn := h.agents.Activate(node.ID, node.AgentHostname)
	if replaced {
		_ = h.store.AppendLog(r.Context(), node.ID, "warning",
			"Agent websocket connection replaced an existing session", nil)
	}

	if err := h.writeJSON(ws, map[string]string{"type": protocol.TypeAuthOK}); err != nil {
		h.agents.Deactivate(conn)
		return
	}

	h.logger.Info("agent websocket authenticated",
		zap.String("node_id", node.ID.String()),
		zap.String("hostname", node.AgentHostname),
	)

	// Writer pump: owns all writes after auth. When the outbound channel
	// closes because a newer connection superseded this one, it announces the
	// supersession before the socket is torn down.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range conn.Outbound() {
			_ = ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		}
		if !h.agents.IsCurrent(conn) {
			_ = ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
			_ = ws.WriteJSON(map[string]string{
				"type":  protocol.TypeError,
				"error": "superseded_connection",
			})
		}
	}()

	h.readLoop(r.Context(), ws, conn, node, first.PairToken)

	wasCurrent := h.agents.IsCurrent(conn)
	h.agents.Deactivate(conn)
	<-writerDone

	if wasCurrent {
		// Sessions bound to this node die with the connection; the browser
		// side sees why.
		h.terminals.FailNode(node.ID, "Agent websocket disconnected")
		_ = h.store.AppendLog(r.Context(), node.ID, "warning", "Agent websocket disconnected", nil)
	}

	h.logger.Info("agent websocket closed",
		zap.String("node_id", node.ID.String()),
		zap.Bool("superseded", !wasCurrent),
	)
}

// readLoop ingests agent frames until the socket errors or the connection is
// displaced by a newer one.
func (h *AgentWSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *agentmanager.Connection, node *db.Node, token string) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		var frame agentFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		if !h.agents.IsCurrent(conn) {
			return
		}

		switch frame.Type {
		case protocol.TypeLog:
			if err := h.store.AppendLog(ctx, node.ID, frame.Level, frame.Message, frame.Meta); err != nil {
				h.logger.Warn("agent log append failed", zap.Error(err))
			}

		case protocol.TypeHeartbeat:
			hb := protocol.Heartbeat{}
			if frame.Payload != nil {
				hb = *frame.Payload
			}
			hb.NodeID = node.ID.String()
			outcome, _, err := h.store.RecordHeartbeat(ctx, token, hb)
			if err != nil {
				h.logger.Error("ws heartbeat failed", zap.Error(err))
				continue
			}
			if outcome != store.OutcomeOK {
				// The token was revoked mid-connection (node deleted and
				// recreated). Force the agent to re-pair.
				h.writeError(ws, "unauthorized")
				return
			}
			heartbeatsReceived.Inc()

		case protocol.TypeCommandResult:
			res := protocol.CommandResult{
				CommandID:   frame.CommandID,
				CommandType: frame.CommandType,
				OperationID: frame.OperationID,
				Status:      frame.Status,
				Message:     frame.Message,
				Details:     frame.Details,
			}
			if err := routeCommandResult(ctx, h.store, node.ID, res); err != nil {
				if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidInput) {
					conn.Send(map[string]string{"type": protocol.TypeError, "error": "unknown_command_id"})
					continue
				}
				h.logger.Error("ws command result failed", zap.Error(err))
			}

		case protocol.TypeTerminalData, protocol.TypeTerminalExit, protocol.TypeTerminalError:
			known := h.terminals.Route(protocol.TerminalEvent{
				Type:      frame.Type,
				SessionID: frame.SessionID,
				Data:      frame.Data,
				ExitCode:  frame.ExitCode,
				Error:     frame.Error,
			})
			if !known {
				conn.Send(map[string]string{"type": protocol.TypeError, "error": "unknown_session_id"})
			}

		case protocol.TypePing:
			conn.Send(map[string]string{"type": protocol.TypePong})

		default:
			conn.Send(map[string]string{"type": protocol.TypeError, "error": "unsupported_type"})
		}
	}
}

// serveLogSubscription is the unauthenticated read-only mode: the client
// receives a snapshot of a node's log followed by periodic appends. Used by
// the agent CLI to follow its own node remotely.
func (h *AgentWSHandler) serveLogSubscription(ws *websocket.Conn, first agentFrame) {
	nodeID, err := parseNodeID(first.NodeID)
	if err != nil {
		h.writeError(ws, "node_not_found")
		return
	}
	streamNodeLogs(ws, h.store, nodeID, first.Limit, first.SinceID, h.logger)
}

func (h *AgentWSHandler) writeJSON(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return ws.WriteJSON(v)
}

func (h *AgentWSHandler) writeError(ws *websocket.Conn, code string) {
	_ = h.writeJSON(ws, map[string]string{"type": protocol.TypeError, "error": code})
}
