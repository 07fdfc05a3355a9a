package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/master/terminal"
	"github.com/lattice-sh/lattice/internal/protocol"
)

// Terminal geometry bounds. Out-of-range requests are clamped to the
// defaults rather than rejected.
const (
	termColsMin, termColsMax, termColsDefault = 20, 300, 80
	termRowsMin, termRowsMax, termRowsDefault = 5, 120, 24

	logsTailMin, logsTailMax, logsTailDefault = 1, 2000, 200
)

// offlineNotice is shown in the terminal when the node has no live agent
// websocket; session control frames cannot reach it.
const offlineNotice = "[waiting for agent websocket connection...]\r\n"

// termKind describes one terminal family: its registry kind and the frame
// types spoken to the agent.
type termKind struct {
	kind    string
	open    string
	input   string
	resize  string
	closeTp string
}

var (
	kindNodeShell     = termKind{terminal.KindShell, protocol.TypeTerminalOpen, protocol.TypeTerminalInput, protocol.TypeTerminalResize, protocol.TypeTerminalClose}
	kindVMConsole     = termKind{terminal.KindVMConsole, protocol.TypeVMTerminalOpen, protocol.TypeVMTerminalInput, protocol.TypeVMTerminalResize, protocol.TypeVMTerminalClose}
	kindContainer     = termKind{terminal.KindContainer, protocol.TypeContainerTerminalOpen, protocol.TypeContainerTerminalInput, protocol.TypeContainerTerminalResize, protocol.TypeContainerTerminalClose}
	kindContainerLogs = termKind{terminal.KindContainerLogs, protocol.TypeContainerLogsOpen, protocol.TypeContainerLogsInput, protocol.TypeContainerLogsResize, protocol.TypeContainerLogsClose}
)

// TerminalWSHandler bridges browser terminal websockets to agent-side PTYs.
type TerminalWSHandler struct {
	store     *store.Store
	agents    *agentmanager.Manager
	terminals *terminal.Registry
	logger    *zap.Logger
}

// NewTerminalWSHandler creates a TerminalWSHandler.
func NewTerminalWSHandler(st *store.Store, agents *agentmanager.Manager, terminals *terminal.Registry, logger *zap.Logger) *TerminalWSHandler {
	return &TerminalWSHandler{
		store:     st,
		agents:    agents,
		terminals: terminals,
		logger:    logger.Named("terminal_ws"),
	}
}

// NodeShell handles GET /ws/nodes/{id}/terminal.
func (h *TerminalWSHandler) NodeShell(w http.ResponseWriter, r *http.Request) {
	node, ok := h.pairedNode(w, r)
	if !ok {
		return
	}
	h.serve(w, r, node, kindNodeShell, protocol.TerminalEvent{})
}

// VMConsole handles GET /ws/nodes/{id}/vms/{vm_id}/terminal.
func (h *TerminalWSHandler) VMConsole(w http.ResponseWriter, r *http.Request) {
	node, ok := h.pairedNode(w, r)
	if !ok {
		return
	}
	vmID, ok := parseUUID(w, r, "vm_id", "vm")
	if !ok {
		return
	}
	vm, err := h.store.GetNodeVM(r.Context(), node.ID, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "vm not found")
			return
		}
		ErrInternal(w)
		return
	}
	h.serve(w, r, node, kindVMConsole, protocol.TerminalEvent{
		VMID:       vm.ID.String(),
		DomainName: vm.DomainName,
	})
}

// ContainerShell handles GET /ws/nodes/{id}/containers/{name}/terminal.
func (h *TerminalWSHandler) ContainerShell(w http.ResponseWriter, r *http.Request) {
	node, ok := h.pairedNode(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if name == "" {
		ErrNotFound(w, "container not found")
		return
	}
	h.serve(w, r, node, kindContainer, protocol.TerminalEvent{RuntimeName: name})
}

// ContainerLogs handles GET /ws/nodes/{id}/containers/{name}/logs.
func (h *TerminalWSHandler) ContainerLogs(w http.ResponseWriter, r *http.Request) {
	node, ok := h.pairedNode(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if name == "" {
		ErrNotFound(w, "container not found")
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	if tail < logsTailMin || tail > logsTailMax {
		tail = logsTailDefault
	}
	h.serve(w, r, node, kindContainerLogs, protocol.TerminalEvent{
		RuntimeName: name,
		Tail:        tail,
	})
}

// pairedNode resolves the {id} path parameter to an existing, paired node.
func (h *TerminalWSHandler) pairedNode(w http.ResponseWriter, r *http.Request) (*db.Node, bool) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return nil, false
	}
	node, err := h.store.GetNode(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "node not found")
			return nil, false
		}
		ErrInternal(w)
		return nil, false
	}
	if node.State != db.NodeStatePaired {
		ErrConflict(w, "node is not paired")
		return nil, false
	}
	return node, true
}

// uiFrame is the browser → master frame shape.
type uiFrame struct {
	Type string `json:"type"` // "input", "resize", "ping", "close"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// serve upgrades the UI socket, opens the session, and runs both pumps until
// either side goes away.
func (h *TerminalWSHandler) serve(w http.ResponseWriter, r *http.Request, node *db.Node, tk termKind, target protocol.TerminalEvent) {
	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	cols, rows = clampTermSize(cols, rows)

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("terminal ws upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	sess := h.terminals.Open(node.ID, tk.kind)
	terminalSessions.Inc()
	defer terminalSessions.Dec()

	// All UI writes go through the mutex: the inbound pump and the control
	// replies (pong, terminal_error) race otherwise.
	var writeMu sync.Mutex
	writeUI := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
		return ws.WriteJSON(v)
	}

	open := target
	open.Type = tk.open
	open.SessionID = sess.ID
	open.Cols = cols
	open.Rows = rows
	if err := h.agents.SendFrame(node.ID, open); err != nil {
		sess.Deliver(protocol.TerminalEvent{
			Type:      protocol.TypeTerminalData,
			SessionID: sess.ID,
			Data:      offlineNotice,
		})
	}

	if err := writeUI(map[string]string{
		"type":       "terminal_ready",
		"session_id": sess.ID,
	}); err != nil {
		h.teardown(node, tk, sess)
		return
	}

	// Agent → UI pump.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range sess.Inbound() {
			frame := map[string]any{"type": ev.Type}
			switch ev.Type {
			case protocol.TypeTerminalData:
				frame["data"] = ev.Data
			case protocol.TypeTerminalExit:
				frame["exit_code"] = ev.ExitCode
			case protocol.TypeTerminalError:
				frame["error"] = ev.Error
			}
			if err := writeUI(frame); err != nil {
				return
			}
			if ev.Type == protocol.TypeTerminalExit || ev.Type == protocol.TypeTerminalError {
				return
			}
		}
	}()

	// UI → agent loop.
	for {
		var frame uiFrame
		if err := ws.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Type == "close" {
			break
		}

		switch frame.Type {
		case "input":
			_ = h.agents.SendFrame(node.ID, protocol.TerminalEvent{
				Type:      tk.input,
				SessionID: sess.ID,
				Data:      frame.Data,
			})
		case "resize":
			c, rws := clampTermSize(frame.Cols, frame.Rows)
			_ = h.agents.SendFrame(node.ID, protocol.TerminalEvent{
				Type:      tk.resize,
				SessionID: sess.ID,
				Cols:      c,
				Rows:      rws,
			})
		case "ping":
			_ = writeUI(map[string]string{"type": protocol.TypePong})
		default:
			_ = writeUI(map[string]string{
				"type":  protocol.TypeTerminalError,
				"error": "unsupported_type",
			})
		}
	}

	h.teardown(node, tk, sess)
	<-pumpDone
}

// teardown unregisters the session and tells the agent to reap the PTY.
func (h *TerminalWSHandler) teardown(node *db.Node, tk termKind, sess *terminal.Session) {
	h.terminals.Close(sess.ID)
	_ = h.agents.SendFrame(node.ID, protocol.TerminalEvent{
		Type:      tk.closeTp,
		SessionID: sess.ID,
	})
	_ = h.store.AppendLog(context.Background(), node.ID, "info", "Terminal session closed", map[string]any{
		"session_id": sess.ID,
		"kind":       tk.kind,
	})
}

// clampTermSize bounds a requested terminal geometry, substituting the
// defaults for anything out of range.
func clampTermSize(cols, rows int) (int, int) {
	if cols < termColsMin || cols > termColsMax {
		cols = termColsDefault
	}
	if rows < termRowsMin || rows > termRowsMax {
		rows = termRowsDefault
	}
	return cols, rows
}
