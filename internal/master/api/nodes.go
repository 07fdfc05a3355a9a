package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/protocol"
)

// heartbeatFreshWindow is how recent a heartbeat must be for a node without a
// live websocket to still count as reachable. The small negative tolerance
// absorbs clock skew between master and agent.
const heartbeatFreshWindow = 45 * time.Second

// NodeHandler serves the node CRUD surface and node-scoped actions.
type NodeHandler struct {
	store  *store.Store
	agents *agentmanager.Manager
	logger *zap.Logger
}

// NewNodeHandler creates a NodeHandler.
func NewNodeHandler(st *store.Store, agents *agentmanager.Manager, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		store:  st,
		agents: agents,
		logger: logger.Named("nodes"),
	}
}

// agentReachable reports whether the node's agent is believed to be alive:
// either a live websocket, or a heartbeat inside the freshness window.
func agentReachable(agents *agentmanager.Manager, node *db.Node) bool {
	if agents.IsConnected(node.ID) {
		return true
	}
	if node.LastHeartbeatAt == nil {
		return false
	}
	age := time.Since(*node.LastHeartbeatAt)
	return age > -5*time.Second && age < heartbeatFreshWindow
}

func (h *NodeHandler) reachable(node *db.Node) bool {
	return agentReachable(h.agents, node)
}

// List handles GET /api/nodes.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		h.logger.Error("list nodes failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]nodeView, 0, len(nodes))
	for i := range nodes {
		views = append(views, toNodeView(&nodes[i], h.reachable(&nodes[i])))
	}
	Ok(w, map[string]any{"items": views})
}

// Create handles POST /api/nodes. The optional name defaults to a generated
// friendly slug.
func (h *NodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	node, err := h.store.CreateNode(r.Context(), req.Name)
	if err != nil {
		h.logger.Error("create node failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, toNodeView(node, false))
}

// GetByID handles GET /api/nodes/{id}.
func (h *NodeHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	node, err := h.store.GetNode(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "node not found")
			return
		}
		h.logger.Error("get node failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toNodeView(node, h.reachable(node)))
}

// Rename handles PATCH /api/nodes/{id}.
func (h *NodeHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	node, err := h.store.RenameNode(r.Context(), id, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidInput):
			ErrBadRequest(w, "name is required")
		case errors.Is(err, store.ErrNotFound):
			ErrNotFound(w, "node not found")
		default:
			h.logger.Error("rename node failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, toNodeView(node, h.reachable(node)))
}

// Delete handles DELETE /api/nodes/{id}. Deleting a node revokes its pair
// token (the row is gone) and discards any commands still queued for it.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	if err := h.store.DeleteNode(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "node not found")
			return
		}
		h.logger.Error("delete node failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.agents.ClearPending(id)
	Ok(w, map[string]string{"status": "deleted"})
}

// UpdateAgent handles POST /api/nodes/{id}/actions/update-agent. The command
// is fire-and-forget: the result only shows up in the node log, not as a
// durable operation.
func (h *NodeHandler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	var req struct {
		Branch string `json:"branch"`
		Force  bool   `json:"force"`
	}
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	node, err := h.store.GetNode(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "node not found")
			return
		}
		h.logger.Error("update-agent lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if node.State != db.NodeStatePaired {
		ErrConflict(w, "node is not paired")
		return
	}

	cmd := protocol.Command{
		Type:        protocol.TypeCommand,
		CommandType: protocol.CommandUpdateAgent,
		CommandID:   uuid.NewString(),
		Payload: map[string]any{
			"branch": req.Branch,
			"force":  req.Force,
		},
	}
	h.agents.EnqueueCommand(id, cmd)
	dispatchedCommands.WithLabelValues(cmd.CommandType).Inc()

	if err := h.store.AppendLog(r.Context(), id, "info", "Agent self-update requested", nil); err != nil {
		h.logger.Warn("update-agent log append failed", zap.Error(err))
	}

	Accepted(w, map[string]any{
		"command_id":      cmd.CommandID,
		"agent_connected": h.reachable(node),
	})
}
