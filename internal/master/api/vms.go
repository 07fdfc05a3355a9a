package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/store"
)

// defaultStaleAfter is how long a queued operation may wait for an agent
// before the list endpoints fail it.
const defaultStaleAfter = 600 * time.Second

// VMHandler serves the VM lifecycle surface: image catalog, creation,
// actions, and operation history.
type VMHandler struct {
	store      *store.Store
	agents     *agentmanager.Manager
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewVMHandler creates a VMHandler. staleAfter of zero selects the default
// 600s cutoff.
func NewVMHandler(st *store.Store, agents *agentmanager.Manager, staleAfter time.Duration, logger *zap.Logger) *VMHandler {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &VMHandler{
		store:      st,
		agents:     agents,
		staleAfter: staleAfter,
		logger:     logger.Named("vms"),
	}
}

// ListImages handles GET /api/vm-images.
func (h *VMHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.store.ListVMImages(r.Context())
	if err != nil {
		h.logger.Error("list images failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]imageView, 0, len(images))
	for i := range images {
		views = append(views, toImageView(&images[i]))
	}
	Ok(w, map[string]any{"items": views})
}

// ListVMs handles GET /api/nodes/{id}/vms.
func (h *VMHandler) ListVMs(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	if _, err := h.store.GetNode(r.Context(), nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "node not found")
			return
		}
		h.logger.Error("list vms node lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	vms, err := h.store.ListNodeVMs(r.Context(), nodeID)
	if err != nil {
		h.logger.Error("list vms failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]vmView, 0, len(vms))
	for i := range vms {
		views = append(views, toVMView(&vms[i]))
	}
	Ok(w, map[string]any{"items": views})
}

// GetVM handles GET /api/nodes/{id}/vms/{vm_id}.
func (h *VMHandler) GetVM(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}
	vmID, ok := parseUUID(w, r, "vm_id", "vm")
	if !ok {
		return
	}

	vm, err := h.store.GetNodeVM(r.Context(), nodeID, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "vm not found")
			return
		}
		h.logger.Error("get vm failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toVMView(vm))
}

// CreateVM handles POST /api/nodes/{id}/vms. On success the create command
// is queued for the agent and a 202 is returned immediately; the VM row
// starts in state "creating" and settles when the agent reports back.
func (h *VMHandler) CreateVM(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	var params store.CreateVMParams
	if !decodeJSON(w, r, &params) {
		return
	}

	outcome, message, result, err := h.store.CreateVMRequest(r.Context(), nodeID, params)
	if err != nil {
		h.logger.Error("create vm failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	switch outcome {
	case store.OutcomeOK:
	case store.OutcomeInvalidPayload:
		ErrBadRequest(w, message)
		return
	case store.OutcomeNotFound:
		ErrNotFound(w, message)
		return
	case store.OutcomeImageNotFound:
		ErrBadRequest(w, message)
		return
	case store.OutcomeNodeNotPaired, store.OutcomeCapabilityNotReady, store.OutcomeConflict:
		ErrConflict(w, message)
		return
	default:
		ErrInternal(w)
		return
	}

	h.agents.EnqueueCommand(nodeID, *result.Command)
	dispatchedCommands.WithLabelValues(result.Command.CommandType).Inc()

	node, err := h.store.GetNode(r.Context(), nodeID)
	connected := err == nil && agentReachable(h.agents, node)

	Accepted(w, map[string]any{
		"vm":              toVMView(result.VM),
		"operation":       toOperationView(result.Operation),
		"agent_connected": connected,
	})
}

// VMAction handles POST /api/nodes/{id}/vms/{vm_id}/actions/{action}.
func (h *VMHandler) VMAction(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}
	vmID, ok := parseUUID(w, r, "vm_id", "vm")
	if !ok {
		return
	}
	action := chi.URLParam(r, "action")

	outcome, message, result, err := h.store.QueueVMAction(r.Context(), nodeID, vmID, action)
	if err != nil {
		h.logger.Error("vm action failed", zap.String("action", action), zap.Error(err))
		ErrInternal(w)
		return
	}

	switch outcome {
	case store.OutcomeOK:
	case store.OutcomeInvalidPayload:
		ErrBadRequest(w, message)
		return
	case store.OutcomeVMNotFound:
		ErrNotFound(w, message)
		return
	case store.OutcomeInvalidState:
		ErrConflict(w, message)
		return
	default:
		ErrInternal(w)
		return
	}

	h.agents.EnqueueCommand(nodeID, *result.Command)
	dispatchedCommands.WithLabelValues(result.Command.CommandType).Inc()

	node, err := h.store.GetNode(r.Context(), nodeID)
	connected := err == nil && agentReachable(h.agents, node)

	Accepted(w, map[string]any{
		"vm":              toVMView(result.VM),
		"operation":       toOperationView(result.Operation),
		"agent_connected": connected,
	})
}

// ListOperations handles GET /api/nodes/{id}/vms/{vm_id}/operations. Queued
// operations past the stale cutoff are failed before the list is returned.
func (h *VMHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}
	vmID, ok := parseUUID(w, r, "vm_id", "vm")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := h.store.ListOperations(r.Context(), nodeID, &vmID, limit, h.staleAfter)
	if err != nil {
		h.logger.Error("list operations failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]operationView, 0, len(ops))
	for i := range ops {
		views = append(views, toOperationView(&ops[i]))
	}
	Ok(w, map[string]any{"items": views})
}
