package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/protocol"
)

const (
	// longPollWait bounds how long /commands/next holds an idle request open
	// before answering 204. Shorter than any sane client timeout.
	longPollWait = 5 * time.Second

	// longPollTick is the pending-queue recheck interval while holding.
	longPollTick = 250 * time.Millisecond
)

// CommandHandler serves the agent long-poll fallback and the fire-and-forget
// terminal-exec surface.
type CommandHandler struct {
	store  *store.Store
	agents *agentmanager.Manager
	logger *zap.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(st *store.Store, agents *agentmanager.Manager, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		store:  st,
		agents: agents,
		logger: logger.Named("commands"),
	}
}

// NextCommand handles POST /api/nodes/{id}/commands/next. The request holds
// until a command is queued or the poll window elapses; idle polls answer
// 204 so the agent can distinguish "nothing to do" from an error.
func (h *CommandHandler) NextCommand(w http.ResponseWriter, r *http.Request) {
	node := nodeFromCtx(r.Context())
	if node == nil {
		ErrUnauthorized(w)
		return
	}

	deadline := time.NewTimer(longPollWait)
	defer deadline.Stop()
	tick := time.NewTicker(longPollTick)
	defer tick.Stop()

	for {
		if cmds := h.agents.DrainPending(node.ID, 1); len(cmds) == 1 {
			dispatchedCommands.WithLabelValues(cmds[0].CommandType).Inc()
			Ok(w, map[string]any{"command": cmds[0]})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-tick.C:
		}
	}
}

// PostResult handles POST /api/nodes/{id}/commands/result.
func (h *CommandHandler) PostResult(w http.ResponseWriter, r *http.Request) {
	node := nodeFromCtx(r.Context())
	if node == nil {
		ErrUnauthorized(w)
		return
	}

	var res protocol.CommandResult
	if !decodeJSON(w, r, &res) {
		return
	}

	if err := routeCommandResult(r.Context(), h.store, node.ID, res); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			ErrNotFound(w, "operation not found")
		case errors.Is(err, store.ErrInvalidInput):
			ErrBadRequest(w, "invalid command result")
		default:
			h.logger.Error("apply command result failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, map[string]string{"status": "ok"})
}

// QueueTerminalExec handles POST /api/nodes/{id}/actions/terminal-exec: a
// one-shot shell command recorded as a durable operation.
func (h *CommandHandler) QueueTerminalExec(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, message, result, err := h.store.QueueTerminalCommand(r.Context(), nodeID, req.Command)
	if err != nil {
		h.logger.Error("queue terminal command failed", zap.Error(err))
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
	case store.OutcomeNodeNotPaired:
		ErrConflict(w, message)
		return
	default:
		ErrInternal(w)
		return
	}

	h.agents.EnqueueCommand(nodeID, *result.Command)
	dispatchedCommands.WithLabelValues(result.Command.CommandType).Inc()

	Accepted(w, map[string]any{"operation": toOperationView(result.Operation)})
}

// ListTerminalCommands handles GET /api/nodes/{id}/terminal-commands.
func (h *CommandHandler) ListTerminalCommands(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := h.store.ListTerminalCommands(r.Context(), nodeID, limit)
	if err != nil {
		h.logger.Error("list terminal commands failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]operationView, 0, len(ops))
	for i := range ops {
		views = append(views, toOperationView(&ops[i]))
	}
	Ok(w, map[string]any{"items": views})
}

// routeCommandResult applies one agent command result. Results for operation-
// backed commands (vm_* and terminal_exec) settle their operation; everything
// else (update_agent, syncs) is only recorded in the node log. Shared by the
// HTTP result endpoint and the websocket ingest.
func routeCommandResult(ctx context.Context, st *store.Store, nodeID uuid.UUID, res protocol.CommandResult) error {
	if strings.HasPrefix(res.CommandType, "vm_") || res.CommandType == protocol.CommandTerminalExec {
		return st.ApplyCommandResult(ctx, nodeID, res)
	}

	level := "info"
	switch res.Status {
	case protocol.StatusFailed, "error":
		level = "error"
	case protocol.StatusBusy:
		level = "warning"
	}

	message := "Command " + res.CommandType + " " + res.Status
	if detail := firstResultDetail(res); detail != "" {
		message += ": " + detail
	}
	return st.AppendLog(ctx, nodeID, level, message, map[string]any{
		"command_id":   res.CommandID,
		"command_type": res.CommandType,
	})
}

// firstResultDetail extracts a one-line human detail from a result: the
// message, else the first non-empty line of stderr/error/stdout, truncated.
func firstResultDetail(res protocol.CommandResult) string {
	candidates := []string{res.Message}
	for _, key := range []string{"stderr", "error", "stdout"} {
		if v, ok := res.Details[key].(string); ok {
			candidates = append(candidates, v)
		}
	}
	for _, c := range candidates {
		for _, line := range strings.Split(c, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if len(line) > 180 {
				line = line[:180]
			}
			return line
		}
	}
	return ""
}
