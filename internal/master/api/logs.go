package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/store"
)

// LogHandler serves the pull side of the node log stream.
type LogHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(st *store.Store, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		store:  st,
		logger: logger.Named("logs"),
	}
}

// List handles GET /api/nodes/{id}/logs?limit=&since_id=. The response echoes
// a next_since_id cursor: the id of the last returned entry, or the request's
// since_id when nothing new arrived, so clients can poll with it blindly.
// Unknown nodes yield an empty stream rather than a 404 — a freshly deleted
// node's log watcher just sees silence.
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id", "node")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)

	entries, err := h.store.ListNodeLogs(r.Context(), nodeID, limit, sinceID)
	if err != nil {
		h.logger.Error("list logs failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	next := sinceID
	views := make([]logView, 0, len(entries))
	for i := range entries {
		views = append(views, toLogView(&entries[i]))
		next = entries[i].ID
	}

	Ok(w, map[string]any{
		"items":         views,
		"next_since_id": next,
	})
}
