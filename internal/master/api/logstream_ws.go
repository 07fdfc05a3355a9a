package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/store"
)

// logPollInterval is how often the push stream re-queries the store for new
// entries. The store read is a cheap indexed range scan, so polling beats the
// complexity of a fan-out bus for this fleet size.
const logPollInterval = time.Second

// LogStreamHandler serves /ws/node-logs, the push side of the node log
// stream: a snapshot frame on open, then incremental appends.
type LogStreamHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewLogStreamHandler creates a LogStreamHandler.
func NewLogStreamHandler(st *store.Store, logger *zap.Logger) *LogStreamHandler {
	return &LogStreamHandler{
		store:  st,
		logger: logger.Named("log_stream"),
	}
}

// Serve handles GET /ws/node-logs?node_id=&limit=.
func (h *LogStreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(r.URL.Query().Get("node_id"))
	if err != nil {
		ErrNotFound(w, "node not found")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("log stream upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	streamNodeLogs(ws, h.store, nodeID, limit, 0, h.logger)
}

// streamNodeLogs writes a snapshot frame and then polls the store, pushing
// append frames until the client goes away. Shared with the agent websocket's
// subscribe_logs mode.
func streamNodeLogs(ws *websocket.Conn, st *store.Store, nodeID uuid.UUID, limit int, sinceID int64, logger *zap.Logger) {
	// Store reads are short; the stream's lifetime is governed by the socket,
	// not by a request context.
	ctx := context.Background()

	if _, err := st.GetNode(ctx, nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = writeWS(ws, map[string]string{"type": "error", "error": "node_not_found"})
			return
		}
		logger.Error("log stream node lookup failed", zap.Error(err))
		return
	}

	entries, err := st.ListNodeLogs(ctx, nodeID, limit, sinceID)
	if err != nil {
		logger.Error("log stream snapshot failed", zap.Error(err))
		return
	}
	cursor := sinceID
	items := make([]logView, 0, len(entries))
	for i := range entries {
		items = append(items, toLogView(&entries[i]))
		cursor = entries[i].ID
	}
	if err := writeWS(ws, map[string]any{
		"type":          "snapshot",
		"items":         items,
		"next_since_id": cursor,
	}); err != nil {
		return
	}

	// Reader goroutine: the client sends nothing meaningful, but reads must
	// continue so close frames and ping/pong are processed.
	dead := make(chan struct{})
	go func() {
		defer close(dead)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dead:
			return
		case <-ticker.C:
		}

		entries, err := st.ListNodeLogs(ctx, nodeID, 0, cursor)
		if err != nil {
			logger.Error("log stream poll failed", zap.Error(err))
			return
		}
		if len(entries) == 0 {
			continue
		}
		items := make([]logView, 0, len(entries))
		for i := range entries {
			items = append(items, toLogView(&entries[i]))
			cursor = entries[i].ID
		}
		if err := writeWS(ws, map[string]any{
			"type":          "append",
			"items":         items,
			"next_since_id": cursor,
		}); err != nil {
			return
		}
	}
}

// parseNodeID parses a node id from a query or frame field.
func parseNodeID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.UUID{}, errors.New("api: missing node_id")
	}
	return uuid.Parse(raw)
}

func writeWS(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return ws.WriteJSON(v)
}
