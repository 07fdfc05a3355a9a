package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/protocol"
)

// PairingHandler serves the agent bootstrap endpoints: one-time pairing and
// the HTTP heartbeat fallback.
type PairingHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewPairingHandler creates a PairingHandler.
func NewPairingHandler(st *store.Store, logger *zap.Logger) *PairingHandler {
	return &PairingHandler{
		store:  st,
		logger: logger.Named("pairing"),
	}
}

// pairRequest is the body of POST /api/pair.
type pairRequest struct {
	PairCode string `json:"pair_code"`
	Agent    struct {
		Hostname string         `json:"hostname"`
		OS       string         `json:"os"`
		Arch     string         `json:"arch"`
		Hardware map[string]any `json:"hardware"`
	} `json:"agent"`
}

// Pair handles POST /api/pair. The response carries the node's freshly
// generated pair token; this is the only time it is ever sent.
func (h *PairingHandler) Pair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PairCode == "" {
		ErrBadRequest(w, "pair_code is required")
		return
	}

	info := map[string]any{
		"hostname": req.Agent.Hostname,
		"os":       req.Agent.OS,
		"arch":     req.Agent.Arch,
	}
	if req.Agent.Hardware != nil {
		info["hardware"] = req.Agent.Hardware
	}

	outcome, result, err := h.store.PairNode(r.Context(), req.PairCode, req.Agent.Hostname, info)
	if err != nil {
		h.logger.Error("pair failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	switch outcome {
	case store.OutcomePaired:
		h.logger.Info("node paired",
			zap.String("node_id", result.NodeID),
			zap.String("hostname", req.Agent.Hostname),
		)
		Ok(w, result)
	case store.OutcomeInvalidCode:
		ErrBadRequest(w, "pair_code must be 6 characters [A-Z0-9]")
	case store.OutcomeNotFound:
		ErrNotFound(w, "no node is waiting for this pair code")
	case store.OutcomeAlreadyPaired:
		ErrConflict(w, "node is already paired")
	default:
		ErrInternal(w)
	}
}

// Heartbeat handles POST /api/heartbeat, the fallback path for agents whose
// websocket is down. Authenticated by the bearer pair token alone; the body's
// node_id only has to be consistent with the token.
func (h *PairingHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		ErrUnauthorized(w)
		return
	}

	var hb protocol.Heartbeat
	if !decodeJSON(w, r, &hb) {
		return
	}

	outcome, node, err := h.store.RecordHeartbeat(r.Context(), token, hb)
	if err != nil {
		h.logger.Error("heartbeat failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	switch outcome {
	case store.OutcomeOK:
		heartbeatsReceived.Inc()
		Ok(w, map[string]any{
			"status":  "ok",
			"node_id": node.ID.String(),
		})
	case store.OutcomeMissingToken, store.OutcomeInvalidToken:
		ErrUnauthorized(w)
	case store.OutcomeNodeMismatch:
		ErrForbidden(w, "token does not belong to this node")
	default:
		ErrInternal(w)
	}
}
