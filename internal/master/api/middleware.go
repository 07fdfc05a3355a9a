package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/master/store"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyNode holds the *db.Node authenticated by AgentAuth.
	contextKeyNode contextKey = iota
)

// AgentAuth authenticates agent-scoped endpoints. The bearer token must be
// the pair token of the node named in the URL, and when the node has a
// recorded agent hostname, a presented X-Agent-Hostname header must match it
// case-insensitively. The check invalidates a cloned token replayed from a
// different host.
func AgentAuth(st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nodeID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				ErrNotFound(w, "node not found")
				return
			}

			token := bearerToken(r)
			if token == "" {
				ErrUnauthorized(w)
				return
			}

			node, err := st.GetNodeByToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					ErrUnauthorized(w)
					return
				}
				ErrInternal(w)
				return
			}
			if node.ID != nodeID {
				ErrForbidden(w, "token does not belong to this node")
				return
			}

			if hostname := r.Header.Get("X-Agent-Hostname"); hostname != "" && node.AgentHostname != "" {
				if !strings.EqualFold(hostname, node.AgentHostname) {
					ErrForbidden(w, "agent hostname mismatch")
					return
				}
			}

			ctx := context.WithValue(r.Context(), contextKeyNode, node)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// nodeFromCtx retrieves the node stored by AgentAuth. Returns nil on
// unauthenticated requests.
func nodeFromCtx(ctx context.Context) *db.Node {
	node, _ := ctx.Value(contextKeyNode).(*db.Node)
	return node
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns "" when absent or malformed.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// CORS reflects the request origin and answers preflights. Permissive on
// purpose: the UI is served from arbitrary dev hosts and the API carries no
// cookie-based auth.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Agent-Hostname")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseUUID extracts and parses a UUID path parameter. Writes a 404 and
// returns false when the value is not a UUID, so unknown and malformed ids
// are indistinguishable to clients.
func parseUUID(w http.ResponseWriter, r *http.Request, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		ErrNotFound(w, what+" not found")
		return uuid.UUID{}, false
	}
	return id, true
}
