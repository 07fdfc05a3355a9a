package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/master/terminal"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Store     *store.Store
	Agents    *agentmanager.Manager
	Terminals *terminal.Registry
	Logger    *zap.Logger

	// StaleAfter is the cutoff for failing queued operations that were never
	// picked up by an agent. Zero means the store default.
	StaleAfter time.Duration
}

// NewRouter builds and returns the fully configured Chi router: the REST
// surface under /api, the agent and UI websocket endpoints under /ws, and
// the health and metrics endpoints at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	r.Use(CORS)

	registerMetrics(cfg.Agents)

	nodes := NewNodeHandler(cfg.Store, cfg.Agents, cfg.Logger)
	pairing := NewPairingHandler(cfg.Store, cfg.Logger)
	vms := NewVMHandler(cfg.Store, cfg.Agents, cfg.StaleAfter, cfg.Logger)
	logs := NewLogHandler(cfg.Store, cfg.Logger)
	commands := NewCommandHandler(cfg.Store, cfg.Agents, cfg.Logger)
	agentWS := NewAgentWSHandler(cfg.Store, cfg.Agents, cfg.Terminals, cfg.Logger)
	logsWS := NewLogStreamHandler(cfg.Store, cfg.Logger)
	termWS := NewTerminalWSHandler(cfg.Store, cfg.Agents, cfg.Terminals, cfg.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/pair", pairing.Pair)
		r.Post("/heartbeat", pairing.Heartbeat)

		r.Get("/vm-images", vms.ListImages)

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", nodes.List)
			r.Post("/", nodes.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", nodes.GetByID)
				r.Patch("/", nodes.Rename)
				r.Delete("/", nodes.Delete)
				r.Post("/actions/update-agent", nodes.UpdateAgent)
				r.Post("/actions/terminal-exec", commands.QueueTerminalExec)
				r.Get("/terminal-commands", commands.ListTerminalCommands)

				r.Get("/logs", logs.List)

				r.Get("/vms", vms.ListVMs)
				r.Post("/vms", vms.CreateVM)
				r.Get("/vms/{vm_id}", vms.GetVM)
				r.Get("/vms/{vm_id}/operations", vms.ListOperations)
				r.Post("/vms/{vm_id}/actions/{action}", vms.VMAction)

				// Agent-scoped: long-poll fallback for agents without a
				// working websocket path.
				r.Group(func(r chi.Router) {
					r.Use(AgentAuth(cfg.Store))
					r.Post("/commands/next", commands.NextCommand)
					r.Post("/commands/result", commands.PostResult)
				})
			})
		})
	})

	r.Get("/ws/agent", agentWS.Serve)
	r.Get("/ws/node-logs", logsWS.Serve)
	r.Get("/ws/nodes/{id}/terminal", termWS.NodeShell)
	r.Get("/ws/nodes/{id}/vms/{vm_id}/terminal", termWS.VMConsole)
	r.Get("/ws/nodes/{id}/containers/{name}/terminal", termWS.ContainerShell)
	r.Get("/ws/nodes/{id}/containers/{name}/logs", termWS.ContainerLogs)

	return r
}
