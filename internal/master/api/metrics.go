package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
)

// Metrics are registered once per process on the default registry.
var (
	dispatchedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_commands_dispatched_total",
			Help: "Commands routed to agents, by command type.",
		},
		[]string{"command_type"},
	)

	heartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_heartbeats_received_total",
			Help: "Heartbeats accepted over HTTP and websocket.",
		},
	)

	terminalSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_terminal_sessions_active",
			Help: "Live UI terminal sessions.",
		},
	)
)

// registerMetrics installs the collectors, including a gauge backed directly
// by the agent manager's connection count. Duplicate registration (multiple
// routers in tests) is ignored.
func registerMetrics(agents *agentmanager.Manager) {
	connected := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "lattice_agents_connected",
			Help: "Agents with a live websocket connection.",
		},
		func() float64 { return float64(agents.ConnectedCount()) },
	)
	for _, c := range []prometheus.Collector{dispatchedCommands, heartbeatsReceived, terminalSessions, connected} {
		_ = prometheus.Register(c)
	}
}
