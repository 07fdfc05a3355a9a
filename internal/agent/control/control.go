// Package control is the agent's supervisor: it pairs with the master, then
// keeps four workers running (heartbeat sender, websocket streamer, command
// poller, and the executors behind them) and re-pairs from scratch whenever
// the master revokes the node's token.
package control

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/agent/capability"
	"github.com/lattice-sh/lattice/internal/agent/client"
	"github.com/lattice-sh/lattice/internal/agent/config"
	"github.com/lattice-sh/lattice/internal/agent/executor"
	"github.com/lattice-sh/lattice/internal/agent/stream"
	"github.com/lattice-sh/lattice/internal/agent/sysinfo"
	"github.com/lattice-sh/lattice/internal/protocol"
)

// pollInterval is the HTTP command poll cadence. The master holds the poll
// open for a few seconds, so the effective latency is well under this.
const pollInterval = 2 * time.Second

// Agent wires the agent subsystems together and runs them.
type Agent struct {
	logger    *zap.Logger
	cfg       *config.Config
	statePath string

	client    *client.Client
	collector *sysinfo.Collector
	prober    *capability.Prober
	exec      *executor.Executor
	streamer  *stream.Streamer

	// unauthorized is pulsed when any worker sees its credentials rejected.
	unauthorized chan struct{}
}

// New builds an Agent from a validated config. configPath locates the state
// file written after pairing.
func New(logger *zap.Logger, cfg *config.Config, configPath string) *Agent {
	a := &Agent{
		logger:       logger,
		cfg:          cfg,
		statePath:    config.StatePath(configPath),
		client:       client.New(cfg.MasterURL, sysinfo.Hostname()),
		collector:    sysinfo.NewCollector(cfg.MasterURL),
		prober:       capability.NewProber(logger.Named("capability")),
		exec:         executor.New(logger.Named("executor")),
		unauthorized: make(chan struct{}, 1),
	}
	a.streamer = stream.New(logger.Named("stream"), a.client, a.exec, a.signalUnauthorized)
	return a
}

// Run pairs and supervises until the context ends. Returns nil on a clean
// shutdown.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.ensurePaired(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		a.runWorkers(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A worker saw 401/403: the token is gone. Drop the state and pair
		// again with the configured code.
		a.logger.Warn("Credentials rejected by master, re-pairing")
		a.client.ClearAuth()
		if err := config.ClearState(a.statePath); err != nil {
			a.logger.Warn("Failed to clear pairing state", zap.Error(err))
		}
		a.prober.Invalidate()
	}
}

// ensurePaired restores persisted credentials or pairs with the configured
// code, retrying until it succeeds or the context ends.
func (a *Agent) ensurePaired(ctx context.Context) error {
	if st, err := config.LoadState(a.statePath); err == nil && st.Valid(a.cfg.MasterURL) {
		a.client.SetAuth(st.NodeID, st.PairToken)
		a.logger.Info("Restored pairing state",
			zap.String("node_id", st.NodeID))
		return nil
	}

	for {
		resp, err := a.client.Pair(ctx, a.cfg.PairCode, a.collector.Identity(ctx))
		if err == nil {
			st := &config.State{
				NodeID:    resp.NodeID,
				PairToken: resp.PairToken,
				PairedAt:  time.Now().UTC(),
				MasterURL: a.cfg.MasterURL,
			}
			if err := config.SaveState(a.statePath, st); err != nil {
				return err
			}
			a.client.SetAuth(resp.NodeID, resp.PairToken)
			a.logger.Info("Paired with master",
				zap.String("node_id", resp.NodeID),
				zap.String("node_name", resp.NodeName))
			return nil
		}

		a.logger.Warn("Pairing failed, retrying",
			zap.Error(err),
			zap.Duration("retry_in", a.cfg.PairRetry()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.PairRetry()):
		}
	}
}

// runWorkers starts the workers and blocks until the context ends or a
// credential rejection forces a restart.
func (a *Agent) runWorkers(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Drain a stale pulse from the previous generation.
	select {
	case <-a.unauthorized:
	default:
	}

	var wg sync.WaitGroup
	a.spawn(workerCtx, &wg, "heartbeat", a.heartbeatLoop)
	a.spawn(workerCtx, &wg, "stream", a.streamer.Run)
	a.spawn(workerCtx, &wg, "poller", a.pollLoop)

	select {
	case <-ctx.Done():
	case <-a.unauthorized:
	}
	cancel()
	wg.Wait()
}

// spawn runs a worker with panic recovery; a panicking worker is restarted
// after a short pause instead of taking the agent down.
func (a *Agent) spawn(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						a.logger.Error("Worker panicked",
							zap.String("worker", name),
							zap.Any("panic", r),
							zap.ByteString("stack", debug.Stack()))
					}
				}()
				fn(ctx)
			}()
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (a *Agent) signalUnauthorized() {
	select {
	case a.unauthorized <- struct{}{}:
	default:
	}
}

// heartbeatLoop sends heartbeats on the configured interval, preferring the
// websocket when it is up and falling back to the HTTP endpoint otherwise.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()

	a.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	hb := a.buildHeartbeat(ctx)
	if a.streamer.Connected() {
		a.streamer.SendHeartbeat(hb)
		return
	}
	if err := a.client.Heartbeat(ctx, hb, a.cfg.HeartbeatTimeout()); err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			a.signalUnauthorized()
			return
		}
		a.logger.Debug("Heartbeat failed", zap.Error(err))
	}
}

func (a *Agent) buildHeartbeat(ctx context.Context) protocol.Heartbeat {
	identity := a.collector.Identity(ctx)
	hardware, _ := identity["hardware"].(map[string]any)

	extra := &protocol.HeartbeatExtra{
		OS:        map[string]any{"name": identity["os"]},
		Arch:      map[string]any{"name": identity["arch"]},
		Hardware:  hardware,
		Usage:     a.collector.Usage(ctx),
		VM:        a.prober.VM(ctx).Map(),
		Container: a.prober.Container(ctx).Map(),
		LocalIP:   a.collector.LocalIP(),
		GitCommit: a.collector.GitCommit(),
	}
	return protocol.Heartbeat{
		NodeID:    a.client.NodeID(),
		Status:    "online",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Hostname:  sysinfo.Hostname(),
		Extra:     extra,
	}
}

// pollLoop consumes queued commands over the HTTP long-poll. It runs even
// while the websocket is up: the master decides per command which transport
// carries it.
func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cmd, err := a.client.NextCommand(ctx)
		if err != nil {
			if errors.Is(err, client.ErrUnauthorized) {
				a.signalUnauthorized()
				return
			}
			a.logger.Debug("Command poll failed", zap.Error(err))
			continue
		}
		if cmd == nil {
			continue
		}

		go a.exec.Dispatch(ctx, *cmd, func(res protocol.CommandResult) {
			a.postResult(ctx, res)
		})
	}
}

// postResult reports a result, preferring the transport that is up.
func (a *Agent) postResult(ctx context.Context, res protocol.CommandResult) {
	if a.streamer.Connected() {
		a.streamer.Send(res)
		return
	}
	if err := a.client.PostResult(ctx, res); err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			a.signalUnauthorized()
			return
		}
		a.logger.Warn("Failed to report command result",
			zap.String("command_id", res.CommandID),
			zap.Error(err))
	}
}
