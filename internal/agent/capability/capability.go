// Package capability probes the host for the subsystems the agent can drive
// (VMs via libvirt, containers via Docker) and reports their readiness in
// heartbeats. Probes are cached briefly so every heartbeat does not shell
// out; a missing subsystem can trigger a rate-limited auto-install attempt.
package capability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const cacheTTL = 60 * time.Second

// Summary is the per-subsystem readiness report embedded in heartbeat extra.
type Summary struct {
	Ready   bool           `json:"ready"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Map renders the summary as the loosely-typed shape heartbeats carry.
func (s Summary) Map() map[string]any {
	m := map[string]any{"ready": s.Ready}
	if s.Message != "" {
		m["message"] = s.Message
	}
	for k, v := range s.Details {
		m[k] = v
	}
	return m
}

type cached struct {
	summary Summary
	at      time.Time
}

// Prober caches VM and container capability probes. Safe for concurrent use.
type Prober struct {
	logger    *zap.Logger
	installer *installer

	mu        sync.Mutex
	vm        *cached
	container *cached
}

func NewProber(logger *zap.Logger) *Prober {
	return &Prober{
		logger:    logger,
		installer: newInstaller(logger),
	}
}

// VM returns the cached libvirt readiness summary, probing when stale.
func (p *Prober) VM(ctx context.Context) Summary {
	return p.get(ctx, &p.vm, probeVM, subsystemVM)
}

// Container returns the cached Docker readiness summary, probing when stale.
func (p *Prober) Container(ctx context.Context) Summary {
	return p.get(ctx, &p.container, probeContainer, subsystemContainer)
}

func (p *Prober) get(ctx context.Context, slot **cached, probe func(context.Context) Summary, subsystem string) Summary {
	p.mu.Lock()
	if c := *slot; c != nil && time.Since(c.at) < cacheTTL {
		s := c.summary
		p.mu.Unlock()
		return s
	}
	p.mu.Unlock()

	s := probe(ctx)
	if !s.Ready {
		if p.installer.attempt(ctx, subsystem) {
			// The install may have fixed it; probe once more.
			s = probe(ctx)
		}
	}

	p.mu.Lock()
	*slot = &cached{summary: s, at: time.Now()}
	p.mu.Unlock()
	return s
}

// Invalidate drops the cache so the next heartbeat re-probes immediately.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	p.vm = nil
	p.container = nil
	p.mu.Unlock()
}
