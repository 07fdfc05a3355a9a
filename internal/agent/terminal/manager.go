// Package terminal runs the agent side of interactive sessions: local
// shells, VM serial consoles, container shells and container log tails, each
// backed by a pty. Frames arrive from the websocket streamer and output is
// pushed back through it.
package terminal

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

const (
	// Output is coalesced: the flusher drains up to flushLimit bytes per
	// tick so a chatty process becomes a few large frames instead of
	// thousands of tiny ones.
	flushInterval = 200 * time.Millisecond
	flushLimit    = 128 * 1024

	probeTimeout = 10 * time.Second
)

// Manager owns the live pty sessions for one agent. Safe for concurrent use;
// the send callback must tolerate calls from multiple goroutines.
type Manager struct {
	logger *zap.Logger
	send   func(protocol.TerminalEvent)

	mu       sync.Mutex
	sessions map[string]*session
	byTarget map[string]string
}

func NewManager(logger *zap.Logger, send func(protocol.TerminalEvent)) *Manager {
	return &Manager{
		logger:   logger,
		send:     send,
		sessions: make(map[string]*session),
		byTarget: make(map[string]string),
	}
}

// Handle dispatches one terminal frame from the master. Unknown session ids
// on input/resize/close are ignored; the session may have just exited.
func (m *Manager) Handle(ctx context.Context, ev protocol.TerminalEvent) {
	switch ev.Type {
	case protocol.TypeTerminalOpen:
		m.open(ctx, ev, m.shellCommand, "", false)
	case protocol.TypeVMTerminalOpen:
		m.openVMConsole(ctx, ev)
	case protocol.TypeContainerTerminalOpen:
		m.openContainerShell(ctx, ev)
	case protocol.TypeContainerLogsOpen:
		m.openContainerLogs(ctx, ev)
	case protocol.TypeTerminalInput, protocol.TypeVMTerminalInput, protocol.TypeContainerTerminalInput:
		m.input(ev)
	case protocol.TypeContainerLogsInput:
		// Log tails are read-only.
	case protocol.TypeTerminalResize, protocol.TypeVMTerminalResize, protocol.TypeContainerTerminalResize:
		m.resize(ev)
	case protocol.TypeContainerLogsResize:
		m.resize(ev)
	case protocol.TypeTerminalClose, protocol.TypeVMTerminalClose, protocol.TypeContainerTerminalClose, protocol.TypeContainerLogsClose:
		m.close(ev.SessionID)
	}
}

// CloseAll tears down every session, used when the websocket drops.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.close(id)
	}
}

func (m *Manager) shellCommand() *exec.Cmd {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
		if _, err := os.Stat(shell); err != nil {
			shell = "/bin/sh"
		}
	}
	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return cmd
}

func (m *Manager) openVMConsole(ctx context.Context, ev protocol.TerminalEvent) {
	domain := ev.DomainName
	if domain == "" {
		m.fail(ev.SessionID, "No domain name for VM console")
		return
	}
	state := strings.TrimSpace(probeOutput(ctx, rootArgs("virsh", "domstate", domain)...))
	if state != "running" {
		m.fail(ev.SessionID, "VM is not running (state: "+orUnknown(state)+")")
		return
	}
	m.open(ctx, ev, func() *exec.Cmd {
		args := rootArgs("virsh", "console", domain, "--force")
		return exec.Command(args[0], args[1:]...)
	}, "vm:"+domain, false)
}

func (m *Manager) openContainerShell(ctx context.Context, ev protocol.TerminalEvent) {
	name := ev.RuntimeName
	if name == "" {
		m.fail(ev.SessionID, "No container name for shell")
		return
	}
	state := strings.TrimSpace(probeOutput(ctx, rootArgs("docker", "inspect", "--format", "{{.State.Status}}", name)...))
	if state != "running" {
		m.fail(ev.SessionID, "Container is not running (state: "+orUnknown(state)+")")
		return
	}
	m.open(ctx, ev, func() *exec.Cmd {
		args := rootArgs("docker", "exec", "-it", name, "/bin/sh", "-lc", "exec bash || exec sh")
		return exec.Command(args[0], args[1:]...)
	}, "container:"+name, false)
}

func (m *Manager) openContainerLogs(ctx context.Context, ev protocol.TerminalEvent) {
	name := ev.RuntimeName
	if name == "" {
		m.fail(ev.SessionID, "No container name for logs")
		return
	}
	tail := ev.Tail
	if tail < 1 || tail > 2000 {
		tail = 200
	}
	m.open(ctx, ev, func() *exec.Cmd {
		args := rootArgs("docker", "logs", "--tail", strconv.Itoa(tail), "-f", name)
		return exec.Command(args[0], args[1:]...)
	}, "logs:"+name, true)
}

// fail reports a session that could not start.
func (m *Manager) fail(sessionID, reason string) {
	m.send(protocol.TerminalEvent{
		Type:      protocol.TypeTerminalError,
		SessionID: sessionID,
		Error:     reason,
	})
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// rootArgs prefixes sudo -n when not running as root.
func rootArgs(name string, args ...string) []string {
	if os.Geteuid() == 0 {
		return append([]string{name}, args...)
	}
	return append([]string{"sudo", "-n", name}, args...)
}

func probeOutput(ctx context.Context, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// open starts the process on a pty and registers the session. A non-empty
// target displaces any existing session for the same VM or container; the
// displaced session is closed without emitting a terminal_exit so the master
// does not mistake the handover for a crash.
func (m *Manager) open(ctx context.Context, ev protocol.TerminalEvent, build func() *exec.Cmd, target string, readOnly bool) {
	if target != "" {
		m.mu.Lock()
		priorID := m.byTarget[target]
		m.mu.Unlock()
		if priorID != "" {
			m.closeSilently(priorID)
		}
	}

	cols, rows := ev.Cols, ev.Rows
	if cols < 20 || cols > 300 {
		cols = 80
	}
	if rows < 5 || rows > 120 {
		rows = 24
	}

	cmd := build()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		m.fail(ev.SessionID, "Failed to start session: "+err.Error())
		return
	}

	s := newSession(ev.SessionID, target, readOnly, cmd, ptmx)

	m.mu.Lock()
	m.sessions[ev.SessionID] = s
	if target != "" {
		m.byTarget[target] = ev.SessionID
	}
	m.mu.Unlock()

	m.logger.Info("Terminal session opened",
		zap.String("session_id", ev.SessionID),
		zap.String("target", target))

	go s.pump(m)
}

func (m *Manager) input(ev protocol.TerminalEvent) {
	if s := m.lookup(ev.SessionID); s != nil && !s.readOnly {
		s.write(ev.Data)
	}
}

func (m *Manager) resize(ev protocol.TerminalEvent) {
	if s := m.lookup(ev.SessionID); s != nil {
		s.resize(ev.Cols, ev.Rows)
	}
}

func (m *Manager) close(sessionID string) {
	if s := m.lookup(sessionID); s != nil {
		s.stop(false)
	}
}

func (m *Manager) closeSilently(sessionID string) {
	if s := m.lookup(sessionID); s != nil {
		s.stop(true)
	}
}

func (m *Manager) lookup(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// forget removes the session from the registries once its pump has drained.
func (m *Manager) forget(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	if s.target != "" && m.byTarget[s.target] == s.id {
		delete(m.byTarget, s.target)
	}
	m.mu.Unlock()
}
