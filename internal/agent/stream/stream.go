// Package stream maintains the agent's persistent websocket to the master:
// authentication, the outbound frame queue, keepalive pings, and dispatch of
// inbound command and terminal frames. When the socket is down the rest of
// the agent keeps working over the HTTP fallback; the streamer reconnects on
// its own.
package stream

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/agent/executor"
	"github.com/lattice-sh/lattice/internal/agent/terminal"
	"github.com/lattice-sh/lattice/internal/protocol"
)

const (
	// outboundCap bounds the frame queue; when full the oldest frames are
	// dropped so terminal output backpressure cannot wedge the agent.
	outboundCap = 1000

	pingInterval   = 15 * time.Second
	writeWait      = 10 * time.Second
	readWait       = 90 * time.Second
	reconnectDelay = 3 * time.Second
	dialTimeout    = 10 * time.Second
)

// Credentials supplies the current node identity. Implemented by the client
// package so both transports share one source of truth.
type Credentials interface {
	BaseURL() string
	NodeID() string
	Token() string
}

// masterFrame is the superset envelope of every master → agent frame.
type masterFrame struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`

	// command
	CommandType string         `json:"command_type,omitempty"`
	CommandID   string         `json:"command_id,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	VMID        string         `json:"vm_id,omitempty"`
	Spec        map[string]any `json:"spec,omitempty"`
	VMSpec      map[string]any `json:"vm_spec,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`

	// terminal_*
	SessionID   string `json:"session_id,omitempty"`
	Data        string `json:"data,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	DomainName  string `json:"domain_name,omitempty"`
	RuntimeName string `json:"runtime_name,omitempty"`
	Tail        int    `json:"tail,omitempty"`
}

// Streamer owns the websocket lifecycle. One Run loop per agent process.
type Streamer struct {
	logger *zap.Logger
	creds  Credentials
	exec   *executor.Executor
	terms  *terminal.Manager

	// onUnauthorized fires when the master rejects our credentials; the
	// control loop responds by re-pairing.
	onUnauthorized func()

	mu        sync.Mutex
	outbound  chan any
	connected bool
}

// New creates a Streamer. The terminal manager is owned by the streamer so
// terminal output flows back through the same socket it arrived on.
func New(logger *zap.Logger, creds Credentials, exec *executor.Executor, onUnauthorized func()) *Streamer {
	s := &Streamer{
		logger:         logger,
		creds:          creds,
		exec:           exec,
		onUnauthorized: onUnauthorized,
	}
	s.terms = terminal.NewManager(logger.Named("terminal"), s.SendTerminal)
	return s
}

// Connected reports whether an authenticated socket is currently up.
func (s *Streamer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send queues a frame for the master, dropping the oldest frame when the
// queue is full. A no-op while disconnected.
func (s *Streamer) Send(frame any) {
	s.mu.Lock()
	out := s.outbound
	s.mu.Unlock()
	if out == nil {
		return
	}
	for {
		select {
		case out <- frame:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}

// SendTerminal queues a terminal frame from the pty manager.
func (s *Streamer) SendTerminal(ev protocol.TerminalEvent) {
	s.Send(ev)
}

// SendHeartbeat queues a heartbeat frame.
func (s *Streamer) SendHeartbeat(hb protocol.Heartbeat) {
	s.Send(map[string]any{"type": protocol.TypeHeartbeat, "payload": hb})
}

// SendLog queues a log line for the node's master-side log.
func (s *Streamer) SendLog(level, message string, meta map[string]any) {
	s.Send(protocol.LogEvent{
		Type:      protocol.TypeLog,
		Level:     level,
		Message:   message,
		Meta:      meta,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Run connects, serves, and reconnects until the context ends.
func (s *Streamer) Run(ctx context.Context) {
	for {
		if err := s.serveOnce(ctx); err != nil {
			s.logger.Debug("websocket session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// wsURL converts the master's http(s) base URL into the agent websocket URL.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/agent"
	return u.String(), nil
}

func (s *Streamer) serveOnce(ctx context.Context) error {
	target, err := wsURL(s.creds.BaseURL())
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(map[string]string{
		"type":       protocol.TypeAuth,
		"node_id":    s.creds.NodeID(),
		"pair_token": s.creds.Token(),
	}); err != nil {
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	var reply masterFrame
	if err := ws.ReadJSON(&reply); err != nil {
		return err
	}
	if reply.Type != protocol.TypeAuthOK {
		if reply.Error == "unauthorized" && s.onUnauthorized != nil {
			s.onUnauthorized()
		}
		return nil
	}

	s.logger.Info("websocket connected")

	out := make(chan any, outboundCap)
	s.mu.Lock()
	s.outbound = out
	s.connected = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.outbound = nil
		s.connected = false
		s.mu.Unlock()
		// The master closes its side of every session when the socket
		// drops; mirror that locally so ptys do not leak.
		s.terms.CloseAll()
		s.logger.Info("websocket disconnected")
	}()

	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer cancelWriter()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writer(writerCtx, ws, out)
	}()

	err = s.readLoop(ctx, ws)
	cancelWriter()
	<-writerDone
	return err
}

// writer drains the outbound queue and sends keepalive pings.
func (s *Streamer) writer(ctx context.Context, ws *websocket.Conn, out chan any) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(map[string]string{"type": protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

// readLoop ingests master frames. Commands run on fresh goroutines so a slow
// executor never stalls terminal traffic; terminal frames are handled
// synchronously to preserve byte order.
func (s *Streamer) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		var frame masterFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return err
		}

		switch frame.Type {
		case protocol.TypeCommand:
			cmd := protocol.Command{
				Type:        frame.Type,
				CommandType: frame.CommandType,
				CommandID:   frame.CommandID,
				OperationID: frame.OperationID,
				VMID:        frame.VMID,
				DomainName:  frame.DomainName,
				Spec:        frame.Spec,
				VMSpec:      frame.VMSpec,
				Payload:     frame.Payload,
			}
			go s.exec.Dispatch(ctx, cmd, func(res protocol.CommandResult) {
				s.Send(res)
			})

		case protocol.TypeTerminalOpen, protocol.TypeTerminalInput, protocol.TypeTerminalResize, protocol.TypeTerminalClose,
			protocol.TypeVMTerminalOpen, protocol.TypeVMTerminalInput, protocol.TypeVMTerminalResize, protocol.TypeVMTerminalClose,
			protocol.TypeContainerTerminalOpen, protocol.TypeContainerTerminalInput, protocol.TypeContainerTerminalResize, protocol.TypeContainerTerminalClose,
			protocol.TypeContainerLogsOpen, protocol.TypeContainerLogsInput, protocol.TypeContainerLogsResize, protocol.TypeContainerLogsClose:
			s.terms.Handle(ctx, protocol.TerminalEvent{
				Type:        frame.Type,
				SessionID:   frame.SessionID,
				Data:        frame.Data,
				Cols:        frame.Cols,
				Rows:        frame.Rows,
				DomainName:  frame.DomainName,
				RuntimeName: frame.RuntimeName,
				Tail:        frame.Tail,
			})

		case protocol.TypePong:
			// Keepalive answered.

		case protocol.TypeError:
			switch frame.Error {
			case "unauthorized":
				if s.onUnauthorized != nil {
					s.onUnauthorized()
				}
				return nil
			case "superseded_connection":
				s.logger.Warn("connection superseded by a newer agent session")
				return nil
			default:
				s.logger.Debug("master error frame", zap.String("error", frame.Error))
			}
		}
	}
}
