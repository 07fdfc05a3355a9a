package terminal

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

// session is one live pty-backed process. Output is buffered by the reader
// goroutine and drained in coalesced frames by the pump.
type session struct {
	id       string
	target   string
	readOnly bool
	cmd      *exec.Cmd
	ptmx     *os.File

	mu      sync.Mutex
	pending []byte
	silent  bool
	stopped bool

	readerDone chan struct{}
}

func newSession(id, target string, readOnly bool, cmd *exec.Cmd, ptmx *os.File) *session {
	return &session{
		id:         id,
		target:     target,
		readOnly:   readOnly,
		cmd:        cmd,
		ptmx:       ptmx,
		readerDone: make(chan struct{}),
	}
}

func (s *session) write(data string) {
	if data == "" {
		return
	}
	// A write to a dying pty just errors; the pump reports the exit.
	_, _ = s.ptmx.Write([]byte(data))
}

func (s *session) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	// Resize failures are cosmetic.
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// stop terminates the process. silent suppresses the terminal_exit frame,
// used when a session is displaced by a newer one for the same target.
func (s *session) stop(silent bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if silent {
		s.silent = true
	}
	s.mu.Unlock()

	// Closing the pty unblocks the reader; the kill covers processes that
	// ignore the hangup.
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// pump moves pty output to the master until the process exits, then reports
// the exit code. It owns session teardown.
func (s *session) pump(m *Manager) {
	go s.read()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(m)
		case <-s.readerDone:
			s.flush(m)
			s.finish(m)
			return
		}
	}
}

// read drains the pty into the pending buffer until EOF.
func (s *session) read() {
	defer close(s.readerDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending = append(s.pending, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// flush sends the buffered output as one or more frames of at most
// flushLimit bytes.
func (s *session) flush(m *Manager) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		n := len(s.pending)
		if n > flushLimit {
			n = flushLimit
		}
		chunk := string(s.pending[:n])
		s.pending = s.pending[n:]
		s.mu.Unlock()

		m.send(protocol.TerminalEvent{
			Type:      protocol.TypeTerminalData,
			SessionID: s.id,
			Data:      chunk,
		})
	}
}

func (s *session) finish(m *Manager) {
	err := s.cmd.Wait()
	exitCode := 0
	if exitErr, isExit := err.(*exec.ExitError); isExit {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	s.mu.Lock()
	s.stopped = true
	silent := s.silent
	s.mu.Unlock()

	_ = s.ptmx.Close()
	m.forget(s)

	if silent {
		return
	}
	m.send(protocol.TerminalEvent{
		Type:      protocol.TypeTerminalExit,
		SessionID: s.id,
		ExitCode:  &exitCode,
	})
	m.logger.Info("Terminal session closed",
		zap.String("session_id", s.id),
		zap.Int("exit_code", exitCode))
}
