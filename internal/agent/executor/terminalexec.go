package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lattice-sh/lattice/internal/protocol"
)

const (
	terminalExecTimeout = 120 * time.Second

	// Captured output carried back in the result is bounded per stream.
	terminalOutputLimit = 20000
)

// executeTerminalExec runs one shell command line and reports its exit code
// and captured output.
func executeTerminalExec(ctx context.Context, cmd protocol.Command) (string, string, map[string]any) {
	commandLine, _ := cmd.Payload["command"].(string)
	if strings.TrimSpace(commandLine) == "" {
		return protocol.StatusFailed, "No command to run", nil
	}

	start := time.Now()
	r := runShell(ctx, terminalExecTimeout, commandLine)
	elapsed := time.Since(start)

	details := map[string]any{
		"exit_code":   r.ExitCode,
		"stdout":      truncate(r.Stdout, terminalOutputLimit),
		"stderr":      truncate(r.Stderr, terminalOutputLimit),
		"duration_ms": elapsed.Milliseconds(),
	}

	switch {
	case r.ExitCode == 0:
		return protocol.StatusSucceeded, "Command completed", details
	case r.ExitCode == -1 && strings.Contains(r.Stderr, "timed out"):
		return protocol.StatusFailed, "Command timed out", details
	default:
		return protocol.StatusFailed, fmt.Sprintf("Command exited with code %d", r.ExitCode), details
	}
}
