// Package executor translates typed master commands into external tool
// invocations (git, virsh, docker, the shell) and derives structured results
// from their output. Executors never panic and never return raw errors to
// the dispatch layer; every outcome is a CommandResult.
package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// runResult is the uniform outcome of one external command.
type runResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ok reports whether the command exited zero.
func (r runResult) ok() bool { return r.ExitCode == 0 }

// firstLine returns the first non-empty line of stderr, then stdout; the
// conventional one-line summary of why a tool failed.
func (r runResult) firstLine() string {
	for _, out := range []string{r.Stderr, r.Stdout} {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				return line
			}
		}
	}
	return ""
}

// run executes a command with a timeout, capturing output. Failure to even
// start the process is reported as exit code -1 with the error text on
// stderr; callers never see a Go error.
func run(ctx context.Context, timeout time.Duration, name string, args ...string) runResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := runResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = name + ": timed out after " + timeout.String()
		}
	default:
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

// runShell executes one command line under /bin/sh -c.
func runShell(ctx context.Context, timeout time.Duration, commandLine string) runResult {
	return run(ctx, timeout, "/bin/sh", "-c", commandLine)
}

// runSudo executes a command with root privileges: directly when the agent
// already runs as root, otherwise wrapped in sudo -n. A NOPASSWD denial
// surfaces as a normal failed runResult with sudo's message on stderr.
func runSudo(ctx context.Context, timeout time.Duration, name string, args ...string) runResult {
	if os.Geteuid() == 0 {
		return run(ctx, timeout, name, args...)
	}
	return run(ctx, timeout, "sudo", append([]string{"-n", name}, args...)...)
}

// sudoDenied reports whether a failure looks like sudo refusing to run
// without a password, so callers can produce a readable capability message
// instead of a cryptic one.
func sudoDenied(r runResult) bool {
	if r.ok() {
		return false
	}
	s := strings.ToLower(r.Stderr)
	return strings.Contains(s, "a password is required") ||
		strings.Contains(s, "password is required") ||
		strings.Contains(s, "sudo: a terminal is required")
}

// truncate bounds captured output carried in results.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
