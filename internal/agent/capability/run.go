package capability

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

type probeResult struct {
	exitCode int
	stdout   string
	stderr   string
}

func (r probeResult) ok() bool { return r.exitCode == 0 }

func (r probeResult) firstLine() string {
	for _, out := range []string{r.stderr, r.stdout} {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				return line
			}
		}
	}
	return ""
}

func runProbe(ctx context.Context, timeout time.Duration, name string, args ...string) probeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := probeResult{stdout: stdout.String(), stderr: stderr.String()}
	switch {
	case err == nil:
	case ctx.Err() == context.DeadlineExceeded:
		res.exitCode = -1
		if res.stderr == "" {
			res.stderr = name + ": timed out"
		}
	default:
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			res.exitCode = exitErr.ExitCode()
		} else {
			res.exitCode = -1
			if res.stderr == "" {
				res.stderr = err.Error()
			}
		}
	}
	return res
}

// runRoot runs a command with root privileges, through sudo -n when the
// agent is not already root.
func runRoot(ctx context.Context, timeout time.Duration, name string, args ...string) probeResult {
	if os.Geteuid() == 0 {
		return runProbe(ctx, timeout, name, args...)
	}
	return runProbe(ctx, timeout, "sudo", append([]string{"-n", name}, args...)...)
}

// sudoDenied recognises sudo refusing to run without a password so probes
// can report a readable message instead of sudo's.
func sudoDenied(r probeResult) bool {
	if r.ok() {
		return false
	}
	s := strings.ToLower(r.stderr)
	return strings.Contains(s, "password is required") ||
		strings.Contains(s, "a terminal is required")
}
