package executor

import (
	"context"
	"strings"
	"time"

	"github.com/lattice-sh/lattice/internal/protocol"
)

const gitTimeout = 60 * time.Second

// configFileName is ignored when judging whether the work tree is dirty: the
// agent rewrites its own config/state files during normal operation.
var updateIgnoredFiles = []string{"agent-config.json", "state.json"}

// executeUpdateAgent fast-forwards the agent's git checkout. Outcomes:
// up_to_date when HEAD already matches upstream, updated with before/after
// SHAs after a pull, failed for everything that prevents a clean
// fast-forward.
func executeUpdateAgent(ctx context.Context, cmd protocol.Command) (string, string, map[string]any) {
	branch, _ := cmd.Payload["branch"].(string)
	force, _ := cmd.Payload["force"].(bool)

	if r := run(ctx, gitTimeout, "git", "rev-parse", "--is-inside-work-tree"); !r.ok() || strings.TrimSpace(r.Stdout) != "true" {
		return protocol.StatusFailed, "Agent is not running from a git checkout", nil
	}

	if !force {
		if dirty := dirtyFiles(ctx); len(dirty) > 0 {
			return protocol.StatusFailed,
				"Work tree has local changes, refusing to update (use force to override)",
				map[string]any{"dirty": dirty}
		}
	}

	if branch != "" {
		if r := run(ctx, gitTimeout, "git", "fetch", "origin", branch); !r.ok() {
			return protocol.StatusFailed, "git fetch failed: "+r.firstLine(), nil
		}
	} else {
		if r := run(ctx, gitTimeout, "git", "fetch", "--all", "--prune"); !r.ok() {
			return protocol.StatusFailed, "git fetch failed: "+r.firstLine(), nil
		}
	}

	before := headSHA(ctx)

	upstream := resolveUpstream(ctx, branch)
	if upstream == "" {
		return protocol.StatusFailed, "Could not resolve an upstream branch to update from", nil
	}

	ahead, behind, ok := aheadBehind(ctx, upstream)
	if !ok {
		return protocol.StatusFailed, "git rev-list failed comparing HEAD to "+upstream, nil
	}
	if behind == 0 {
		return protocol.StatusUpToDate, "Agent is already up to date", map[string]any{
			"commit":   before,
			"upstream": upstream,
		}
	}
	if ahead > 0 && !force {
		return protocol.StatusFailed, "Local branch has diverged from upstream, refusing to update", map[string]any{
			"ahead":  ahead,
			"behind": behind,
		}
	}

	if r := run(ctx, gitTimeout, "git", "pull", "--ff-only"); !r.ok() {
		return protocol.StatusFailed, "git pull --ff-only failed: "+r.firstLine(), nil
	}

	after := headSHA(ctx)
	return protocol.StatusUpdated, "Agent updated, restart to apply", map[string]any{
		"before":   before,
		"after":    after,
		"upstream": upstream,
	}
}

// dirtyFiles lists modified paths, ignoring the agent's own config files.
func dirtyFiles(ctx context.Context) []string {
	r := run(ctx, gitTimeout, "git", "status", "--porcelain")
	if !r.ok() {
		return []string{"(git status failed)"}
	}
	var dirty []string
	for _, line := range strings.Split(r.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		path := fields[len(fields)-1]
		ignored := false
		for _, ig := range updateIgnoredFiles {
			if strings.HasSuffix(path, ig) {
				ignored = true
				break
			}
		}
		if !ignored {
			dirty = append(dirty, path)
		}
	}
	return dirty
}

// resolveUpstream prefers the tracking branch; falls back to origin/<branch>
// or origin/<current>.
func resolveUpstream(ctx context.Context, branch string) string {
	if r := run(ctx, gitTimeout, "git", "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}"); r.ok() {
		if up := strings.TrimSpace(r.Stdout); up != "" {
			return up
		}
	}
	if branch != "" {
		return "origin/" + branch
	}
	if r := run(ctx, gitTimeout, "git", "rev-parse", "--abbrev-ref", "HEAD"); r.ok() {
		if cur := strings.TrimSpace(r.Stdout); cur != "" && cur != "HEAD" {
			return "origin/" + cur
		}
	}
	return ""
}

// aheadBehind counts commits HEAD is ahead of / behind upstream.
func aheadBehind(ctx context.Context, upstream string) (ahead, behind int, ok bool) {
	r := run(ctx, gitTimeout, "git", "rev-list", "--left-right", "--count", "HEAD..."+upstream)
	if !r.ok() {
		return 0, 0, false
	}
	fields := strings.Fields(strings.TrimSpace(r.Stdout))
	if len(fields) != 2 {
		return 0, 0, false
	}
	ahead = atoiSafe(fields[0])
	behind = atoiSafe(fields[1])
	return ahead, behind, true
}

func headSHA(ctx context.Context) string {
	r := run(ctx, gitTimeout, "git", "rev-parse", "HEAD")
	if !r.ok() {
		return ""
	}
	return strings.TrimSpace(r.Stdout)
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
