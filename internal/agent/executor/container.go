package executor

import (
	"context"
	"strings"
	"time"

	"github.com/lattice-sh/lattice/internal/protocol"
)

const dockerTimeout = 120 * time.Second

// executeContainerCommand dispatches one container_* command to the docker
// CLI.
func executeContainerCommand(ctx context.Context, cmd protocol.Command) (string, string, map[string]any) {
	name := containerName(cmd)
	if name == "" && cmd.CommandType != protocol.CommandContainerSync {
		return protocol.StatusFailed, "Container command has no container name", nil
	}

	switch cmd.CommandType {
	case protocol.CommandContainerCreate:
		return containerCreate(ctx, name, cmd.Spec)
	case protocol.CommandContainerStart:
		return containerStart(ctx, name)
	case protocol.CommandContainerStop:
		return containerStop(ctx, name)
	case protocol.CommandContainerRestart:
		return containerRestart(ctx, name)
	case protocol.CommandContainerDelete:
		return containerDelete(ctx, name)
	case protocol.CommandContainerSync:
		return containerSync(ctx)
	default:
		return protocol.StatusFailed, "Unknown container command " + cmd.CommandType, nil
	}
}

func containerName(cmd protocol.Command) string {
	if n, _ := cmd.Spec["name"].(string); n != "" {
		return n
	}
	if n, _ := cmd.Payload["name"].(string); n != "" {
		return n
	}
	return cmd.DomainName
}

func containerCreate(ctx context.Context, name string, spec map[string]any) (string, string, map[string]any) {
	image, _ := spec["image"].(string)
	if image == "" {
		return protocol.StatusFailed, "Container spec has no image", nil
	}
	commandText, _ := spec["command_text"].(string)

	args := []string{"run", "-d", "--name", name, "--restart", "unless-stopped", image}
	if commandText != "" {
		args = append(args, "/bin/sh", "-lc", commandText)
	}

	r := runSudo(ctx, dockerTimeout, "docker", args...)
	if !r.ok() {
		if strings.Contains(r.Stderr, "is already in use") {
			return protocol.StatusFailed, "Container name " + name + " is already in use", nil
		}
		return protocol.StatusFailed, "docker run failed: " + r.firstLine(), nil
	}
	return protocol.StatusSucceeded, "Container created", containerDetails(ctx, name)
}

func containerStart(ctx context.Context, name string) (string, string, map[string]any) {
	r := runSudo(ctx, dockerTimeout, "docker", "start", name)
	if !r.ok() {
		// A retried start on a running container is done work.
		if strings.Contains(r.Stderr, "already started") {
			return protocol.StatusSucceeded, "Container already running", containerDetails(ctx, name)
		}
		if noSuchContainer(r) {
			return protocol.StatusFailed, "No such container: " + name, nil
		}
		return protocol.StatusFailed, "docker start failed: " + r.firstLine(), nil
	}
	return protocol.StatusSucceeded, "Container started", containerDetails(ctx, name)
}

func containerStop(ctx context.Context, name string) (string, string, map[string]any) {
	r := runSudo(ctx, dockerTimeout, "docker", "stop", name)
	if !r.ok() {
		if strings.Contains(r.Stderr, "is not running") {
			return protocol.StatusSucceeded, "Container already stopped", containerDetails(ctx, name)
		}
		if noSuchContainer(r) {
			return protocol.StatusFailed, "No such container: " + name, nil
		}
		return protocol.StatusFailed, "docker stop failed: " + r.firstLine(), nil
	}
	return protocol.StatusSucceeded, "Container stopped", containerDetails(ctx, name)
}

func containerRestart(ctx context.Context, name string) (string, string, map[string]any) {
	r := runSudo(ctx, dockerTimeout, "docker", "restart", name)
	if !r.ok() {
		if noSuchContainer(r) {
			return protocol.StatusFailed, "No such container: " + name, nil
		}
		return protocol.StatusFailed, "docker restart failed: " + r.firstLine(), nil
	}
	return protocol.StatusSucceeded, "Container restarted", containerDetails(ctx, name)
}

func containerDelete(ctx context.Context, name string) (string, string, map[string]any) {
	r := runSudo(ctx, dockerTimeout, "docker", "rm", "-f", name)
	if !r.ok() {
		// Deleting what is already gone is a success.
		if noSuchContainer(r) {
			return protocol.StatusSucceeded, "Container already deleted", nil
		}
		return protocol.StatusFailed, "docker rm failed: " + r.firstLine(), nil
	}
	return protocol.StatusSucceeded, "Container deleted", nil
}

// containerSync lists every container and derives a coarse state token for
// each: running, restarting, stopped, deleting, or unknown.
func containerSync(ctx context.Context) (string, string, map[string]any) {
	r := runSudo(ctx, dockerTimeout, "docker", "ps", "-a", "--format", "{{.Names}}\t{{.State}}")
	if !r.ok() {
		return protocol.StatusFailed, "docker ps failed: " + r.firstLine(), nil
	}

	containers := map[string]any{}
	for _, line := range strings.Split(r.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		containers[parts[0]] = stateToken(parts[1])
	}
	return protocol.StatusSucceeded, "Container inventory synced", map[string]any{"containers": containers}
}

func stateToken(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running":
		return "running"
	case "restarting":
		return "restarting"
	case "exited", "created", "paused", "dead":
		return "stopped"
	case "removing":
		return "deleting"
	default:
		return "unknown"
	}
}

func noSuchContainer(r runResult) bool {
	return strings.Contains(strings.ToLower(r.Stderr), "no such container")
}

// containerDetails reads the post-action runtime state for the result.
func containerDetails(ctx context.Context, name string) map[string]any {
	r := runSudo(ctx, dockerTimeout, "docker", "inspect", "--format", "{{.State.Status}}", name)
	if !r.ok() {
		return nil
	}
	return map[string]any{"state": stateToken(r.Stdout)}
}
