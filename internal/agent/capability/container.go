package capability

import (
	"context"
	"time"

	"github.com/docker/docker/client"
)

// probeContainer checks that the Docker daemon is reachable through its API
// socket. Uses the SDK client rather than shelling out so the probe also
// validates socket permissions for the agent's own user.
func probeContainer(ctx context.Context) Summary {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return Summary{Ready: false, Message: "Docker client init failed: " + err.Error()}
	}
	defer cli.Close()

	ping, err := cli.Ping(ctx)
	if err != nil {
		return Summary{Ready: false, Message: "Docker daemon is not responding: " + err.Error()}
	}

	details := map[string]any{}
	if ping.APIVersion != "" {
		details["api_version"] = ping.APIVersion
	}

	// ServerVersion is best effort; a slow daemon should not flip readiness.
	vctx, vcancel := context.WithTimeout(ctx, 5*time.Second)
	defer vcancel()
	if version, err := cli.ServerVersion(vctx); err == nil && version.Version != "" {
		details["server_version"] = version.Version
	}

	return Summary{Ready: true, Details: details}
}
