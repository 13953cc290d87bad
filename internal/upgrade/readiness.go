package upgrade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
)

// databaseImageMarkers identifies images whose startup includes recovery or
// migration work. A plain "running" state right after start means little for
// these, so they get a longer minimum observation floor.
var databaseImageMarkers = []string{
	"postgres", "mysql", "mariadb", "mongo", "redis", "valkey",
	"cockroach", "clickhouse", "elasticsearch", "influxdb",
}

// awaitReady blocks until the new container is considered ready.
//
// With a healthcheck, readiness is exactly health=healthy. Without one, the
// container must be observed running for MinStablePolls consecutive polls and
// at least the minimum-elapsed floor, to catch crash loops that exit a few
// seconds after start. A container observed exited is a hard failure and its
// log tail is folded into the error.
func (o *Orchestrator) awaitReady(ctx context.Context, client PortainerAPI, endpointID int, containerID, imageName string) error {
	minElapsed := o.cfg.MinElapsed
	if isDatabaseImage(imageName) {
		minElapsed = o.cfg.DatabaseMinElapsed
	}

	deadline := time.Now().Add(o.cfg.ReadyTimeout)
	started := time.Now()
	stablePolls := 0

	for {
		inspect, err := client.InspectContainer(ctx, endpointID, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container during readiness wait: %w", err)
		}

		var state *container.State
		if inspect.ContainerJSONBase != nil {
			state = inspect.State
		}
		if state != nil {
			if state.Health != nil && state.Health.Status != "" {
				switch state.Health.Status {
				case "healthy":
					return nil
				case "unhealthy":
					return o.failWithLogs(ctx, client, endpointID, containerID, "container reported unhealthy")
				}
				// "starting": keep polling, ignore the running heuristic.
				stablePolls = 0
			} else if state.Running {
				stablePolls++
				if stablePolls >= o.cfg.MinStablePolls && time.Since(started) >= minElapsed {
					return nil
				}
			} else if state.Status == "exited" || state.Status == "dead" {
				return o.failWithLogs(ctx, client, endpointID, containerID,
					fmt.Sprintf("container exited with code %d during startup", state.ExitCode))
			} else {
				stablePolls = 0
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("container did not become ready within %s", o.cfg.ReadyTimeout)
		}
		if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// failWithLogs builds a readiness failure that carries the container's recent
// log output, so the API response explains what went wrong without another
// round trip.
func (o *Orchestrator) failWithLogs(ctx context.Context, client PortainerAPI, endpointID int, containerID, reason string) error {
	logs, err := client.ContainerLogs(ctx, endpointID, containerID, 25)
	if err != nil || strings.TrimSpace(logs) == "" {
		return fmt.Errorf("%s", reason)
	}
	return fmt.Errorf("%s; last log output:\n%s", reason, strings.TrimSpace(logs))
}

func isDatabaseImage(imageName string) bool {
	name := strings.ToLower(imageName)
	if idx := strings.LastIndex(name, ":"); idx > strings.LastIndex(name, "/") {
		name = name[:idx]
	}
	for _, marker := range databaseImageMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
