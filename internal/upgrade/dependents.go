package upgrade

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/chis/portwatch/internal/logging"
)

// dependent is a container that shares the upgrade target's network
// namespace. Its full inspect is captured before removal so it can be
// recreated against the replacement container.
type dependent struct {
	id      string
	name    string
	inspect container.InspectResponse
}

// captureDependents finds every container on the endpoint whose network_mode
// references the target, by ID, ID prefix, or name, and captures its config.
func (o *Orchestrator) captureDependents(ctx context.Context, client PortainerAPI, endpointID int, targetID, targetName string) ([]dependent, error) {
	summaries, err := client.ListContainers(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var deps []dependent
	for _, summary := range summaries {
		if summary.ID == targetID {
			continue
		}
		if summary.HostConfig.NetworkMode == "" {
			continue
		}
		if !networkModeReferences(summary.HostConfig.NetworkMode, targetID, targetName) {
			continue
		}
		inspect, err := client.InspectContainer(ctx, endpointID, summary.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect dependent %s: %w", summary.ID, err)
		}
		deps = append(deps, dependent{
			id:      summary.ID,
			name:    containerNameOf(inspect),
			inspect: inspect,
		})
	}
	return deps, nil
}

// networkModeReferences reports whether mode targets the given container.
// Docker records "container:<full-id>" once resolved, but compose files and
// manual creation can use names or truncated IDs.
func networkModeReferences(mode, targetID, targetName string) bool {
	prefix, target, ok := strings.Cut(mode, ":")
	if !ok || (prefix != "container" && prefix != "service") {
		return false
	}
	if target == "" {
		return false
	}
	if target == targetID || target == targetName {
		return true
	}
	// Truncated ID reference.
	return len(target) >= 12 && strings.HasPrefix(targetID, target)
}

// recreateDependent rebuilds one dependent against the new namespace owner
// and verifies the result actually points at it. Docker occasionally resolves
// a name-based network_mode against a stale cached ID, so a mismatched
// container is removed and recreated once more.
func (o *Orchestrator) recreateDependent(ctx context.Context, client PortainerAPI, endpointID int, dep dependent, newOwnerID string, log *logging.Logger) error {
	wantMode := "container:" + newOwnerID

	for attempt := 0; attempt < 2; attempt++ {
		config, hostConfig, networkingConfig := rewriteNetworkMode(dep.inspect, newOwnerID)
		newID, err := client.CreateContainer(ctx, endpointID, dep.name, config, hostConfig, networkingConfig)
		if err != nil {
			return fmt.Errorf("failed to create dependent %s: %w", dep.name, err)
		}
		if err := client.StartContainer(ctx, endpointID, newID); err != nil {
			return fmt.Errorf("failed to start dependent %s: %w", dep.name, err)
		}

		inspect, err := client.InspectContainer(ctx, endpointID, newID)
		if err != nil {
			return fmt.Errorf("failed to verify dependent %s: %w", dep.name, err)
		}
		gotMode := ""
		if inspect.HostConfig != nil {
			gotMode = string(inspect.HostConfig.NetworkMode)
		}
		if gotMode == wantMode {
			log.Info("dependent %s reconnected to %s", dep.name, newOwnerID)
			return nil
		}

		if attempt == 0 {
			log.Warn("dependent %s landed on network mode %q instead of %q, recreating", dep.name, gotMode, wantMode)
			if err := client.StopContainer(ctx, endpointID, newID, o.cfg.StopTimeoutSeconds); err != nil {
				return fmt.Errorf("failed to stop misconnected dependent %s: %w", dep.name, err)
			}
			if err := client.RemoveContainer(ctx, endpointID, newID, true); err != nil {
				return fmt.Errorf("failed to remove misconnected dependent %s: %w", dep.name, err)
			}
			continue
		}
		return fmt.Errorf("dependent %s still attached to %q after recreate", dep.name, gotMode)
	}
	return nil
}
