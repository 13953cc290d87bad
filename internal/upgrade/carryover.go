package upgrade

import (
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// sharesNetworkNamespace reports whether a network mode reuses another
// container's namespace.
func sharesNetworkNamespace(mode container.NetworkMode) bool {
	s := string(mode)
	return strings.HasPrefix(s, "container:") || strings.HasPrefix(s, "service:")
}

// carryOverConfig builds the creation payload for a replacement container
// from the original's inspect data. Identity fields that belong to the old
// container are stripped; a shared network mode additionally forbids port
// configuration, which Docker rejects on a namespace-sharing container.
func carryOverConfig(inspect container.InspectResponse, newImage string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	config := &container.Config{}
	if inspect.Config != nil {
		*config = *inspect.Config
	}
	config.Image = newImage

	hostConfig := &container.HostConfig{}
	if inspect.HostConfig != nil {
		*hostConfig = *inspect.HostConfig
	}

	// Identity of the removed container, never carried over.
	hostConfig.ContainerIDFile = ""
	hostConfig.Runtime = ""
	hostConfig.AutoRemove = false

	if sharesNetworkNamespace(hostConfig.NetworkMode) {
		// Hostname is inherited from the namespace owner and port bindings
		// are rejected outright.
		config.Hostname = ""
		config.Domainname = ""
		config.ExposedPorts = nil
		hostConfig.PortBindings = nil
		hostConfig.PublishAllPorts = false
		return config, hostConfig, nil
	}

	var networkingConfig *network.NetworkingConfig
	if inspect.NetworkSettings != nil && len(inspect.NetworkSettings.Networks) > 0 {
		// Docker honors only a single endpoint in the creation payload, so
		// the payload carries the primary network and the rest are connected
		// after create.
		primary, _ := splitNetworks(inspect)
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				primary: inspect.NetworkSettings.Networks[primary],
			},
		}
	}
	return config, hostConfig, networkingConfig
}

// splitNetworks partitions the original container's networks into the one
// carried in the creation payload and the rest, which need an explicit
// connect. Names are sorted so the choice of primary is stable.
func splitNetworks(inspect container.InspectResponse) (primary string, extras []string) {
	if inspect.NetworkSettings == nil || len(inspect.NetworkSettings.Networks) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(inspect.NetworkSettings.Networks))
	for name := range inspect.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0], names[1:]
}

// rewriteNetworkMode returns a copy of the dependent's creation payload with
// its network_mode pointed at the new namespace owner's container ID.
func rewriteNetworkMode(inspect container.InspectResponse, newOwnerID string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	config, hostConfig, networkingConfig := carryOverConfig(inspect, imageOf(inspect))
	hostConfig.NetworkMode = container.NetworkMode("container:" + newOwnerID)
	return config, hostConfig, networkingConfig
}

func imageOf(inspect container.InspectResponse) string {
	if inspect.Config != nil {
		return inspect.Config.Image
	}
	return ""
}

func containerNameOf(inspect container.InspectResponse) string {
	if inspect.ContainerJSONBase == nil {
		return ""
	}
	return strings.TrimPrefix(inspect.Name, "/")
}
