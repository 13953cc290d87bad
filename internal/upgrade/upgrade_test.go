package upgrade

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/storage"
	"github.com/chis/portwatch/internal/testutil"
)

// fakeDockerHost simulates the Docker engine behind one Portainer endpoint.
type fakeDockerHost struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	images     map[string]string // image ref -> digest
	pulls      []string
	starts     []string
	connects   []string
	// startExitCode, when non-nil, makes every started container exit
	// immediately with that code instead of running.
	startExitCode *int
	exitLogs      string
}

type fakeContainer struct {
	id         string
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
	networks   map[string]*network.EndpointSettings
	running    bool
	status     string
	exitCode   int
}

func newFakeHost() *fakeDockerHost {
	return &fakeDockerHost{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]string),
	}
}

func (f *fakeDockerHost) addContainer(id, name, imageName, networkMode string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := "exited"
	if running {
		status = "running"
	}
	f.containers[id] = &fakeContainer{
		id:   id,
		name: name,
		config: &container.Config{
			Image: imageName,
			Env:   []string{"TZ=UTC"},
		},
		hostConfig: &container.HostConfig{
			NetworkMode:   container.NetworkMode(networkMode),
			RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		},
		networks: map[string]*network.EndpointSettings{
			"bridge": {Gateway: "172.17.0.1", IPAddress: "172.17.0.5"},
		},
		running: running,
		status:  status,
	}
}

func (f *fakeDockerHost) BaseURL() string { return "https://portainer.local" }

func (f *fakeDockerHost) ListContainers(ctx context.Context, endpointID int) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, c := range f.containers {
		summary := container.Summary{
			ID:    c.id,
			Names: []string{"/" + c.name},
			Image: c.config.Image,
			State: c.status,
		}
		summary.HostConfig.NetworkMode = string(c.hostConfig.NetworkMode)
		out = append(out, summary)
	}
	return out, nil
}

func (f *fakeDockerHost) InspectContainer(ctx context.Context, endpointID int, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %s", containerID)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         c.id,
			Name:       "/" + c.name,
			HostConfig: c.hostConfig,
			State: &container.State{
				Running:  c.running,
				Status:   c.status,
				ExitCode: c.exitCode,
			},
		},
		Config: c.config,
		NetworkSettings: &container.NetworkSettings{
			Networks: c.networks,
		},
	}, nil
}

func (f *fakeDockerHost) InspectImage(ctx context.Context, endpointID int, imageRef string) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	digest, ok := f.images[imageRef]
	if !ok {
		return image.InspectResponse{}, fmt.Errorf("no such image: %s", imageRef)
	}
	repo := imageRef
	if idx := strings.LastIndex(repo, ":"); idx > strings.LastIndex(repo, "/") {
		repo = repo[:idx]
	}
	return image.InspectResponse{
		RepoDigests: []string{repo + "@" + digest},
	}, nil
}

func (f *fakeDockerHost) StopContainer(ctx context.Context, endpointID int, containerID string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.running = false
	c.status = "exited"
	return nil
}

func (f *fakeDockerHost) RemoveContainer(ctx context.Context, endpointID int, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDockerHost) PullImage(ctx context.Context, endpointID int, imageName, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, imageName+":"+tag)
	return nil
}

func (f *fakeDockerHost) CreateContainer(ctx context.Context, endpointID int, name string, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("created-%d", f.nextID)
	networks := map[string]*network.EndpointSettings{}
	if networkingConfig != nil {
		networks = networkingConfig.EndpointsConfig
	}
	f.containers[id] = &fakeContainer{
		id:         id,
		name:       name,
		config:     config,
		hostConfig: hostConfig,
		networks:   networks,
		status:     "created",
	}
	return id, nil
}

func (f *fakeDockerHost) ConnectNetwork(ctx context.Context, endpointID int, networkID, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	if c.networks == nil {
		c.networks = map[string]*network.EndpointSettings{}
	}
	c.networks[networkID] = &network.EndpointSettings{}
	f.connects = append(f.connects, networkID+"->"+containerID)
	return nil
}

func (f *fakeDockerHost) StartContainer(ctx context.Context, endpointID int, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	f.starts = append(f.starts, containerID)
	if f.startExitCode != nil {
		c.running = false
		c.status = "exited"
		c.exitCode = *f.startExitCode
		return nil
	}
	c.running = true
	c.status = "running"
	return nil
}

func (f *fakeDockerHost) ContainerLogs(ctx context.Context, endpointID int, containerID string, tail int) (string, error) {
	return f.exitLogs, nil
}

func (f *fakeDockerHost) byName(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == name {
			return c
		}
	}
	return nil
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(repo, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, repo+":"+tag)
}

func newTestOrchestrator(t *testing.T, host *fakeDockerHost) (*Orchestrator, storage.Store, *recordingInvalidator) {
	t.Helper()
	store := testutil.NewTestStore(t)
	invalidator := &recordingInvalidator{}
	cfg := DefaultConfig()
	cfg.MinStablePolls = 1
	cfg.MinElapsed = 0
	cfg.DatabaseMinElapsed = 0
	cfg.PollInterval = time.Millisecond
	cfg.ReadyTimeout = time.Second

	o := NewOrchestrator(
		map[string]PortainerAPI{"https://portainer.local": host},
		nil, invalidator, store, events.NewBus(), cfg,
	)
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o, store, invalidator
}

func TestUpgradePreservesNetworkModeDependent(t *testing.T) {
	host := newFakeHost()
	host.addContainer("proxy-old-id", "proxy", "jc21/nginx-proxy-manager:2.11", "bridge", true)
	host.addContainer("dep-old-id", "homarr", "ghcr.io/ajnart/homarr:latest", "container:proxy-old-id", true)
	host.images["jc21/nginx-proxy-manager:2.11"] = "sha256:olddigest"
	host.images["jc21/nginx-proxy-manager:2.12"] = "sha256:newdigest"

	o, store, invalidator := newTestOrchestrator(t, host)

	result, err := o.Upgrade(context.Background(), Request{
		InstanceURL: "https://portainer.local",
		EndpointID:  1,
		ContainerID: "proxy-old-id",
		TargetImage: "jc21/nginx-proxy-manager:2.12",
		UserID:      "admin",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "proxy", result.ContainerName)
	assert.Equal(t, "jc21/nginx-proxy-manager:2.11", result.OldImage)
	assert.NotEmpty(t, result.NewContainerID)
	assert.Equal(t, "sha256:olddigest", result.OldDigest)
	assert.Equal(t, "sha256:newdigest", result.NewDigest)

	newProxy := host.byName("proxy")
	require.NotNil(t, newProxy)
	assert.Equal(t, result.NewContainerID, newProxy.id)
	assert.True(t, newProxy.running)
	assert.Equal(t, "jc21/nginx-proxy-manager:2.12", newProxy.config.Image)

	// The dependent must come back attached to the replacement, not the
	// removed container, and must be running.
	dep := host.byName("homarr")
	require.NotNil(t, dep)
	assert.NotEqual(t, "dep-old-id", dep.id)
	assert.Equal(t, "container:"+result.NewContainerID, string(dep.hostConfig.NetworkMode))
	assert.True(t, dep.running)

	assert.Equal(t, []string{"jc21/nginx-proxy-manager:2.12"}, host.pulls)
	// Both the tag the container was running and the tag it moved to have
	// stale resolutions after the upgrade.
	assert.Contains(t, invalidator.calls, "jc21/nginx-proxy-manager:2.11")
	assert.Contains(t, invalidator.calls, "jc21/nginx-proxy-manager:2.12")

	records, err := store.ListUpgradeRecords(context.Background(), "proxy", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "success", records[0].Status)
	assert.Equal(t, result.NewContainerID, records[0].NewContainerID)

	snapshots, err := store.ListSnapshots(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.False(t, snapshots[0].HasUpdate)
	assert.Equal(t, "sha256:newdigest", snapshots[0].CurrentDigest)
}

func TestUpgradeRejectsConcurrentAttempt(t *testing.T) {
	host := newFakeHost()
	host.addContainer("abc", "nginx", "nginx:1.25", "bridge", true)

	o, _, _ := newTestOrchestrator(t, host)
	require.True(t, o.locks.acquire("https://portainer.local|abc"))
	defer o.locks.release("https://portainer.local|abc")

	_, err := o.Upgrade(context.Background(), Request{
		InstanceURL: "https://portainer.local",
		EndpointID:  1,
		ContainerID: "abc",
		TargetImage: "nginx:1.26",
	})
	require.ErrorIs(t, err, ErrUpgradeInProgress)
}

func TestUpgradeUnknownInstance(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, newFakeHost())
	_, err := o.Upgrade(context.Background(), Request{
		InstanceURL: "https://nowhere.local",
		ContainerID: "abc",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown portainer instance")
}

func TestUpgradeFailsWhenNewContainerExits(t *testing.T) {
	host := newFakeHost()
	host.addContainer("abc", "vault", "hashicorp/vault:1.15", "bridge", true)
	host.images["hashicorp/vault:1.15"] = "sha256:old"
	host.images["hashicorp/vault:1.16"] = "sha256:new"
	exitCode := 1
	host.startExitCode = &exitCode
	host.exitLogs = "Error: listen tcp :8200: bind: address already in use"

	o, store, _ := newTestOrchestrator(t, host)
	result, err := o.Upgrade(context.Background(), Request{
		InstanceURL: "https://portainer.local",
		EndpointID:  1,
		ContainerID: "abc",
		TargetImage: "hashicorp/vault:1.16",
		UserID:      "admin",
	})
	require.Error(t, err)
	assert.False(t, result.Success)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageAwaitReady, stageErr.Stage)
	assert.Contains(t, err.Error(), "exited with code 1")
	assert.Contains(t, err.Error(), "bind: address already in use")

	records, listErr := store.ListUpgradeRecords(context.Background(), "vault", 0)
	require.NoError(t, listErr)
	require.Len(t, records, 1)
	assert.Equal(t, "failed", records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "AWAIT_READY")
}

func TestUpgradeSkipsStartForNamespaceSharingTarget(t *testing.T) {
	host := newFakeHost()
	host.addContainer("owner-id", "gluetun", "qmcgaw/gluetun:v3", "bridge", true)
	host.addContainer("tgt-id", "qbittorrent", "lscr.io/linuxserver/qbittorrent:4.6", "container:owner-id", true)
	host.images["lscr.io/linuxserver/qbittorrent:4.6"] = "sha256:old"
	host.images["lscr.io/linuxserver/qbittorrent:4.7"] = "sha256:new"

	o, _, _ := newTestOrchestrator(t, host)
	result, err := o.Upgrade(context.Background(), Request{
		InstanceURL: "https://portainer.local",
		EndpointID:  1,
		ContainerID: "tgt-id",
		TargetImage: "lscr.io/linuxserver/qbittorrent:4.7",
		UserID:      "admin",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	// The replacement joins its owner's namespace on the owner's schedule,
	// so the orchestrator must not start it.
	assert.NotContains(t, host.starts, result.NewContainerID)

	replacement := host.byName("qbittorrent")
	require.NotNil(t, replacement)
	assert.Equal(t, "container:owner-id", string(replacement.hostConfig.NetworkMode))
	assert.Nil(t, replacement.config.ExposedPorts)
	assert.Nil(t, replacement.hostConfig.PortBindings)
}

func TestUpgradeReconnectsSecondaryNetworks(t *testing.T) {
	host := newFakeHost()
	host.addContainer("app-id", "grafana", "grafana/grafana:10.0", "bridge", true)
	host.images["grafana/grafana:10.0"] = "sha256:old"
	host.images["grafana/grafana:10.1"] = "sha256:new"

	// The running container sits on a second user-defined network besides
	// the default bridge.
	host.mu.Lock()
	host.containers["app-id"].networks["monitoring"] = &network.EndpointSettings{IPAddress: "10.8.0.5"}
	host.mu.Unlock()

	o, _, _ := newTestOrchestrator(t, host)
	result, err := o.Upgrade(context.Background(), Request{
		InstanceURL: "https://portainer.local",
		EndpointID:  1,
		ContainerID: "app-id",
		TargetImage: "grafana/grafana:10.1",
		UserID:      "admin",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	replacement := host.byName("grafana")
	require.NotNil(t, replacement)
	assert.Contains(t, replacement.networks, "bridge")
	assert.Contains(t, replacement.networks, "monitoring")

	// Only the non-primary network goes through an explicit connect; the
	// primary rides in the creation payload.
	assert.Equal(t, []string{"monitoring->" + result.NewContainerID}, host.connects)
}

func TestSplitNetworks(t *testing.T) {
	inspect := container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"frontend": {},
				"backend":  {},
				"bridge":   {},
			},
		},
	}
	primary, extras := splitNetworks(inspect)
	assert.Equal(t, "backend", primary)
	assert.Equal(t, []string{"bridge", "frontend"}, extras)

	primary, extras = splitNetworks(container.InspectResponse{})
	assert.Empty(t, primary)
	assert.Nil(t, extras)
}

func TestNetworkModeReferences(t *testing.T) {
	fullID := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	tests := []struct {
		mode string
		want bool
	}{
		{"container:" + fullID, true},
		{"container:" + fullID[:12], true},
		{"container:proxy", true},
		{"service:proxy", true},
		{"container:other", false},
		{"container:0123456789", false}, // too short to trust as an ID prefix
		{"bridge", false},
		{"host", false},
		{"container:", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, networkModeReferences(tt.mode, fullID, "proxy"), tt.mode)
	}
}

func TestRecreateDependentRetriesOnStaleAttachment(t *testing.T) {
	host := newFakeHost()
	host.addContainer("new-owner", "proxy", "nginx:1.26", "bridge", true)

	// First creation lands on a stale owner reference; the orchestrator must
	// remove it and try once more.
	misattached := true
	o, _, _ := newTestOrchestrator(t, host)

	dep := dependent{
		id:   "dep-old",
		name: "app",
		inspect: container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{
				ID:         "dep-old",
				Name:       "/app",
				HostConfig: &container.HostConfig{NetworkMode: "container:stale-owner"},
			},
			Config: &container.Config{Image: "app:latest"},
		},
	}

	client := &misattachingHost{fakeDockerHost: host, misattachFirst: &misattached}
	err := o.recreateDependent(context.Background(), client, 1, dep, "new-owner", o.log)
	require.NoError(t, err)

	final := host.byName("app")
	require.NotNil(t, final)
	assert.Equal(t, "container:new-owner", string(final.hostConfig.NetworkMode))
}

// misattachingHost wraps the fake host so the first created container reports
// a stale network attachment on inspect.
type misattachingHost struct {
	*fakeDockerHost
	misattachFirst *bool
	firstID        string
}

func (m *misattachingHost) CreateContainer(ctx context.Context, endpointID int, name string, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig) (string, error) {
	id, err := m.fakeDockerHost.CreateContainer(ctx, endpointID, name, config, hostConfig, networkingConfig)
	if err == nil && *m.misattachFirst && m.firstID == "" {
		m.firstID = id
	}
	return id, err
}

func (m *misattachingHost) InspectContainer(ctx context.Context, endpointID int, containerID string) (container.InspectResponse, error) {
	inspect, err := m.fakeDockerHost.InspectContainer(ctx, endpointID, containerID)
	if err == nil && *m.misattachFirst && containerID == m.firstID {
		*m.misattachFirst = false
		stale := *inspect.HostConfig
		stale.NetworkMode = "container:stale-owner-id"
		inspect.HostConfig = &stale
	}
	return inspect, err
}

func TestSplitImageTag(t *testing.T) {
	tests := []struct {
		in, name, tag string
	}{
		{"nginx:1.26", "nginx", "1.26"},
		{"nginx", "nginx", "latest"},
		{"ghcr.io/owner/app:v2", "ghcr.io/owner/app", "v2"},
		{"registry.local:5000/app", "registry.local:5000/app", "latest"},
		{"registry.local:5000/app:v2", "registry.local:5000/app", "v2"},
	}
	for _, tt := range tests {
		name, tag := splitImageTag(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.tag, tag, tt.in)
	}
}

func TestIsDatabaseImage(t *testing.T) {
	assert.True(t, isDatabaseImage("postgres:16"))
	assert.True(t, isDatabaseImage("bitnami/mariadb:11.2"))
	assert.True(t, isDatabaseImage("redis"))
	assert.False(t, isDatabaseImage("nginx:1.26"))
	assert.False(t, isDatabaseImage("ghcr.io/ajnart/homarr:latest"))
}
