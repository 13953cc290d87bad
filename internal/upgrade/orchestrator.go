// Package upgrade performs in-place container upgrades against Portainer,
// preserving network_mode dependencies across the recreate.
package upgrade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/google/uuid"

	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/logging"
	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/storage"
)

// State machine stages, in execution order.
const (
	StageInspect             = "INSPECT"
	StageStopDependents      = "STOP_DEPENDENTS"
	StageStop                = "STOP"
	StagePull                = "PULL"
	StageRemove              = "REMOVE"
	StageCreate              = "CREATE"
	StageStart               = "START"
	StageAwaitReady          = "AWAIT_READY"
	StageReconnectDependents = "RECONNECT_DEPENDENTS"
	StageFinalize            = "FINALIZE"
)

// PortainerAPI is the Portainer surface the orchestrator drives, satisfied
// by *portainer.Client.
type PortainerAPI interface {
	BaseURL() string
	ListContainers(ctx context.Context, endpointID int) ([]container.Summary, error)
	InspectContainer(ctx context.Context, endpointID int, containerID string) (container.InspectResponse, error)
	InspectImage(ctx context.Context, endpointID int, imageRef string) (image.InspectResponse, error)
	StopContainer(ctx context.Context, endpointID int, containerID string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, endpointID int, containerID string, force bool) error
	PullImage(ctx context.Context, endpointID int, imageName, tag string) error
	CreateContainer(ctx context.Context, endpointID int, name string, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig) (string, error)
	ConnectNetwork(ctx context.Context, endpointID int, networkID, containerID string) error
	StartContainer(ctx context.Context, endpointID int, containerID string) error
	ContainerLogs(ctx context.Context, endpointID int, containerID string, tail int) (string, error)
}

// CacheInvalidator drops cached registry resolutions after an upgrade.
type CacheInvalidator interface {
	Invalidate(repo, tag string)
}

// Config tunes the orchestrator.
type Config struct {
	// StopTimeoutSeconds is passed to Docker's stop endpoint.
	StopTimeoutSeconds int

	// ProxyImagePattern marks the reverse proxy fronting this application
	// (e.g. "nginx-proxy-manager"). Upgrading a matching container switches
	// Portainer calls to ProxyFallbackURL for the rest of the upgrade.
	ProxyImagePattern string

	// ProxyFallbackURL is the operator-confirmed direct address for the
	// Portainer host, used when the proxy itself is being replaced.
	ProxyFallbackURL string

	// AllowIPScan enables the best-effort fallback of probing the target
	// container's own network addresses when no ProxyFallbackURL is set.
	// Heuristic and unreliable; off by default.
	AllowIPScan bool

	// Readiness gate tuning.
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
	MinStablePolls int
	MinElapsed     time.Duration
	// DatabaseMinElapsed is the longer floor applied to images recognized as
	// databases by name.
	DatabaseMinElapsed time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StopTimeoutSeconds: 10,
		ReadyTimeout:       3 * time.Minute,
		PollInterval:       2 * time.Second,
		MinStablePolls:     3,
		MinElapsed:         5 * time.Second,
		DatabaseMinElapsed: 20 * time.Second,
	}
}

// Request identifies one upgrade.
type Request struct {
	InstanceURL string
	EndpointID  int
	ContainerID string
	TargetImage string
	UserID      string
}

// Result reports a completed upgrade.
type Result struct {
	Success        bool   `json:"success"`
	OperationID    string `json:"operation_id"`
	ContainerID    string `json:"container_id"`
	ContainerName  string `json:"container_name"`
	NewContainerID string `json:"new_container_id"`
	OldImage       string `json:"old_image"`
	NewImage       string `json:"new_image"`
	OldDigest      string `json:"old_digest,omitempty"`
	NewDigest      string `json:"new_digest,omitempty"`
}

// Orchestrator runs the upgrade state machine. At most one upgrade per
// (instance, container) is allowed at a time; no automatic rollback is
// attempted on failure.
type Orchestrator struct {
	clients map[string]PortainerAPI
	// rebase returns a client with the same credentials targeting a direct
	// address, used for the self-proxy fallback.
	rebase  func(instanceURL, directURL string) PortainerAPI
	checker CacheInvalidator
	store   storage.Store
	bus     *events.Bus
	log     *logging.Logger
	cfg     Config
	locks   *lockTable

	// sleep is swappable so tests can skip the readiness waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the upgrade orchestrator.
func NewOrchestrator(clients map[string]PortainerAPI, rebase func(instanceURL, directURL string) PortainerAPI, checker CacheInvalidator, store storage.Store, bus *events.Bus, cfg Config) *Orchestrator {
	o := &Orchestrator{
		clients: clients,
		rebase:  rebase,
		checker: checker,
		store:   store,
		bus:     bus,
		log:     logging.Default().WithField("component", "upgrade"),
		cfg:     cfg,
		locks:   newLockTable(),
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	return o
}

// Upgrade runs the full state machine for one container.
func (o *Orchestrator) Upgrade(ctx context.Context, req Request) (Result, error) {
	lockKey := req.InstanceURL + "|" + req.ContainerID
	if !o.locks.acquire(lockKey) {
		return Result{}, fmt.Errorf("%w for container %s on %s", ErrUpgradeInProgress, req.ContainerID, req.InstanceURL)
	}
	defer o.locks.release(lockKey)

	client, ok := o.clients[req.InstanceURL]
	if !ok {
		return Result{}, fmt.Errorf("unknown portainer instance %q", req.InstanceURL)
	}

	operationID := uuid.NewString()
	started := time.Now()
	log := o.log.WithField("operation_id", operationID)

	result, err := o.run(ctx, client, req, operationID, log)

	record := storage.UpgradeRecord{
		ID:             operationID,
		InstanceURL:    req.InstanceURL,
		EndpointID:     req.EndpointID,
		ContainerID:    req.ContainerID,
		ContainerName:  result.ContainerName,
		NewContainerID: result.NewContainerID,
		OldImage:       result.OldImage,
		NewImage:       req.TargetImage,
		OldDigest:      result.OldDigest,
		NewDigest:      result.NewDigest,
		DurationMs:     time.Since(started).Milliseconds(),
		Status:         "success",
		CreatedAt:      time.Now(),
	}
	if err != nil {
		record.Status = "failed"
		record.ErrorMessage = err.Error()
	}
	if auditErr := o.store.AppendUpgradeRecord(ctx, record); auditErr != nil {
		log.Error("failed to append upgrade audit record: %v", auditErr)
	}

	o.bus.Publish(events.EventUpgradeComplete, map[string]interface{}{
		"operation_id": operationID,
		"container":    result.ContainerName,
		"status":       record.Status,
	})
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, client PortainerAPI, req Request, operationID string, log *logging.Logger) (Result, error) {
	result := Result{OperationID: operationID, ContainerID: req.ContainerID, NewImage: req.TargetImage}

	// INSPECT
	o.progress(operationID, StageInspect, "")
	inspect, err := client.InspectContainer(ctx, req.EndpointID, req.ContainerID)
	if err != nil {
		return result, &StageError{Stage: StageInspect, Err: err}
	}
	name := containerNameOf(inspect)
	result.ContainerName = name
	result.OldImage = imageOf(inspect)
	sharedMode := inspect.HostConfig != nil && sharesNetworkNamespace(inspect.HostConfig.NetworkMode)

	result.OldDigest = o.imageDigest(ctx, client, req.EndpointID, result.OldImage)

	// Self-referential control plane: if this upgrade replaces the proxy the
	// management API is reached through, redirect every following call to a
	// direct address before the proxy goes down.
	client = o.maybeRebaseForSelfProxy(ctx, client, req, inspect, log)

	// STOP_DEPENDENTS
	o.progress(operationID, StageStopDependents, name)
	dependents, err := o.captureDependents(ctx, client, req.EndpointID, req.ContainerID, name)
	if err != nil {
		return result, &StageError{Stage: StageStopDependents, Err: err}
	}
	for _, dep := range dependents {
		log.Info("stopping and removing dependent %s (shares %s's network)", dep.name, name)
		if err := client.StopContainer(ctx, req.EndpointID, dep.id, o.cfg.StopTimeoutSeconds); err != nil {
			return result, &StageError{Stage: StageStopDependents, Err: fmt.Errorf("failed to stop dependent %s: %w", dep.name, err)}
		}
		// Removed, not just stopped: compose would auto-recreate a stopped
		// dependent against the stale container reference.
		if err := client.RemoveContainer(ctx, req.EndpointID, dep.id, true); err != nil {
			return result, &StageError{Stage: StageStopDependents, Err: fmt.Errorf("failed to remove dependent %s: %w", dep.name, err)}
		}
	}

	// STOP
	o.progress(operationID, StageStop, name)
	if err := client.StopContainer(ctx, req.EndpointID, req.ContainerID, o.cfg.StopTimeoutSeconds); err != nil {
		return result, &StageError{Stage: StageStop, Err: err}
	}

	// PULL
	o.progress(operationID, StagePull, name)
	pullName, pullTag := splitImageTag(req.TargetImage)
	if err := client.PullImage(ctx, req.EndpointID, pullName, pullTag); err != nil {
		return result, &StageError{Stage: StagePull, Err: err}
	}

	// REMOVE
	o.progress(operationID, StageRemove, name)
	if err := client.RemoveContainer(ctx, req.EndpointID, req.ContainerID, true); err != nil {
		return result, &StageError{Stage: StageRemove, Err: err}
	}

	// CREATE
	o.progress(operationID, StageCreate, name)
	config, hostConfig, networkingConfig := carryOverConfig(inspect, req.TargetImage)
	newID, err := client.CreateContainer(ctx, req.EndpointID, name, config, hostConfig, networkingConfig)
	if err != nil {
		return result, &StageError{Stage: StageCreate, Err: err}
	}
	result.NewContainerID = newID

	// The creation payload carries only the primary network; any others the
	// old container was attached to are reconnected here. Namespace-sharing
	// targets have no endpoints of their own.
	if !sharedMode {
		_, extraNetworks := splitNetworks(inspect)
		for _, networkName := range extraNetworks {
			if err := client.ConnectNetwork(ctx, req.EndpointID, networkName, newID); err != nil {
				return result, &StageError{Stage: StageCreate, Err: err}
			}
		}
	}

	// START and AWAIT_READY are skipped for a namespace-sharing target: it
	// is left created for its namespace owner to adopt.
	if !sharedMode {
		o.progress(operationID, StageStart, name)
		if err := client.StartContainer(ctx, req.EndpointID, newID); err != nil {
			return result, &StageError{Stage: StageStart, Err: err}
		}

		o.progress(operationID, StageAwaitReady, name)
		if err := o.awaitReady(ctx, client, req.EndpointID, newID, req.TargetImage); err != nil {
			return result, &StageError{Stage: StageAwaitReady, Err: err}
		}
	}

	// RECONNECT_DEPENDENTS
	o.progress(operationID, StageReconnectDependents, name)
	for _, dep := range dependents {
		if err := o.recreateDependent(ctx, client, req.EndpointID, dep, newID, log); err != nil {
			// Per-item failure: log and continue so the batch completes.
			log.Error("failed to reconnect dependent %s: %v", dep.name, err)
		}
	}

	// FINALIZE
	o.progress(operationID, StageFinalize, name)
	result.NewDigest = o.imageDigest(ctx, client, req.EndpointID, req.TargetImage)
	o.finalize(ctx, req, inspect, name, newID, result.NewDigest, log)

	result.Success = true
	return result, nil
}

// finalize invalidates caches and persists the post-upgrade snapshot. It is
// idempotent: re-running it writes the same state.
func (o *Orchestrator) finalize(ctx context.Context, req Request, inspect container.InspectResponse, name, newID, newDigest string, log *logging.Logger) {
	// The stale "update pending" resolution is keyed under the tag the old
	// container was running, so both the old and the target references are
	// invalidated.
	o.invalidateCaches(ctx, imageOf(inspect), log)
	ref, err := o.invalidateCaches(ctx, req.TargetImage, log)

	snapshot := storage.ContainerSnapshot{
		ContainerID:   newID,
		ContainerName: name,
		EndpointID:    req.EndpointID,
		InstanceURL:   req.InstanceURL,
		UserID:        req.UserID,
		ImageName:     req.TargetImage,
		State:         "running",
		Status:        "upgraded",
		CheckedAt:     time.Now(),
	}
	if err == nil {
		snapshot.ImageRepo = ref.Repository
		snapshot.CurrentTag = ref.Tag
		snapshot.LatestTag = ref.Tag
	}
	// Current and latest both move to the new digest so the next refresh
	// does not report the finished upgrade as still pending.
	snapshot.CurrentDigest = newDigest
	snapshot.LatestDigest = newDigest
	snapshot.HasUpdate = false
	if inspect.HostConfig != nil && sharesNetworkNamespace(inspect.HostConfig.NetworkMode) {
		snapshot.UsesNetworkMode = string(inspect.HostConfig.NetworkMode)
	}

	if err := o.store.UpsertSnapshots(ctx, []storage.ContainerSnapshot{snapshot}); err != nil {
		log.Warn("failed to persist post-upgrade snapshot for %s: %v", name, err)
	}
}

// invalidateCaches drops the checker and version-cache entries for one image
// reference's (repo, tag).
func (o *Orchestrator) invalidateCaches(ctx context.Context, imageRef string, log *logging.Logger) (registry.ImageReference, error) {
	ref, err := registry.ParseImageReference(imageRef)
	if err != nil {
		return registry.ImageReference{}, err
	}
	o.checker.Invalidate(ref.Repository, ref.Tag)
	if err := o.store.InvalidateVersionCache(ctx, ref.Repository, ref.Tag); err != nil {
		log.Warn("failed to invalidate version cache for %s: %v", ref.Repository, err)
	}
	return ref, nil
}

func (o *Orchestrator) imageDigest(ctx context.Context, client PortainerAPI, endpointID int, imageRef string) string {
	if imageRef == "" {
		return ""
	}
	inspect, err := client.InspectImage(ctx, endpointID, imageRef)
	if err != nil {
		return ""
	}
	for _, repoDigest := range inspect.RepoDigests {
		if _, digest, ok := strings.Cut(repoDigest, "@"); ok {
			return digest
		}
	}
	return ""
}

func (o *Orchestrator) progress(operationID, stage, containerName string) {
	o.bus.Publish(events.EventUpgradeProgress, map[string]interface{}{
		"operation_id": operationID,
		"stage":        stage,
		"container":    containerName,
	})
}

// splitImageTag separates an image name from its tag for the pull endpoint.
// The tag is the last colon segment after the last slash; default latest.
func splitImageTag(imageRef string) (string, string) {
	slash := strings.LastIndex(imageRef, "/")
	if colon := strings.LastIndex(imageRef, ":"); colon > slash {
		return imageRef[:colon], imageRef[colon+1:]
	}
	return imageRef, "latest"
}
