package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"golang.org/x/sync/errgroup"

	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/notify"
	"github.com/chis/portwatch/internal/portainer"
	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/storage"
	"github.com/chis/portwatch/internal/updates"
)

const composeProjectLabel = "com.docker.compose.project"

// refreshInstance runs LISTING→INSPECTING→CHECKING→MERGING→NOTIFYING→
// PERSISTING for one Portainer instance.
func (s *Service) refreshInstance(ctx context.Context, instanceURL string, client PortainerAPI, userID string) error {
	endpoints, err := client.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list endpoints for %s: %w", instanceURL, err)
	}

	for _, endpoint := range endpoints {
		if endpoint.Status != 0 && endpoint.Status != portainer.EndpointStatusUp {
			s.log.Warn("skipping endpoint %s (%d) on %s: not reachable", endpoint.Name, endpoint.ID, instanceURL)
			continue
		}
		if err := s.refreshEndpoint(ctx, instanceURL, client, endpoint.ID, userID); err != nil {
			if registry.IsRateLimit(err) {
				return err
			}
			s.log.Error("refresh of endpoint %d on %s failed: %v", endpoint.ID, instanceURL, err)
		}
	}
	return nil
}

func (s *Service) refreshEndpoint(ctx context.Context, instanceURL string, client PortainerAPI, endpointID int, userID string) error {
	s.publishStage(StageInspecting, instanceURL)

	listed, err := client.ListContainers(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	s.publishStage(StageChecking, instanceURL)

	snapshots := make([]storage.ContainerSnapshot, len(listed))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, summary := range listed {
		g.Go(func() error {
			snapshot, err := s.checkContainer(gctx, instanceURL, client, endpointID, summary, userID)
			if err != nil {
				// Rate limits abort the errgroup; everything else was already
				// contained inside checkContainer.
				return err
			}
			mu.Lock()
			snapshots[i] = snapshot
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	markNetworkProviders(snapshots)

	// MERGING: diff against the previous persisted state by stable identity.
	s.publishStage(StageMerging, instanceURL)
	toNotify := make([]notify.Notification, 0)
	for i := range snapshots {
		next := snapshots[i]
		prev, found, err := s.store.GetSnapshotByIdentity(ctx, next.ContainerName, instanceURL, endpointID)
		if err != nil {
			return fmt.Errorf("failed to load previous snapshot for %s: %w", next.ContainerName, err)
		}
		if shouldNotify(prev, found, next) {
			toNotify = append(toNotify, notificationFor(next, userID))
			s.bus.Publish(events.EventUpdateDetected, map[string]interface{}{
				"container": next.ContainerName,
				"instance":  instanceURL,
				"digest":    next.LatestDigest,
			})
		}
	}

	s.publishStage(StageNotifying, instanceURL)
	for _, n := range toNotify {
		s.notifier.Queue(ctx, n)
	}

	// PERSISTING: missing containers deleted, fresh snapshots upserted in one
	// transaction so readers never see a partial refresh.
	s.publishStage(StagePersisting, instanceURL)
	present := make([]string, len(snapshots))
	for i := range snapshots {
		present[i] = snapshots[i].ContainerName
	}
	removed, err := s.store.DeleteMissingSnapshots(ctx, instanceURL, endpointID, present)
	if err != nil {
		return fmt.Errorf("failed to delete stale snapshots: %w", err)
	}
	if removed > 0 {
		s.log.Info("removed %d stale snapshots for %s endpoint %d", removed, instanceURL, endpointID)
	}
	if err := s.store.UpsertSnapshots(ctx, snapshots); err != nil {
		return fmt.Errorf("failed to persist snapshots: %w", err)
	}
	return nil
}

// checkContainer inspects one container and resolves its update state.
// Failures other than rate limits are contained: the container is emitted
// with HasUpdate=false and a best-effort existence probe.
func (s *Service) checkContainer(ctx context.Context, instanceURL string, client PortainerAPI, endpointID int, summary container.Summary, userID string) (storage.ContainerSnapshot, error) {
	name := containerName(summary)
	snapshot := storage.ContainerSnapshot{
		ContainerID:   summary.ID,
		ContainerName: name,
		EndpointID:    endpointID,
		InstanceURL:   instanceURL,
		UserID:        userID,
		ImageName:     summary.Image,
		State:         summary.State,
		Status:        summary.Status,
		StackName:     summary.Labels[composeProjectLabel],
		CheckedAt:     time.Now(),
	}

	ref, err := registry.ParseImageReference(summary.Image)
	if err != nil {
		s.log.Warn("container %s has unparseable image %q: %v", name, summary.Image, err)
		return snapshot, nil
	}
	snapshot.ImageRepo = ref.Repository
	snapshot.CurrentTag = ref.Tag

	inspect, err := client.InspectContainer(ctx, endpointID, summary.ID)
	if err != nil {
		s.log.Warn("inspect of container %s failed: %v", name, err)
		return s.fillFromCache(ctx, snapshot, userID), nil
	}
	if inspect.HostConfig != nil {
		mode := string(inspect.HostConfig.NetworkMode)
		if strings.HasPrefix(mode, "service:") || strings.HasPrefix(mode, "container:") {
			snapshot.UsesNetworkMode = mode
		}
	}

	imageInspect, err := client.InspectImage(ctx, endpointID, summary.ImageID)
	if err != nil {
		s.log.Warn("inspect of image %s failed: %v", summary.Image, err)
		return s.fillFromCache(ctx, snapshot, userID), nil
	}

	snapshot.CurrentDigest = digestFromRepoDigests(imageInspect.RepoDigests)
	if created, parseErr := time.Parse(time.RFC3339Nano, imageInspect.Created); parseErr == nil {
		snapshot.ImageCreated = created
	}

	platform := registry.Platform{
		OS:           imageInspect.Os,
		Architecture: imageInspect.Architecture,
		Variant:      imageInspect.Variant,
	}

	result, err := s.checker.Check(ctx, summary.Image, snapshot.CurrentDigest, platform)
	if err != nil {
		if registry.IsRateLimit(err) {
			return storage.ContainerSnapshot{}, err
		}
		s.log.Warn("update check for %s failed: %v", name, err)
		return s.fillFromCache(ctx, snapshot, userID), nil
	}

	snapshot.HasUpdate = result.HasUpdate
	snapshot.LatestDigest = result.LatestDigest
	snapshot.LatestTag = result.LatestTag
	snapshot.LatestVersion = result.LatestVersion

	if result.LatestDigest != "" {
		entry := storage.VersionCacheEntry{
			UserID:     userID,
			Repo:       ref.Repository,
			Tag:        ref.Tag,
			Digest:     result.LatestDigest,
			Version:    result.LatestVersion,
			ResolvedAt: time.Now(),
		}
		if err := s.store.SaveVersionCache(ctx, entry); err != nil {
			s.log.Warn("failed to persist version cache for %s: %v", ref.Repository, err)
		}
	}
	return snapshot, nil
}

// fillFromCache populates a failed check's last-known latest digest from the
// persisted version cache for display. HasUpdate stays false: staleness is
// never asserted from cached data alone.
func (s *Service) fillFromCache(ctx context.Context, snapshot storage.ContainerSnapshot, userID string) storage.ContainerSnapshot {
	if snapshot.ImageRepo == "" || snapshot.CurrentTag == "" {
		return snapshot
	}
	entry, found, err := s.store.GetVersionCache(ctx, userID, snapshot.ImageRepo, snapshot.CurrentTag, versionCacheTTL)
	if err != nil || !found {
		return snapshot
	}
	snapshot.LatestDigest = entry.Digest
	snapshot.LatestVersion = entry.Version
	snapshot.LatestTag = snapshot.CurrentTag
	return snapshot
}

// shouldNotify implements the notification trigger rule: notify only when an
// update exists and (a) the container is new, (b) HasUpdate transitioned
// false→true, or (c) the latest digest moved or the latest version advanced
// while already true. Version-only changes must be strictly newer so a
// registry re-tag to an older release does not re-notify.
func shouldNotify(prev storage.ContainerSnapshot, found bool, next storage.ContainerSnapshot) bool {
	if !next.HasUpdate {
		return false
	}
	if !found {
		return true
	}
	if !prev.HasUpdate {
		return true
	}
	if next.LatestDigest != "" || prev.LatestDigest != "" {
		return !strings.EqualFold(registry.NormalizeDigest(prev.LatestDigest), registry.NormalizeDigest(next.LatestDigest))
	}
	if prev.LatestVersion == "" {
		return next.LatestVersion != ""
	}
	return updates.NewerVersion(prev.LatestVersion, next.LatestVersion)
}

func notificationFor(snapshot storage.ContainerSnapshot, userID string) notify.Notification {
	return notify.Notification{
		UserID:        userID,
		ContainerName: snapshot.ContainerName,
		InstanceURL:   snapshot.InstanceURL,
		EndpointID:    snapshot.EndpointID,
		ImageName:     snapshot.ImageName,
		Repo:          snapshot.ImageRepo,
		Tag:           snapshot.CurrentTag,
		OldDigest:     snapshot.CurrentDigest,
		NewDigest:     snapshot.LatestDigest,
		Version:       snapshot.LatestVersion,
	}
}

// markNetworkProviders sets ProvidesNetwork on snapshots whose name or ID is
// the target of another snapshot's network_mode reference.
func markNetworkProviders(snapshots []storage.ContainerSnapshot) {
	targets := make(map[string]bool)
	for i := range snapshots {
		mode := snapshots[i].UsesNetworkMode
		if mode == "" {
			continue
		}
		if _, target, ok := strings.Cut(mode, ":"); ok {
			targets[target] = true
		}
	}
	for i := range snapshots {
		if targets[snapshots[i].ContainerName] || targets[snapshots[i].ContainerID] {
			snapshots[i].ProvidesNetwork = true
		}
	}
}

func containerName(summary container.Summary) string {
	if len(summary.Names) > 0 {
		return strings.TrimPrefix(summary.Names[0], "/")
	}
	return summary.ID
}

func digestFromRepoDigests(repoDigests []string) string {
	if len(repoDigests) == 0 {
		return ""
	}
	if _, digest, ok := strings.Cut(repoDigests[0], "@"); ok {
		return digest
	}
	return repoDigests[0]
}
