// Package query reconciles live Portainer state with cached snapshots,
// drives update checks, and triggers deduplicated notifications.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/logging"
	"github.com/chis/portwatch/internal/notify"
	"github.com/chis/portwatch/internal/portainer"
	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/storage"
	"github.com/chis/portwatch/internal/updates"
)

// PortainerAPI is the Portainer surface the query pipeline consumes,
// satisfied by *portainer.Client.
type PortainerAPI interface {
	BaseURL() string
	ListEndpoints(ctx context.Context) ([]portainer.Endpoint, error)
	ListContainers(ctx context.Context, endpointID int) ([]container.Summary, error)
	InspectContainer(ctx context.Context, endpointID int, containerID string) (container.InspectResponse, error)
	ListImages(ctx context.Context, endpointID int) ([]image.Summary, error)
	InspectImage(ctx context.Context, endpointID int, imageRef string) (image.InspectResponse, error)
}

// UpdateChecker resolves whether a newer image digest exists.
type UpdateChecker interface {
	Check(ctx context.Context, imageName, currentDigest string, platform registry.Platform) (updates.Result, error)
	ExistsInRegistry(ctx context.Context, imageName string) (bool, error)
}

// Notifier receives update notifications for delivery.
type Notifier interface {
	Queue(ctx context.Context, n notify.Notification)
}

// Refresh stages, published on the event bus as the pipeline advances.
const (
	StageIdle       = "IDLE"
	StageListing    = "LISTING"
	StageInspecting = "INSPECTING"
	StageChecking   = "CHECKING"
	StageMerging    = "MERGING"
	StageNotifying  = "NOTIFYING"
	StagePersisting = "PERSISTING"
)

// DefaultConcurrency bounds per-container fan-out within one instance so a
// single Portainer backend is not flooded.
const DefaultConcurrency = 5

// versionCacheTTL bounds how stale a persisted registry resolution may be
// when used to fill in a failed check's last-known latest digest.
const versionCacheTTL = 24 * time.Hour

// Service is the container query pipeline.
type Service struct {
	clients     map[string]PortainerAPI // keyed by instance URL
	checker     UpdateChecker
	store       storage.Store
	notifier    Notifier
	bus         *events.Bus
	log         *logging.Logger
	concurrency int

	// refreshMu serializes forced refreshes; non-forced queries read the
	// persisted snapshots and never need it.
	refreshMu sync.Mutex
}

// NewService creates the query pipeline over a set of instance clients.
func NewService(clients map[string]PortainerAPI, checker UpdateChecker, store storage.Store, notifier Notifier, bus *events.Bus, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Service{
		clients:     clients,
		checker:     checker,
		store:       store,
		notifier:    notifier,
		bus:         bus,
		log:         logging.Default().WithField("component", "query"),
		concurrency: concurrency,
	}
}

// QueryOptions selects what GetContainers returns.
type QueryOptions struct {
	// ForceRefresh contacts Portainer and the registries before answering.
	// Without it the persisted snapshots are returned as-is: registries are
	// only ever contacted on an explicit refresh.
	ForceRefresh bool

	// InstanceURL limits the query (and a forced refresh) to one instance.
	InstanceURL string

	// UserID scopes version-cache rows and notification dedup records.
	UserID string
}

// GetContainers returns the snapshot bundle, refreshing it first when forced.
func (s *Service) GetContainers(ctx context.Context, opts QueryOptions) ([]storage.ContainerSnapshot, error) {
	if opts.ForceRefresh {
		if err := s.Refresh(ctx, opts.InstanceURL, opts.UserID); err != nil {
			return nil, err
		}
	}
	return s.store.ListSnapshots(ctx, opts.InstanceURL)
}

// Refresh runs the full pipeline for one instance, or all instances when
// instanceURL is empty. A registry rate limit aborts the whole refresh.
func (s *Service) Refresh(ctx context.Context, instanceURL, userID string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.publishStage(StageListing, "")

	targets := make(map[string]PortainerAPI)
	if instanceURL != "" {
		client, ok := s.clients[instanceURL]
		if !ok {
			return fmt.Errorf("unknown portainer instance %q", instanceURL)
		}
		targets[instanceURL] = client
	} else {
		for url, client := range s.clients {
			targets[url] = client
		}
	}

	var refreshed int
	for url, client := range targets {
		if err := s.refreshInstance(ctx, url, client, userID); err != nil {
			if registry.IsRateLimit(err) {
				// Fatal for the whole refresh: keep the shared rate budget
				// from being exhausted by continuing.
				s.publishStage(StageIdle, url)
				return fmt.Errorf("refresh aborted by registry rate limit: %w", err)
			}
			s.log.Error("refresh of instance %s failed: %v", url, err)
			continue
		}
		refreshed++
	}

	s.publishStage(StageIdle, "")
	s.bus.Publish(events.EventRefreshComplete, map[string]interface{}{
		"instances": refreshed,
	})
	return nil
}

func (s *Service) publishStage(stage, instanceURL string) {
	payload := map[string]interface{}{"stage": stage}
	if instanceURL != "" {
		payload["instance"] = instanceURL
	}
	s.bus.Publish(events.EventRefreshProgress, payload)
}
