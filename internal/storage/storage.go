package storage

import (
	"context"
	"time"
)

// Store defines the persistence operations used by the query pipeline, the
// notification service, and the upgrade orchestrator. Implementations must
// tolerate concurrent callers; SQLite serializes writes internally.
type Store interface {
	// UpsertSnapshots atomically replaces the per-container snapshots
	// produced by one refresh. Readers never observe a partially-written
	// refresh: all rows land in a single transaction.
	UpsertSnapshots(ctx context.Context, snapshots []ContainerSnapshot) error

	// ListSnapshots returns all persisted snapshots, optionally filtered to
	// a single Portainer instance URL. An empty instanceURL returns all rows.
	ListSnapshots(ctx context.Context, instanceURL string) ([]ContainerSnapshot, error)

	// GetSnapshotByIdentity looks up a snapshot by its stable identity.
	// Container IDs change on every recreate, so the identity is
	// (containerName, instanceURL, endpointID).
	GetSnapshotByIdentity(ctx context.Context, containerName, instanceURL string, endpointID int) (ContainerSnapshot, bool, error)

	// DeleteMissingSnapshots removes snapshots for an instance endpoint whose
	// container names are absent from the fresh listing. Returns the number
	// of rows removed.
	DeleteMissingSnapshots(ctx context.Context, instanceURL string, endpointID int, presentNames []string) (int, error)

	// GetNotificationRecord retrieves a dedup record by (userID, dedupKey).
	GetNotificationRecord(ctx context.Context, userID, dedupKey string) (NotificationDedupRecord, bool, error)

	// SaveNotificationRecord persists a dedup record. Digest-backed keys are
	// permanent; version-fallback keys are pruned by PruneNotificationRecords.
	SaveNotificationRecord(ctx context.Context, record NotificationDedupRecord) error

	// DeleteNotificationRecord removes a dedup record, used to roll back a
	// reservation after a terminal delivery failure.
	DeleteNotificationRecord(ctx context.Context, userID, dedupKey string) error

	// PruneNotificationRecords removes version-fallback dedup records older
	// than the window. Digest-backed records are never pruned.
	PruneNotificationRecords(ctx context.Context, window time.Duration) (int, error)

	// GetVersionCache retrieves a cached registry resolution for
	// (userID, repo, tag). Entries older than ttl are treated as absent.
	GetVersionCache(ctx context.Context, userID, repo, tag string, ttl time.Duration) (VersionCacheEntry, bool, error)

	// SaveVersionCache stores a registry resolution.
	SaveVersionCache(ctx context.Context, entry VersionCacheEntry) error

	// InvalidateVersionCache removes cached resolutions for (repo, tag)
	// across all users, used after a successful upgrade so the next refresh
	// reflects the new digest immediately.
	InvalidateVersionCache(ctx context.Context, repo, tag string) error

	// AppendUpgradeRecord appends an upgrade audit row.
	AppendUpgradeRecord(ctx context.Context, record UpgradeRecord) error

	// ListUpgradeRecords returns upgrade history, most recent first. An empty
	// containerName returns history for all containers. limit <= 0 means no
	// limit.
	ListUpgradeRecords(ctx context.Context, containerName string, limit int) ([]UpgradeRecord, error)

	// Close releases the underlying database handle.
	Close() error
}

// ContainerSnapshot is one row per physical Portainer container, refreshed on
// each query cycle. Existence is keyed by (instanceURL, containerID); diffing
// across refreshes uses (containerName, instanceURL, endpointID) because
// container IDs change on every recreate.
type ContainerSnapshot struct {
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	EndpointID    int       `json:"endpoint_id"`
	InstanceURL   string    `json:"instance_url"`
	UserID        string    `json:"user_id,omitempty"`
	ImageName     string    `json:"image_name"`
	ImageRepo     string    `json:"image_repo"`
	CurrentDigest string    `json:"current_digest,omitempty"`
	CurrentTag    string    `json:"current_tag,omitempty"`
	LatestDigest  string    `json:"latest_digest,omitempty"`
	LatestTag     string    `json:"latest_tag,omitempty"`
	LatestVersion string    `json:"latest_version,omitempty"`
	HasUpdate     bool      `json:"has_update"`
	StackName     string    `json:"stack_name,omitempty"`
	// UsesNetworkMode holds the raw network_mode reference (service:x or
	// container:x) when this container shares another's network namespace.
	UsesNetworkMode string `json:"uses_network_mode,omitempty"`
	// ProvidesNetwork is true when other containers on the same endpoint
	// reference this container's network namespace.
	ProvidesNetwork bool      `json:"provides_network"`
	State           string    `json:"state"`
	Status          string    `json:"status"`
	ImageCreated    time.Time `json:"image_created,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Notification dedup record types.
const (
	DedupTypeDigest  = "digest"
	DedupTypeVersion = "version"
)

// NotificationDedupRecord suppresses duplicate notifications for the same
// logical update. Digest-backed records are permanent; version-fallback
// records expire after a bounded window.
type NotificationDedupRecord struct {
	UserID    string    `json:"user_id"`
	DedupKey  string    `json:"dedup_key"`
	Type      string    `json:"type"` // DedupTypeDigest or DedupTypeVersion
	CreatedAt time.Time `json:"created_at"`
}

// VersionCacheEntry caches a registry resolution per (userID, repo, tag).
type VersionCacheEntry struct {
	UserID     string    `json:"user_id"`
	Repo       string    `json:"repo"`
	Tag        string    `json:"tag"`
	Digest     string    `json:"digest"`
	Version    string    `json:"version,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// UpgradeRecord is the audit row persisted for each upgrade attempt.
type UpgradeRecord struct {
	ID             string    `json:"id"`
	InstanceURL    string    `json:"instance_url"`
	EndpointID     int       `json:"endpoint_id"`
	ContainerID    string    `json:"container_id"`
	ContainerName  string    `json:"container_name"`
	NewContainerID string    `json:"new_container_id,omitempty"`
	OldImage       string    `json:"old_image"`
	NewImage       string    `json:"new_image"`
	OldDigest      string    `json:"old_digest,omitempty"`
	NewDigest      string    `json:"new_digest,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Status         string    `json:"status"` // success or failed
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
