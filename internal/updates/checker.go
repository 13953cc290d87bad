package updates

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/chis/portwatch/internal/logging"
	"github.com/chis/portwatch/internal/registry"
)

// DefaultCacheTTL bounds registry call volume: repeated checks for the same
// (repository, tag, platform) within the window reuse the previous
// resolution.
const DefaultCacheTTL = 20 * time.Minute

// Result is the outcome of an update check for one container image.
type Result struct {
	HasUpdate        bool   `json:"has_update"`
	CurrentDigest    string `json:"current_digest"`
	LatestDigest     string `json:"latest_digest"`
	CurrentTag       string `json:"current_tag"`
	LatestTag        string `json:"latest_tag"`
	LatestVersion    string `json:"latest_version,omitempty"`
	ExistsInRegistry bool   `json:"exists_in_registry"`
}

type cacheEntry struct {
	resolution registry.ManifestResolution
	exists     bool
	fetchedAt  time.Time
}

// Checker resolves latest digests per image with a short-lived in-memory
// cache. Per-image registry failures are contained: the caller gets a
// conservative HasUpdate=false and moves on. Rate-limit errors are the one
// exception and propagate so the batch can abort.
type Checker struct {
	resolver registry.Resolver
	log      *logging.Logger
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewChecker creates a Checker over the given registry resolver.
func NewChecker(resolver registry.Resolver, ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Checker{
		resolver: resolver,
		log:      logging.Default().WithField("component", "updates"),
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
	}
}

// Check resolves whether a newer digest exists for imageName on the given
// platform. currentDigest comes from the running container's image
// inspection (RepoDigests), never from a fresh registry fetch.
func (c *Checker) Check(ctx context.Context, imageName, currentDigest string, platform registry.Platform) (Result, error) {
	ref, err := registry.ParseImageReference(imageName)
	if err != nil {
		return Result{}, fmt.Errorf("invalid image reference %q: %w", imageName, err)
	}

	result := Result{
		CurrentDigest: currentDigest,
		CurrentTag:    ref.Tag,
		LatestTag:     ref.Tag,
	}

	resolution, exists, err := c.resolve(ctx, ref, platform)
	if err != nil {
		if registry.IsRateLimit(err) {
			return Result{}, err
		}
		// Contained failure: report no update, probe existence separately so
		// the caller can still distinguish "gone from registry" from
		// "registry flaked".
		c.log.Warn("update check for %s failed, reporting no update: %v", imageName, err)
		result.ExistsInRegistry = c.probeExists(ctx, ref)
		return result, nil
	}

	result.LatestDigest = resolution.Digest
	result.LatestVersion = versionFromTag(ref.Tag)
	result.ExistsInRegistry = exists
	result.HasUpdate = registry.HasUpdate(currentDigest, resolution.Digest)
	return result, nil
}

// ExistsInRegistry probes whether an image reference is still published.
func (c *Checker) ExistsInRegistry(ctx context.Context, imageName string) (bool, error) {
	ref, err := registry.ParseImageReference(imageName)
	if err != nil {
		return false, fmt.Errorf("invalid image reference %q: %w", imageName, err)
	}
	return c.resolver.Exists(ctx, ref)
}

// Invalidate drops the cached resolution for every platform of (repo, tag).
// Called after an upgrade so the next refresh sees the new state.
func (c *Checker) Invalidate(repo, tag string) {
	prefix := repo + ":" + tag + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
		}
	}
}

func (c *Checker) resolve(ctx context.Context, ref registry.ImageReference, platform registry.Platform) (registry.ManifestResolution, bool, error) {
	key := ref.Repository + ":" + ref.Tag + "|" + platform.String()

	c.mu.Lock()
	entry, found := c.cache[key]
	c.mu.Unlock()
	if found && time.Since(entry.fetchedAt) < c.ttl {
		return entry.resolution, entry.exists, nil
	}

	resolution, err := c.resolver.GetPlatformSpecificDigest(ctx, ref, platform)
	if err != nil {
		return registry.ManifestResolution{}, false, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{resolution: resolution, exists: true, fetchedAt: time.Now()}
	c.mu.Unlock()
	return resolution, true, nil
}

func (c *Checker) probeExists(ctx context.Context, ref registry.ImageReference) bool {
	exists, err := c.resolver.Exists(ctx, ref)
	if err != nil {
		return false
	}
	return exists
}

// versionFromTag returns the canonical semver form of a tag, or "" when the
// tag is not a version. Used for the version-based notification dedup
// fallback when an image has no digest.
func versionFromTag(tag string) string {
	v, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
	if err != nil {
		return ""
	}
	return v.String()
}

// NewerVersion reports whether candidate is a strictly newer semver than
// current. Non-semver input on either side returns false.
func NewerVersion(current, candidate string) bool {
	cur, err := semver.NewVersion(strings.TrimPrefix(current, "v"))
	if err != nil {
		return false
	}
	cand, err := semver.NewVersion(strings.TrimPrefix(candidate, "v"))
	if err != nil {
		return false
	}
	return cand.GreaterThan(cur)
}
