// Package testutil provides shared fixtures and fakes for the portwatch test
// suite.
package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/storage"
)

// Common test errors for use in fakes
var (
	ErrMockUnavailable = errors.New("service unavailable")
	ErrMockTimeout     = errors.New("operation timed out")
)

// NewTestStore opens a real SQLite store in a per-test temp directory. The
// store is closed automatically when the test finishes.
func NewTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "portwatch.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// FakeResolver is an in-memory registry.Resolver. Resolutions and errors are
// keyed by "repository:tag".
type FakeResolver struct {
	mu          sync.Mutex
	Resolutions map[string]registry.ManifestResolution
	Errs        map[string]error
	Missing     map[string]bool
	Calls       []string
}

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		Resolutions: make(map[string]registry.ManifestResolution),
		Errs:        make(map[string]error),
		Missing:     make(map[string]bool),
	}
}

// SetDigest registers a latest digest for repository:tag.
func (f *FakeResolver) SetDigest(repo, tag, digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resolutions[repo+":"+tag] = registry.ManifestResolution{Digest: digest, Tag: tag}
}

// SetError makes resolution for repository:tag fail with err.
func (f *FakeResolver) SetError(repo, tag string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[repo+":"+tag] = err
}

func (f *FakeResolver) GetPlatformSpecificDigest(ctx context.Context, ref registry.ImageReference, platform registry.Platform) (registry.ManifestResolution, error) {
	key := ref.Repository + ":" + ref.Tag
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, key)

	if ref.Digest != "" {
		return registry.ManifestResolution{Digest: ref.Digest, Platform: platform}, nil
	}
	if err, ok := f.Errs[key]; ok {
		return registry.ManifestResolution{}, err
	}
	if res, ok := f.Resolutions[key]; ok {
		res.Platform = platform
		return res, nil
	}
	return registry.ManifestResolution{}, &registry.NotFoundError{Reference: ref.String()}
}

func (f *FakeResolver) Exists(ctx context.Context, ref registry.ImageReference) (bool, error) {
	key := ref.Repository + ":" + ref.Tag
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Missing[key] {
		return false, nil
	}
	if err, ok := f.Errs[key]; ok {
		return false, err
	}
	_, ok := f.Resolutions[key]
	return ok, nil
}

// CallCount returns how many resolutions were attempted for repository:tag.
func (f *FakeResolver) CallCount(repo, tag string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.Calls {
		if call == repo+":"+tag {
			n++
		}
	}
	return n
}

// NewSnapshot creates a ContainerSnapshot with sensible defaults for tests.
func NewSnapshot(name, instanceURL string, endpointID int) storage.ContainerSnapshot {
	return storage.ContainerSnapshot{
		ContainerID:   "id-" + name,
		ContainerName: name,
		EndpointID:    endpointID,
		InstanceURL:   instanceURL,
		ImageName:     name + ":latest",
		ImageRepo:     "library/" + name,
		CurrentDigest: "sha256:current",
		CurrentTag:    "latest",
		State:         "running",
		Status:        "Up 2 hours",
		CheckedAt:     time.Now(),
	}
}
