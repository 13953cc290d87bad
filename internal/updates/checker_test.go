package updates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/testutil"
)

func TestCheckReportsUpdate(t *testing.T) {
	resolver := testutil.NewFakeResolver()
	resolver.SetDigest("library/nginx", "latest", "sha256:new")

	checker := NewChecker(resolver, time.Minute)
	result, err := checker.Check(context.Background(), "nginx:latest", "sha256:old", registry.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)

	assert.True(t, result.HasUpdate)
	assert.Equal(t, "sha256:old", result.CurrentDigest)
	assert.Equal(t, "sha256:new", result.LatestDigest)
	assert.Equal(t, "latest", result.CurrentTag)
	assert.True(t, result.ExistsInRegistry)
}

func TestCheckNoUpdateWhenDigestsMatch(t *testing.T) {
	resolver := testutil.NewFakeResolver()
	resolver.SetDigest("library/redis", "7.2", "sha256:same")

	checker := NewChecker(resolver, time.Minute)
	result, err := checker.Check(context.Background(), "redis:7.2", "sha256:same", registry.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)

	assert.False(t, result.HasUpdate)
	assert.Equal(t, "7.2.0", result.LatestVersion)
}

func TestCheckCachesResolution(t *testing.T) {
	resolver := testutil.NewFakeResolver()
	resolver.SetDigest("library/nginx", "latest", "sha256:new")

	checker := NewChecker(resolver, time.Minute)
	platform := registry.Platform{OS: "linux", Architecture: "amd64"}

	for i := 0; i < 3; i++ {
		_, err := checker.Check(context.Background(), "nginx:latest", "sha256:old", platform)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, resolver.CallCount("library/nginx", "latest"))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	resolver := testutil.NewFakeResolver()
	resolver.SetDigest("library/nginx", "latest", "sha256:new")

	checker := NewChecker(resolver, time.Minute)
	platform := registry.Platform{OS: "linux", Architecture: "amd64"}

	_, err := checker.Check(context.Background(), "nginx:latest", "sha256:old", platform)
	require.NoError(t, err)

	checker.Invalidate("library/nginx", "latest")

	_, err = checker.Check(context.Background(), "nginx:latest", "sha256:old", platform)
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.CallCount("library/nginx", "latest"))
}

func TestCheckContainsRegistryFailure(t *testing.T) {
	resolver := testutil.NewFakeResolver()
	resolver.SetError("library/flaky", "latest", testutil.ErrMockUnavailable)

	checker := NewChecker(resolver, time.Minute)
	result, err := checker.Check(context.Background(), "flaky:latest", "sha256:old", registry.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)

	assert.False(t, result.HasUpdate)
	assert.Empty(t, result.LatestDigest)
	assert.False(t, result.ExistsInRegistry)
}

func TestCheckPropagatesRateLimit(t *testing.T) {
	resolver := testutil.NewFakeResolver()
	resolver.SetError("library/busy", "latest", &registry.RateLimitError{Registry: registry.DockerHubRegistry, RetryAfter: 30 * time.Second})

	checker := NewChecker(resolver, time.Minute)
	_, err := checker.Check(context.Background(), "busy:latest", "sha256:old", registry.Platform{OS: "linux", Architecture: "amd64"})
	require.Error(t, err)
	assert.True(t, registry.IsRateLimit(err))
}

func TestCheckDigestPinnedNeverHasUpdate(t *testing.T) {
	resolver := testutil.NewFakeResolver()

	checker := NewChecker(resolver, time.Minute)
	result, err := checker.Check(context.Background(), "nginx@sha256:pinned", "sha256:pinned", registry.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)

	assert.False(t, result.HasUpdate)
	assert.Equal(t, "sha256:pinned", result.LatestDigest)
}

func TestVersionFromTag(t *testing.T) {
	assert.Equal(t, "1.2.3", versionFromTag("1.2.3"))
	assert.Equal(t, "1.2.3", versionFromTag("v1.2.3"))
	assert.Equal(t, "7.2.0", versionFromTag("7.2"))
	assert.Empty(t, versionFromTag("latest"))
}

func TestNewerVersion(t *testing.T) {
	assert.True(t, NewerVersion("1.2.3", "1.3.0"))
	assert.False(t, NewerVersion("1.3.0", "1.2.3"))
	assert.False(t, NewerVersion("latest", "1.2.3"))
	assert.False(t, NewerVersion("1.2.3", "1.2.3"))
}
