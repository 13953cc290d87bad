package registry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is a minimal distribution-spec server: a /token endpoint and a
// /v2/<repo>/manifests/<ref> endpoint whose behavior each test configures.
type fakeRegistry struct {
	server       *httptest.Server
	manifests    http.HandlerFunc
	requireToken bool
	tokenValue   string
	tokenHits    int
	manifestHits int
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{tokenValue: "fake-token"}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits++
		json.NewEncoder(w).Encode(map[string]string{"token": f.tokenValue})
	})
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		f.manifestHits++
		if f.requireToken && r.Header.Get("Authorization") != "Bearer "+f.tokenValue {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.manifests(w, r)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRegistry) host() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeRegistry) ref(repo, tag string) ImageReference {
	return ImageReference{Registry: f.host(), Repository: repo, Tag: tag}
}

func serveManifestList(entries []manifestListEntry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaTypeManifestListV2)
		w.Header().Set(ContentDigestHeader, "sha256:listdigest")
		json.NewEncoder(w).Encode(manifestList{
			SchemaVersion: 2,
			MediaType:     MediaTypeManifestListV2,
			Manifests:     entries,
		})
	}
}

func TestGetPlatformSpecificDigestDigestPinned(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("digest-pinned reference must not hit the network")
	}

	client := NewClient(WithRequestsPerSecond(1000))
	ref := ImageReference{Registry: f.host(), Repository: "app", Digest: "sha256:pinned"}

	res, err := client.GetPlatformSpecificDigest(context.Background(), ref, Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:pinned", res.Digest)
	assert.False(t, res.IsManifestList)
	assert.Zero(t, f.manifestHits)
}

func TestGetPlatformSpecificDigestSingleManifest(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaTypeManifestV2)
		w.Header().Set(ContentDigestHeader, "sha256:headerdigest")
		fmt.Fprint(w, `{"schemaVersion":2}`)
	}

	client := NewClient(WithRequestsPerSecond(1000))
	res, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:headerdigest", res.Digest)
	assert.False(t, res.IsManifestList)
	assert.Equal(t, "latest", res.Tag)
}

func TestGetPlatformSpecificDigestHeaderAbsent(t *testing.T) {
	body := `{"schemaVersion":2,"config":{}}`
	f := newFakeRegistry(t)
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaTypeOCIManifest)
		fmt.Fprint(w, body)
	}

	client := NewClient(WithRequestsPerSecond(1000))
	res, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "v1"), Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256([]byte(body))), res.Digest)
}

func TestGetPlatformSpecificDigestManifestList(t *testing.T) {
	entries := []manifestListEntry{
		{Digest: "sha256:amd64", Platform: &Platform{OS: "linux", Architecture: "amd64"}},
		{Digest: "sha256:arm64", Platform: &Platform{OS: "linux", Architecture: "arm64"}},
		{Digest: "sha256:armv7", Platform: &Platform{OS: "linux", Architecture: "arm", Variant: "v7"}},
	}
	f := newFakeRegistry(t)
	f.manifests = serveManifestList(entries)

	client := NewClient(WithRequestsPerSecond(1000))

	res, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "arm", Variant: "v7"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:armv7", res.Digest)
	assert.True(t, res.IsManifestList)

	res, err = client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:arm64", res.Digest)
}

func TestGetPlatformSpecificDigestVariantFallback(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = serveManifestList([]manifestListEntry{
		{Digest: "sha256:armv7", Platform: &Platform{OS: "linux", Architecture: "arm", Variant: "v7"}},
	})

	client := NewClient(WithRequestsPerSecond(1000))
	res, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "arm", Variant: "v6"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:armv7", res.Digest)
}

func TestGetPlatformSpecificDigestNoPlatformMatch(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = serveManifestList([]manifestListEntry{
		{Digest: "sha256:amd64", Platform: &Platform{OS: "linux", Architecture: "amd64"}},
	})

	client := NewClient(WithRequestsPerSecond(1000))
	_, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "arm64"})
	assert.ErrorIs(t, err, ErrNoPlatformMatch)
}

func TestGetPlatformSpecificDigestSkipsAttestations(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = serveManifestList([]manifestListEntry{
		{Digest: "sha256:attestation", Platform: &Platform{OS: "unknown", Architecture: "unknown"}},
		{Digest: "sha256:amd64", Platform: &Platform{OS: "linux", Architecture: "amd64"}},
	})

	client := NewClient(WithRequestsPerSecond(1000))
	res, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:amd64", res.Digest)
}

func TestGetPlatformSpecificDigestRateLimited(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}

	client := NewClient(WithRequestsPerSecond(1000))
	_, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "amd64"})

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, 30.0, rateErr.RetryAfter.Seconds())
	assert.True(t, IsRateLimit(err))
}

func TestGetPlatformSpecificDigestNotFound(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	client := NewClient(WithRequestsPerSecond(1000))
	_, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "gone"), Platform{OS: "linux", Architecture: "amd64"})

	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestGetPlatformSpecificDigestServerError(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}

	client := NewClient(WithRequestsPerSecond(1000))
	_, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "amd64"})

	var transient *TransientError
	assert.True(t, errors.As(err, &transient))
}

func TestTokenAuthFlow(t *testing.T) {
	f := newFakeRegistry(t)
	f.requireToken = true
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaTypeManifestV2)
		w.Header().Set(ContentDigestHeader, "sha256:authed")
		fmt.Fprint(w, `{}`)
	}

	client := NewClient(WithRequestsPerSecond(1000))

	res, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:authed", res.Digest)
	assert.Equal(t, 1, f.tokenHits)

	// Second call reuses the cached token.
	_, err = client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.tokenHits)
}

func TestStaleTokenRefreshedOnUnauthorized(t *testing.T) {
	f := newFakeRegistry(t)
	f.requireToken = true
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaTypeManifestV2)
		w.Header().Set(ContentDigestHeader, "sha256:authed")
		fmt.Fprint(w, `{}`)
	}

	client := NewClient(WithRequestsPerSecond(1000))

	platform := Platform{OS: "linux", Architecture: "amd64"}
	_, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), platform)
	require.NoError(t, err)
	require.Equal(t, 1, f.tokenHits)

	// The server rotates its accepted token while the client still holds
	// the old one cached. The 401 must trigger one refresh and retry, not
	// a hard failure.
	f.tokenValue = "rotated-token"

	res, err := client.GetPlatformSpecificDigest(context.Background(), f.ref("app", "latest"), platform)
	require.NoError(t, err)
	assert.Equal(t, "sha256:authed", res.Digest)
	assert.Equal(t, 2, f.tokenHits)
	// First call, rejected retry with the stale token, accepted retry.
	assert.Equal(t, 3, f.manifestHits)
}

func TestExists(t *testing.T) {
	f := newFakeRegistry(t)
	f.manifests = func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/present") {
			w.Header().Set("Content-Type", MediaTypeManifestV2)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}

	client := NewClient(WithRequestsPerSecond(1000))

	ok, err := client.Exists(context.Background(), f.ref("app", "present"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Exists(context.Background(), f.ref("app", "absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}
