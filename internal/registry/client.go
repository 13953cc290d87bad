package registry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chis/portwatch/internal/logging"
)

// tokenEndpoints selects the bearer token endpoint per registry. The format
// argument is the repository. Registries not listed fall back to the generic
// /token path on the registry host itself.
var tokenEndpoints = map[string]string{
	DockerHubRegistry:     "https://auth.docker.io/token?service=registry.docker.io&scope=repository:%s:pull",
	"ghcr.io":             "https://ghcr.io/token?service=ghcr.io&scope=repository:%s:pull",
	"gcr.io":              "https://gcr.io/v2/token?service=gcr.io&scope=repository:%s:pull",
	"registry.gitlab.com": "https://gitlab.com/jwt/auth?service=container_registry&scope=repository:%s:pull",
}

// Client talks the OCI Distribution Spec to container registries. It
// performs exactly one attempt per call: retry, backoff, and result caching
// belong to the update checker above it.
type Client struct {
	httpClient *http.Client
	tokens     *tokenCache
	log        *logging.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rps       float64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestsPerSecond overrides the per-registry pacing rate.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *Client) { c.rps = rps }
}

// NewClient creates a registry client with anonymous token auth and
// per-registry request pacing.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		tokens:     newTokenCache(DefaultTokenTTL),
		log:        logging.Default().WithField("component", "registry"),
		limiters:   make(map[string]*rate.Limiter),
		rps:        DefaultRequestsPerSecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetPlatformSpecificDigest resolves the single-architecture manifest digest
// for an image reference and platform. Digest-pinned references return
// immediately without any network call.
func (c *Client) GetPlatformSpecificDigest(ctx context.Context, ref ImageReference, platform Platform) (ManifestResolution, error) {
	if ref.Digest != "" {
		return ManifestResolution{
			Digest:         ref.Digest,
			IsManifestList: false,
			Platform:       platform,
		}, nil
	}

	body, contentType, headerDigest, err := c.fetchManifest(ctx, ref, http.MethodGet)
	if err != nil {
		return ManifestResolution{}, err
	}

	if isManifestListType(contentType) {
		var list manifestList
		if err := json.Unmarshal(body, &list); err != nil {
			return ManifestResolution{}, fmt.Errorf("failed to decode manifest list for %s: %w", ref, err)
		}

		entry, err := c.selectPlatform(ref, list.Manifests, platform)
		if err != nil {
			return ManifestResolution{}, err
		}

		return ManifestResolution{
			Digest:         entry.Digest,
			Tag:            ref.Tag,
			IsManifestList: true,
			Platform:       platform,
		}, nil
	}

	digest := headerDigest
	if digest == "" {
		// Registry omitted the header; the manifest digest is by definition
		// the hash of the manifest bytes.
		digest = fmt.Sprintf("sha256:%x", sha256.Sum256(body))
	}

	return ManifestResolution{
		Digest:         digest,
		Tag:            ref.Tag,
		IsManifestList: false,
		Platform:       platform,
	}, nil
}

// Exists probes whether the manifest for ref is reachable via a HEAD request.
func (c *Client) Exists(ctx context.Context, ref ImageReference) (bool, error) {
	_, _, _, err := c.fetchManifest(ctx, ref, http.MethodHead)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InvalidateTokens drops all cached bearer tokens.
func (c *Client) InvalidateTokens() {
	c.tokens.clear()
}

// selectPlatform picks the manifest-list entry for the wanted platform:
// first an exact os/arch/variant match (variant absent on both sides counts
// as a match), then a fallback to the first os/arch match ignoring variant
// with a warning, else ErrNoPlatformMatch.
func (c *Client) selectPlatform(ref ImageReference, entries []manifestListEntry, wanted Platform) (manifestListEntry, error) {
	for _, entry := range entries {
		if entry.Platform == nil {
			continue
		}
		p := *entry.Platform
		if p.OS == "unknown" || p.Architecture == "unknown" {
			// Attestation manifests in OCI indexes carry unknown/unknown.
			continue
		}
		if p.OS == wanted.OS && p.Architecture == wanted.Architecture && p.Variant == wanted.Variant {
			return entry, nil
		}
	}

	for _, entry := range entries {
		if entry.Platform == nil {
			continue
		}
		p := *entry.Platform
		if p.OS == "unknown" || p.Architecture == "unknown" {
			continue
		}
		if p.OS == wanted.OS && p.Architecture == wanted.Architecture {
			c.log.Warn("no exact variant match for %s on %s, falling back to %s", ref, wanted, p)
			return entry, nil
		}
	}

	return manifestListEntry{}, fmt.Errorf("%w: %s has no entry for %s", ErrNoPlatformMatch, ref, wanted)
}

// fetchManifest performs one manifest request and returns the body, content
// type, and Docker-Content-Digest header. HEAD requests return a nil body.
func (c *Client) fetchManifest(ctx context.Context, ref ImageReference, method string) ([]byte, string, string, error) {
	if err := c.waitTurn(ctx, ref.Registry); err != nil {
		return nil, "", "", err
	}

	reference := ref.Tag
	if reference == "" {
		reference = ref.Digest
	}
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", schemeFor(ref.Registry), ref.Registry, ref.Repository, reference)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create manifest request: %w", err)
	}
	req.Header.Set("Accept", strings.Join([]string{
		MediaTypeManifestV2,
		MediaTypeManifestListV2,
		MediaTypeOCIManifest,
		MediaTypeOCIIndex,
	}, ", "))

	// Auth failures are non-fatal: an empty token falls through to an
	// anonymous request, which public registries accept.
	token := c.bearerToken(ctx, ref.Registry, ref.Repository)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", "", &TransientError{Registry: ref.Registry, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		// A cached token can outlive its server-side validity. Drop the
		// cache and retry once with a freshly issued token.
		resp.Body.Close()
		c.log.Debug("token for %s rejected, refreshing and retrying", ref.Registry)
		c.InvalidateTokens()
		if fresh := c.bearerToken(ctx, ref.Registry, ref.Repository); fresh != "" {
			req.Header.Set("Authorization", "Bearer "+fresh)
		} else {
			req.Header.Del("Authorization")
		}
		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, "", "", &TransientError{Registry: ref.Registry, Err: err}
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", "", &NotFoundError{Reference: ref.String()}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", "", &RateLimitError{
			Registry:   ref.Registry,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, "", "", &TransientError{
			Registry: ref.Registry,
			Err:      fmt.Errorf("manifest request returned %d", resp.StatusCode),
		}
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, "", "", fmt.Errorf("manifest request for %s returned %d: %s", ref, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body []byte
	if method != http.MethodHead {
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", "", &TransientError{Registry: ref.Registry, Err: err}
		}
	}

	return body, resp.Header.Get("Content-Type"), resp.Header.Get(ContentDigestHeader), nil
}

// bearerToken returns a pull-scoped bearer token for (registry, repository),
// cached for DefaultTokenTTL. Returns "" on any failure so the caller can
// proceed anonymously.
func (c *Client) bearerToken(ctx context.Context, registry, repository string) string {
	cacheKey := registry + "/" + repository
	if token, found := c.tokens.get(cacheKey); found {
		return token
	}

	endpoint, ok := tokenEndpoints[registry]
	if !ok {
		endpoint = fmt.Sprintf("%s://%s/token?service=%s&scope=repository:%%s:pull", schemeFor(registry), registry, registry)
	}
	url := fmt.Sprintf(endpoint, repository)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("token request for %s failed, proceeding anonymously: %v", cacheKey, err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug("token endpoint for %s returned %d, proceeding anonymously", cacheKey, resp.StatusCode)
		return ""
	}

	var tokenData struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenData); err != nil {
		return ""
	}

	token := tokenData.Token
	if token == "" {
		token = tokenData.AccessToken
	}
	if token != "" {
		c.tokens.set(cacheKey, token)
	}
	return token
}

// waitTurn paces requests per registry host.
func (c *Client) waitTurn(ctx context.Context, registry string) error {
	c.limiterMu.Lock()
	limiter, ok := c.limiters[registry]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.rps), int(c.rps)+1)
		c.limiters[registry] = limiter
	}
	c.limiterMu.Unlock()

	return limiter.Wait(ctx)
}

func isManifestListType(contentType string) bool {
	return strings.Contains(contentType, MediaTypeManifestListV2) ||
		strings.Contains(contentType, MediaTypeOCIIndex)
}

// schemeFor returns http for loopback registries (tests, local mirrors) and
// https otherwise.
func schemeFor(registry string) string {
	if strings.HasPrefix(registry, "localhost") || strings.HasPrefix(registry, "127.0.0.1") {
		return "http"
	}
	return "https"
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
