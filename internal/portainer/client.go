package portainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"

	"github.com/chis/portwatch/internal/logging"
)

const defaultTimeout = 60 * time.Second

// Client talks to a single Portainer instance, proxying Docker API calls
// through /api/endpoints/{id}/docker. Authentication is either an API key
// (preferred) or username/password with a cached JWT that is refreshed once
// on 401.
type Client struct {
	baseURL    string
	apiKey     string
	username   string
	password   string
	httpClient *http.Client
	log        *logging.Logger

	jwtMu sync.Mutex
	jwt   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey authenticates with a Portainer access token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithCredentials authenticates with username/password JWT auth.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the Portainer instance at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        logging.Default().WithField("component", "portainer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the instance URL this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WithBaseURL returns a client identical to c but targeting a different base
// URL. Used when the configured URL points at a container being replaced and
// requests must be redirected to a direct address.
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     c.apiKey,
		username:   c.username,
		password:   c.password,
		httpClient: c.httpClient,
		log:        c.log,
	}
	c.jwtMu.Lock()
	clone.jwt = c.jwt
	c.jwtMu.Unlock()
	return clone
}

// ListEndpoints returns the environments the instance manages.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint
	if err := c.doJSON(ctx, http.MethodGet, "/api/endpoints", nil, &endpoints); err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	return endpoints, nil
}

// ListContainers lists all containers (running and stopped) on an endpoint.
func (c *Client) ListContainers(ctx context.Context, endpointID int) ([]container.Summary, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/json?all=true", endpointID)
	var containers []container.Summary
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &containers); err != nil {
		return nil, fmt.Errorf("failed to list containers on endpoint %d: %w", endpointID, err)
	}
	return containers, nil
}

// InspectContainer returns the full inspect payload for a container.
func (c *Client) InspectContainer(ctx context.Context, endpointID int, containerID string) (container.InspectResponse, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/json", endpointID, url.PathEscape(containerID))
	var inspect container.InspectResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &inspect); err != nil {
		return container.InspectResponse{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return inspect, nil
}

// ListImages lists images on an endpoint.
func (c *Client) ListImages(ctx context.Context, endpointID int) ([]image.Summary, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/json", endpointID)
	var images []image.Summary
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &images); err != nil {
		return nil, fmt.Errorf("failed to list images on endpoint %d: %w", endpointID, err)
	}
	return images, nil
}

// InspectImage returns image details, including platform and RepoDigests.
func (c *Client) InspectImage(ctx context.Context, endpointID int, imageRef string) (image.InspectResponse, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/%s/json", endpointID, url.PathEscape(imageRef))
	var inspect image.InspectResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &inspect); err != nil {
		return image.InspectResponse{}, fmt.Errorf("failed to inspect image %s: %w", imageRef, err)
	}
	return inspect, nil
}

// StopContainer stops a container, waiting up to timeoutSeconds before the
// daemon kills it.
func (c *Client) StopContainer(ctx context.Context, endpointID int, containerID string, timeoutSeconds int) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/stop?t=%d", endpointID, url.PathEscape(containerID), timeoutSeconds)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		// 304 means already stopped, which is fine for our purposes.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotModified {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer deletes a container. Volumes are never removed.
func (c *Client) RemoveContainer(ctx context.Context, endpointID int, containerID string, force bool) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s?force=%t", endpointID, url.PathEscape(containerID), force)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// PullImage pulls an image on an endpoint, draining the progress stream and
// surfacing any error frame the daemon reports mid-stream.
func (c *Client) PullImage(ctx context.Context, endpointID int, imageName, tag string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/create?fromImage=%s&tag=%s",
		endpointID, url.QueryEscape(imageName), url.QueryEscape(tag))

	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return fmt.Errorf("failed to pull %s:%s: %w", imageName, tag, err)
	}
	defer resp.Body.Close()

	// The pull endpoint returns 200 immediately, then streams JSON progress
	// frames. Failures arrive as {"error": "..."} frames, not status codes.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Error != "" {
			return fmt.Errorf("pull of %s:%s failed: %s", imageName, tag, frame.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pull stream for %s:%s interrupted: %w", imageName, tag, err)
	}
	return nil
}

// CreateContainer creates a container and returns its new ID.
func (c *Client) CreateContainer(ctx context.Context, endpointID int, name string, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig) (string, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/create?name=%s", endpointID, url.QueryEscape(name))

	body := struct {
		*container.Config
		HostConfig       *container.HostConfig     `json:"HostConfig,omitempty"`
		NetworkingConfig *network.NetworkingConfig `json:"NetworkingConfig,omitempty"`
	}{config, hostConfig, networkingConfig}

	var created container.CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return created.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/start", endpointID, url.PathEscape(containerID))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotModified {
			return nil
		}
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// ConnectNetwork attaches a container to a network.
func (c *Client) ConnectNetwork(ctx context.Context, endpointID int, networkID, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/networks/%s/connect", endpointID, url.PathEscape(networkID))
	body := map[string]string{"Container": containerID}
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to connect %s to network %s: %w", containerID, networkID, err)
	}
	return nil
}

// ContainerLogs fetches the last tail lines of a container's logs for
// failure diagnostics.
func (c *Client) ContainerLogs(ctx context.Context, endpointID int, containerID string, tail int) (string, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/logs?stdout=true&stderr=true&tail=%d",
		endpointID, url.PathEscape(containerID), tail)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", containerID, err)
	}
	return stripLogStreamHeaders(raw), nil
}

// stripLogStreamHeaders removes the 8-byte multiplexing headers Docker
// prepends to each log frame when the container has no TTY.
func stripLogStreamHeaders(raw []byte) string {
	var out strings.Builder
	for len(raw) >= 8 {
		// Header byte 0 is the stream type (1=stdout, 2=stderr); bytes 4-7
		// are the big-endian frame length.
		if raw[0] != 1 && raw[0] != 2 {
			// TTY mode: no multiplexing, the payload is plain text.
			return string(raw)
		}
		size := int(raw[4])<<24 | int(raw[5])<<16 | int(raw[6])<<8 | int(raw[7])
		raw = raw[8:]
		if size > len(raw) {
			size = len(raw)
		}
		out.Write(raw[:size])
		raw = raw[size:]
	}
	out.Write(raw)
	return out.String()
}

// doJSON performs a request and decodes the response body into out when out
// is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// do performs an authenticated request. A 401 with credential auth triggers
// exactly one re-authentication and retry.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	resp, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.apiKey == "" && c.username != "" {
		resp.Body.Close()
		c.log.Debug("JWT rejected by %s, re-authenticating", c.baseURL)
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		resp, err = c.doOnce(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: extractAPIMessage(raw)}
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	} else if c.username != "" {
		token, err := c.ensureJWT(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	return resp, nil
}

func (c *Client) ensureJWT(ctx context.Context) (string, error) {
	c.jwtMu.Lock()
	token := c.jwt
	c.jwtMu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := c.authenticate(ctx); err != nil {
		return "", err
	}
	c.jwtMu.Lock()
	defer c.jwtMu.Unlock()
	return c.jwt, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	encoded, err := json.Marshal(authRequest{Username: c.username, Password: c.password})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authentication against %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: extractAPIMessage(raw)}
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}

	c.jwtMu.Lock()
	c.jwt = auth.JWT
	c.jwtMu.Unlock()
	return nil
}

// extractAPIMessage pulls the human-readable message out of a Portainer or
// Docker error body, falling back to the raw text.
func extractAPIMessage(raw []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Details != "" {
			return parsed.Details
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
