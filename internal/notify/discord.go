package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// discordEmbed is the subset of Discord's webhook embed object portwatch
// sends.
type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

const embedColorUpdate = 0x5865F2

// rateLimitedError is a 429 from Discord; delivery waits and retries.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("webhook rate limited, retry after %s", e.retryAfter)
}

// terminalError is a non-429 4xx; delivery must not be retried.
type terminalError struct {
	status int
	body   string
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("webhook rejected delivery with %d: %s", e.status, e.body)
}

// buildPayload renders an update notification as a Discord embed.
func buildPayload(n Notification) discordPayload {
	fields := []discordEmbedField{
		{Name: "Image", Value: n.ImageName, Inline: true},
		{Name: "Instance", Value: n.InstanceURL, Inline: true},
	}
	if n.OldDigest != "" && n.NewDigest != "" {
		fields = append(fields, discordEmbedField{
			Name:  "Digest",
			Value: fmt.Sprintf("`%s` → `%s`", shortDigest(n.OldDigest), shortDigest(n.NewDigest)),
		})
	}
	if n.Version != "" {
		fields = append(fields, discordEmbedField{Name: "Version", Value: n.Version, Inline: true})
	}

	return discordPayload{
		Username: "portwatch",
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("Update available: %s", n.ContainerName),
			Description: fmt.Sprintf("A newer image was published for **%s**.", n.ContainerName),
			Color:       embedColorUpdate,
			Fields:      fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
}

func buildTestPayload() discordPayload {
	return discordPayload{
		Username: "portwatch",
		Embeds: []discordEmbed{{
			Title:       "Webhook test",
			Description: "portwatch can reach this webhook.",
			Color:       embedColorUpdate,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
}

func shortDigest(digest string) string {
	digest = strings.TrimPrefix(digest, "sha256:")
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// ValidateWebhookURL rejects malformed destinations before any network call.
func ValidateWebhookURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL has no host")
	}
	return nil
}

// deliverOnce posts a payload to a webhook. A 429 returns rateLimitedError,
// 5xx and network errors return plain errors (retryable), other 4xx return
// terminalError.
func deliverOnce(ctx context.Context, client *http.Client, webhookURL string, payload discordPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return &terminalError{status: 0, body: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(encoded))
	if err != nil {
		return &terminalError{status: 0, body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimitedError{retryAfter: parseDiscordRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &terminalError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
}

// parseDiscordRetryAfter reads the Retry-After header, which Discord sends
// in seconds (possibly fractional in the JSON body, but the header is
// authoritative enough for pacing).
func parseDiscordRetryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return 0
}
