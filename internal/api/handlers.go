package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/notify"
	"github.com/chis/portwatch/internal/query"
	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/upgrade"
)

// handleHealth reports service liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	RespondSuccess(w, map[string]string{"status": "ok"})
}

// handleInstances lists the configured Portainer instance URLs.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	RespondSuccess(w, map[string]interface{}{"instances": s.instances})
}

// handleContainers returns the container dashboard. By default it serves the
// persisted snapshots; ?refresh=true re-queries Portainer and the registries
// first.
func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	opts := query.QueryOptions{
		ForceRefresh: r.URL.Query().Get("refresh") == "true",
		InstanceURL:  r.URL.Query().Get("instance"),
		UserID:       userID(r),
	}

	snapshots, err := s.queries.GetContainers(r.Context(), opts)
	if err != nil {
		RespondPipelineError(w, err)
		return
	}
	RespondSuccess(w, map[string]interface{}{
		"containers": snapshots,
		"count":      len(snapshots),
	})
}

// handleRefresh triggers a refresh without returning the container list, for
// the dashboard's background refresh button.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("instance")
	if err := s.queries.Refresh(r.Context(), instance, userID(r)); err != nil {
		RespondPipelineError(w, err)
		return
	}
	RespondSuccess(w, map[string]string{"status": "refreshed"})
}

// handleUnusedImages lists images not referenced by any container.
func (s *Server) handleUnusedImages(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("instance")

	if r.URL.Query().Get("count") == "true" {
		count, err := s.queries.CountUnusedImages(r.Context(), instance)
		if err != nil {
			RespondPipelineError(w, err)
			return
		}
		RespondSuccess(w, map[string]int{"count": count})
		return
	}

	images, err := s.queries.GetUnusedImages(r.Context(), instance)
	if err != nil {
		RespondPipelineError(w, err)
		return
	}
	RespondSuccess(w, map[string]interface{}{
		"images": images,
		"count":  len(images),
	})
}

// upgradeRequest is the POST /api/upgrade body.
type upgradeRequest struct {
	InstanceURL string `json:"instance_url"`
	EndpointID  int    `json:"endpoint_id"`
	ContainerID string `json:"container_id"`
	TargetImage string `json:"target_image"`
}

// handleUpgrade replaces a running container with its target image.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondBadRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.InstanceURL == "" || req.ContainerID == "" || req.TargetImage == "" {
		RespondBadRequest(w, fmt.Errorf("instance_url, container_id, and target_image are required"))
		return
	}

	result, err := s.upgrader.Upgrade(r.Context(), upgrade.Request{
		InstanceURL: req.InstanceURL,
		EndpointID:  req.EndpointID,
		ContainerID: req.ContainerID,
		TargetImage: req.TargetImage,
		UserID:      userID(r),
	})
	if err != nil {
		RespondPipelineError(w, err)
		return
	}
	RespondSuccess(w, result)
}

// handleUpgradeHistory returns the upgrade audit trail, most recent first.
func (s *Server) handleUpgradeHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			RespondBadRequest(w, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	records, err := s.store.ListUpgradeRecords(r.Context(), r.URL.Query().Get("container"), limit)
	if err != nil {
		RespondInternalError(w, err)
		return
	}
	RespondSuccess(w, map[string]interface{}{
		"upgrades": records,
		"count":    len(records),
	})
}

// notificationTestRequest is the POST /api/notifications/test body.
type notificationTestRequest struct {
	WebhookURL string `json:"webhook_url"`
}

// handleNotificationTest sends a test embed to a webhook so operators can
// verify delivery before relying on it.
func (s *Server) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	var req notificationTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondBadRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := notify.ValidateWebhookURL(req.WebhookURL); err != nil {
		RespondBadRequest(w, err)
		return
	}
	if err := s.notifier.TestWebhook(r.Context(), req.WebhookURL); err != nil {
		RespondPipelineError(w, err)
		return
	}
	RespondSuccess(w, map[string]string{"status": "delivered"})
}

// handleDigest resolves the platform-specific digest for an arbitrary image
// reference, bypassing the cache. Useful for debugging registry behavior.
func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	imageRef := r.URL.Query().Get("image")
	if imageRef == "" {
		RespondBadRequest(w, fmt.Errorf("image query parameter is required"))
		return
	}

	ref, err := registry.ParseImageReference(imageRef)
	if err != nil {
		RespondBadRequest(w, err)
		return
	}

	platform := registry.Platform{
		OS:           r.URL.Query().Get("os"),
		Architecture: r.URL.Query().Get("arch"),
		Variant:      r.URL.Query().Get("variant"),
	}
	if platform.OS == "" {
		platform.OS = "linux"
	}
	if platform.Architecture == "" {
		platform.Architecture = "amd64"
	}

	resolution, err := s.resolver.GetPlatformSpecificDigest(r.Context(), ref, platform)
	if err != nil {
		RespondPipelineError(w, err)
		return
	}
	RespondSuccess(w, resolution)
}

// handleEvents streams pipeline events over SSE for dashboard live updates.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})

	eventChan, unsubscribe := s.bus.Subscribe("*")
	defer unsubscribe()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	// Heartbeat keeps the connection alive through proxy idle timeouts.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
			heartbeat.Reset(15 * time.Second)
		}
	}
}

// userID identifies the requester for notification dedup scoping. Single-user
// deployments leave it empty.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
