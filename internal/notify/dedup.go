package notify

import (
	"fmt"
	"strings"

	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/storage"
)

// dedupKey derives the stable suppression key for a notification. Digest-
// backed keys are permanent; version (or tag) fallback keys expire after a
// bounded window. The key must be deterministic across restarts: it is
// persisted and compared verbatim.
func dedupKey(n Notification) (key, dedupType string) {
	identity := fmt.Sprintf("%s|%d|%s", n.InstanceURL, n.EndpointID, n.ContainerName)
	if n.ContainerName == "" {
		// Image-level notification with no container identity.
		identity = n.Repo + ":" + n.Tag
	}

	if n.NewDigest != "" {
		digest := registry.NormalizeDigest(strings.ToLower(n.NewDigest))
		return "digest:" + identity + ":" + digest, storage.DedupTypeDigest
	}

	fallback := n.Version
	if fallback == "" {
		fallback = n.Tag
	}
	return "version:" + identity + ":" + fallback, storage.DedupTypeVersion
}
