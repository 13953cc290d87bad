package registry

import (
	"fmt"
	"strings"
)

// DockerHubRegistry is the canonical Docker Hub registry host. The alias
// table collapses the hub's legacy hostnames onto it.
const DockerHubRegistry = "registry-1.docker.io"

// registryAliases maps alternative Docker Hub hostnames to the canonical
// registry host.
var registryAliases = map[string]string{
	"docker.io":               DockerHubRegistry,
	"index.docker.io":         DockerHubRegistry,
	"registry.hub.docker.com": DockerHubRegistry,
}

// ParseImageReference parses an image reference string into its parts.
// Every valid OCI reference string maps to exactly one ImageReference.
//
// Parsing order matters: the @sha256: digest suffix is split off first, then
// the repo:tag split (default tag "latest"), then the leading path segment is
// classified as a registry host if it contains a dot or colon; otherwise the
// whole string is a Docker Hub repository, with "library/" prefixed for
// single-segment names.
func ParseImageReference(ref string) (ImageReference, error) {
	if ref == "" {
		return ImageReference{}, fmt.Errorf("empty image reference")
	}

	var digest string
	if idx := strings.Index(ref, "@"); idx >= 0 {
		digest = ref[idx+1:]
		ref = ref[:idx]
	}

	// The tag separator is the last colon after the final slash; a colon
	// before a slash belongs to a registry port.
	tag := ""
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		tag = ref[colon+1:]
		ref = ref[:colon]
	}
	if tag == "" && digest == "" {
		tag = "latest"
	}

	if ref == "" {
		return ImageReference{}, fmt.Errorf("image reference has no repository")
	}

	registry := DockerHubRegistry
	repository := ref
	if idx := strings.Index(ref, "/"); idx >= 0 {
		head := ref[:idx]
		if strings.ContainsAny(head, ".:") || head == "localhost" {
			registry = head
			repository = ref[idx+1:]
		}
	}

	if canonical, ok := registryAliases[registry]; ok {
		registry = canonical
	}

	// Docker Hub single-segment names are official images under library/.
	if registry == DockerHubRegistry && !strings.Contains(repository, "/") {
		repository = "library/" + repository
	}

	return ImageReference{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
		Digest:     digest,
	}, nil
}

// NormalizeDigest strips the sha256: prefix so digests from different
// sources compare consistently.
func NormalizeDigest(digest string) string {
	return strings.TrimPrefix(digest, "sha256:")
}

// HasUpdate reports whether the registry digest differs from the running
// container's digest. Returns false when either input is absent: staleness
// cannot be asserted without both values, and absence must never read as
// "update available".
func HasUpdate(runningDigest, registryDigest string) bool {
	if runningDigest == "" || registryDigest == "" {
		return false
	}
	return !strings.EqualFold(NormalizeDigest(runningDigest), NormalizeDigest(registryDigest))
}

// RepoFromImageName extracts the repository portion of an image name,
// dropping any registry host, tag, and digest. Used for cache keys. Returns
// the input unchanged when it cannot be parsed.
func RepoFromImageName(image string) string {
	ref, err := ParseImageReference(image)
	if err != nil {
		return image
	}
	return ref.Repository
}
