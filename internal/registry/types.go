package registry

import "context"

// ImageReference is a parsed OCI image reference. Exactly one of Tag/Digest
// drives resolution: digest-pinned references resolve to themselves without a
// network call.
type ImageReference struct {
	// Registry is the registry hostname (e.g. "registry-1.docker.io",
	// "ghcr.io"), post alias normalization.
	Registry string

	// Repository is the image repository (e.g. "library/nginx").
	Repository string

	// Tag is the image tag; empty when the reference is digest-pinned.
	Tag string

	// Digest is the pinned digest (sha256:...); empty for tag references.
	Digest string
}

// String reassembles the reference in canonical registry/repo[:tag|@digest]
// form.
func (r ImageReference) String() string {
	s := r.Registry + "/" + r.Repository
	if r.Digest != "" {
		return s + "@" + r.Digest
	}
	if r.Tag != "" {
		return s + ":" + r.Tag
	}
	return s
}

// Platform identifies a container's actual runtime platform. It must come
// from the running container's image inspection, never be assumed.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

func (p Platform) String() string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

// ManifestResolution is the result of resolving an image reference for a
// platform. Digest always refers to a single-architecture manifest, never a
// manifest-list digest: comparing a list digest against a running container's
// digest is always a false mismatch.
type ManifestResolution struct {
	Digest         string   `json:"digest"`
	Tag            string   `json:"tag,omitempty"`
	IsManifestList bool     `json:"is_manifest_list"`
	Platform       Platform `json:"platform"`
}

// Resolver is the registry surface consumed by the update checker and the
// upgrade orchestrator.
type Resolver interface {
	// GetPlatformSpecificDigest resolves the single-arch manifest digest for
	// an image reference and platform. Performs exactly one attempt per
	// call; retry and caching policy belong to the caller.
	GetPlatformSpecificDigest(ctx context.Context, ref ImageReference, platform Platform) (ManifestResolution, error)

	// Exists probes whether the reference's manifest is reachable in its
	// registry without downloading it.
	Exists(ctx context.Context, ref ImageReference) (bool, error)
}

// manifestList models the subset of a manifest list / OCI image index needed
// for platform selection.
type manifestList struct {
	SchemaVersion int                 `json:"schemaVersion"`
	MediaType     string              `json:"mediaType"`
	Manifests     []manifestListEntry `json:"manifests"`
}

type manifestListEntry struct {
	MediaType string    `json:"mediaType"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	Platform  *Platform `json:"platform,omitempty"`
}
