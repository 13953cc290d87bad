package registry

import "time"

// Manifest media types requested from registries. Both Docker v2 and OCI
// forms are listed so either manifest or index responses can be handled.
const (
	MediaTypeManifestV2     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeManifestListV2 = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest    = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex       = "application/vnd.oci.image.index.v1+json"
)

// ContentDigestHeader carries the manifest digest in registry responses.
const ContentDigestHeader = "Docker-Content-Digest"

const (
	// DefaultHTTPTimeout bounds each registry request.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultTokenTTL is how long anonymous bearer tokens are cached per
	// registry/repository pair.
	DefaultTokenTTL = 5 * time.Minute

	// DefaultRequestsPerSecond paces outbound requests per registry host.
	DefaultRequestsPerSecond = 10
)
