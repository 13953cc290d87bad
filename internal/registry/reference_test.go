package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageReference(t *testing.T) {
	tests := []struct {
		name  string
		image string
		want  ImageReference
	}{
		{
			name:  "bare official image",
			image: "nginx",
			want:  ImageReference{Registry: DockerHubRegistry, Repository: "library/nginx", Tag: "latest"},
		},
		{
			name:  "official image with tag",
			image: "redis:7.2",
			want:  ImageReference{Registry: DockerHubRegistry, Repository: "library/redis", Tag: "7.2"},
		},
		{
			name:  "namespaced hub image",
			image: "portainer/portainer-ce:latest",
			want:  ImageReference{Registry: DockerHubRegistry, Repository: "portainer/portainer-ce", Tag: "latest"},
		},
		{
			name:  "docker.io alias collapses",
			image: "docker.io/library/nginx:1.27",
			want:  ImageReference{Registry: DockerHubRegistry, Repository: "library/nginx", Tag: "1.27"},
		},
		{
			name:  "index.docker.io alias collapses",
			image: "index.docker.io/grafana/grafana:main",
			want:  ImageReference{Registry: DockerHubRegistry, Repository: "grafana/grafana", Tag: "main"},
		},
		{
			name:  "registry.hub.docker.com alias collapses",
			image: "registry.hub.docker.com/library/alpine",
			want:  ImageReference{Registry: DockerHubRegistry, Repository: "library/alpine", Tag: "latest"},
		},
		{
			name:  "ghcr image",
			image: "ghcr.io/owner/app:v1.2.3",
			want:  ImageReference{Registry: "ghcr.io", Repository: "owner/app", Tag: "v1.2.3"},
		},
		{
			name:  "registry with port",
			image: "registry.example.com:5000/team/app:dev",
			want:  ImageReference{Registry: "registry.example.com:5000", Repository: "team/app", Tag: "dev"},
		},
		{
			name:  "localhost registry",
			image: "localhost:5000/app",
			want:  ImageReference{Registry: "localhost:5000", Repository: "app", Tag: "latest"},
		},
		{
			name:  "digest pinned",
			image: "nginx@sha256:abc123def456",
			want:  ImageReference{Registry: DockerHubRegistry, Repository: "library/nginx", Digest: "sha256:abc123def456"},
		},
		{
			name:  "tag and digest",
			image: "ghcr.io/owner/app:v1@sha256:abc123",
			want:  ImageReference{Registry: "ghcr.io", Repository: "owner/app", Tag: "v1", Digest: "sha256:abc123"},
		},
		{
			name:  "deep repository path",
			image: "registry.gitlab.com/group/subgroup/project:stable",
			want:  ImageReference{Registry: "registry.gitlab.com", Repository: "group/subgroup/project", Tag: "stable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseImageReference(tt.image)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseImageReferenceEmpty(t *testing.T) {
	_, err := ParseImageReference("")
	assert.Error(t, err)
}

func TestHasUpdate(t *testing.T) {
	tests := []struct {
		name    string
		current string
		latest  string
		want    bool
	}{
		{"different digests", "sha256:aaa", "sha256:bbb", true},
		{"same digests", "sha256:aaa", "sha256:aaa", false},
		{"case differs only", "sha256:AAAA", "sha256:aaaa", false},
		{"prefix stripped on one side", "aaa", "sha256:aaa", false},
		{"empty current", "", "sha256:bbb", false},
		{"empty latest", "sha256:aaa", "", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasUpdate(tt.current, tt.latest))
		})
	}
}

func TestNormalizeDigest(t *testing.T) {
	assert.Equal(t, "abc", NormalizeDigest("sha256:abc"))
	assert.Equal(t, "abc", NormalizeDigest("abc"))
	assert.Equal(t, "", NormalizeDigest(""))
}

func TestImageReferenceString(t *testing.T) {
	ref := ImageReference{Registry: "ghcr.io", Repository: "owner/app", Tag: "v1"}
	assert.Equal(t, "ghcr.io/owner/app:v1", ref.String())

	pinned := ImageReference{Registry: DockerHubRegistry, Repository: "library/nginx", Digest: "sha256:abc"}
	assert.Equal(t, "registry-1.docker.io/library/nginx@sha256:abc", pinned.String())
}
