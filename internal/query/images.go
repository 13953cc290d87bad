package query

import (
	"context"
	"fmt"
	"strings"
)

// UnusedImage describes an image present on an endpoint but referenced by no
// container.
type UnusedImage struct {
	InstanceURL string   `json:"instance_url"`
	EndpointID  int      `json:"endpoint_id"`
	ImageID     string   `json:"image_id"`
	RepoTags    []string `json:"repo_tags,omitempty"`
	Size        int64    `json:"size"`
}

// GetUnusedImages lists images not referenced by any container, per instance
// (all instances when instanceURL is empty). Instances are processed
// sequentially; the dominant cost is the Portainer listing calls.
func (s *Service) GetUnusedImages(ctx context.Context, instanceURL string) ([]UnusedImage, error) {
	var unused []UnusedImage
	for url, client := range s.clients {
		if instanceURL != "" && url != instanceURL {
			continue
		}
		endpoints, err := client.ListEndpoints(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list endpoints for %s: %w", url, err)
		}
		for _, endpoint := range endpoints {
			found, err := s.unusedOnEndpoint(ctx, url, client, endpoint.ID)
			if err != nil {
				s.log.Error("unused-image scan failed for %s endpoint %d: %v", url, endpoint.ID, err)
				continue
			}
			unused = append(unused, found...)
		}
	}
	return unused, nil
}

// CountUnusedImages returns just the count for an instance.
func (s *Service) CountUnusedImages(ctx context.Context, instanceURL string) (int, error) {
	unused, err := s.GetUnusedImages(ctx, instanceURL)
	if err != nil {
		return 0, err
	}
	return len(unused), nil
}

func (s *Service) unusedOnEndpoint(ctx context.Context, instanceURL string, client PortainerAPI, endpointID int) ([]UnusedImage, error) {
	images, err := client.ListImages(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	containers, err := client.ListContainers(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	// Image IDs appear in several shapes (sha256:full, full, 12-char short);
	// index every normalized form of every referenced ID.
	used := make(map[string]bool)
	for _, c := range containers {
		for _, form := range normalizeImageID(c.ImageID) {
			used[form] = true
		}
	}

	var unused []UnusedImage
	for _, img := range images {
		referenced := false
		for _, form := range normalizeImageID(img.ID) {
			if used[form] {
				referenced = true
				break
			}
		}
		if referenced {
			continue
		}
		unused = append(unused, UnusedImage{
			InstanceURL: instanceURL,
			EndpointID:  endpointID,
			ImageID:     img.ID,
			RepoTags:    img.RepoTags,
			Size:        img.Size,
		})
	}
	return unused, nil
}

// normalizeImageID returns the comparison forms of an image ID: the
// sha256:-stripped full hash and its 12-character short form.
func normalizeImageID(id string) []string {
	stripped := strings.TrimPrefix(id, "sha256:")
	if stripped == "" {
		return nil
	}
	forms := []string{stripped}
	if len(stripped) > 12 {
		forms = append(forms, stripped[:12])
	}
	return forms
}
