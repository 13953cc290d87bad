package registry

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoPlatformMatch is returned when a manifest list contains no entry
// compatible with the wanted platform.
var ErrNoPlatformMatch = errors.New("no compatible platform in manifest list")

// RateLimitError indicates the registry returned 429. The container query
// pipeline treats this as fatal for the whole refresh to protect the shared
// per-registry rate budget.
type RateLimitError struct {
	Registry   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("registry %s rate limit exceeded, retry after %s", e.Registry, e.RetryAfter)
	}
	return fmt.Sprintf("registry %s rate limit exceeded", e.Registry)
}

// IsRateLimit reports whether err wraps a registry rate-limit condition.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// TransientError marks a network, timeout, or 5xx failure. The registry
// client performs exactly one attempt per call; callers own retry policy.
type TransientError struct {
	Registry string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("registry %s unavailable: %v", e.Registry, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NotFoundError indicates the repository or manifest does not exist.
type NotFoundError struct {
	Reference string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("manifest not found: %s", e.Reference)
}
