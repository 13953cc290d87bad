package query

import (
	"context"
	"time"
)

// Scheduler runs forced refreshes on a fixed interval. It is the only caller
// that triggers registry contact without a user action.
type Scheduler struct {
	service  *Service
	interval time.Duration
}

// NewScheduler creates a background refresh scheduler.
func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	return &Scheduler{service: service, interval: interval}
}

// Run blocks, refreshing all instances every interval until ctx is canceled.
// The first refresh happens one full interval after start, not immediately,
// so process restarts do not burn registry budget.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.service.Refresh(ctx, "", ""); err != nil {
				s.service.log.Error("scheduled refresh failed: %v", err)
			}
		}
	}
}
