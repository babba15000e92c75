package session

import (
	"context"
	"time"
)

// DefaultRefreshInterval bounds how long a rendered view can go without a
// refresh, so freshness flips to stale even when no reading arrives.
const DefaultRefreshInterval = 5 * time.Second

// Scheduler drives a render function from session notifications plus a
// periodic refresh. It never sleeps on the render path.
type Scheduler struct {
	c        *Controller
	interval time.Duration
}

func NewScheduler(c *Controller, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Scheduler{c: c, interval: interval}
}

// Run renders once immediately, then on every change and every interval,
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context, render func(Snapshot)) error {
	changes, cancel := s.c.Subscribe()
	defer cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	render(s.c.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			render(s.c.Snapshot())
		case <-ticker.C:
			render(s.c.Snapshot())
		}
	}
}
