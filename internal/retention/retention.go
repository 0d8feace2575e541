// Package retention purges conversations that have not been updated for a
// configured number of days, on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/chatrelay/internal/metrics"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Purger deletes conversations last updated before cutoff. *store.Store
// satisfies it.
type Purger interface {
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Opts holds parameters for creating a Sweeper.
type Opts struct {
	Store    Purger
	Schedule string
	MaxAge   time.Duration
	Now      func() time.Time
}

// Sweeper runs the scheduled purge.
type Sweeper struct {
	store    Purger
	schedule cron.Schedule
	maxAge   time.Duration
	now      func() time.Time
}

// New creates a Sweeper.
func New(opts Opts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("retention: store is required")
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention: parse schedule %q: %w", opts.Schedule, err)
	}
	s := &Sweeper{store: opts.Store, schedule: sched, maxAge: opts.MaxAge, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Next returns the duration until the next scheduled sweep.
func (s *Sweeper) Next() time.Duration {
	now := s.now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Sweep deletes every conversation older than the configured age and returns
// how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.store.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: sweep: %w", err)
	}
	metrics.ObservePurged(n)
	return n, nil
}

// Run sweeps on schedule until ctx is cancelled. Failed sweeps are logged and
// retried at the next scheduled time.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.Next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("%v", err)
			} else if n > 0 {
				log.Printf("retention: purged %d conversations older than %s", n, s.maxAge)
			}
			timer.Reset(s.Next())
		}
	}
}
