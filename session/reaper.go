package session

import (
	"context"
	"time"

	"github.com/NickB03/vana/logging"
)

// Expirer is the slice of store behavior the reaper needs. Both MemoryStore
// and SQLStore satisfy it.
type Expirer interface {
	ExpireIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// Reaper periodically expires sessions that have been idle past a TTL.
// Expired sessions reject new stream connections; their event logs remain
// readable until the record itself is removed by operator tooling.
type Reaper struct {
	store    Expirer
	ttl      time.Duration
	interval time.Duration
	logger   logging.Logger
}

// NewReaper builds a reaper. A zero interval defaults to ttl/4, a zero ttl
// defaults to one hour.
func NewReaper(store Expirer, ttl, interval time.Duration, logger logging.Logger) *Reaper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if interval <= 0 {
		interval = ttl / 4
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Reaper{store: store, ttl: ttl, interval: interval, logger: logger}
}

// Run blocks, sweeping on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires sessions idle past the TTL once.
func (r *Reaper) Sweep(ctx context.Context) {
	n, err := r.store.ExpireIdle(ctx, time.Now().Add(-r.ttl))
	if err != nil {
		r.logger.Warn("session reaper sweep failed: %v", err)
		return
	}
	if n > 0 {
		r.logger.Info("session reaper expired %d sessions", n)
	}
}
