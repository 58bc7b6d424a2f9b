package imagestore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes transient images left behind by aborted requests.
type Sweeper struct {
	store    *Local
	ttl      time.Duration
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper runs every ttl/2 and removes transient files older than ttl.
func NewSweeper(store *Local, ttl time.Duration, log *zap.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, ttl: ttl, interval: ttl / 2, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep() {
	deleted, err := s.store.CleanupTransient(s.ttl)
	if err != nil {
		s.log.Warn("transient image sweep failed", zap.Error(err))
	}
	if len(deleted) > 0 {
		s.log.Info("removed orphaned transient images", zap.Int("count", len(deleted)))
	}
}
