package retention

import (
	"context"
	"time"

	"forked/internal/config"
	"forked/internal/logging"
	"forked/internal/store"
)

const sweepInterval = time.Hour

// Sweeper periodically deletes events and snapshots older than the retention
// window. Sweeps are best-effort and never retried.
type Sweeper struct {
	store         *store.Store
	retentionDays int
	logger        logging.Logger
}

// NewSweeper builds a sweeper; retentionDays of config.RetentionNever
// disables it.
func NewSweeper(st *store.Store, retentionDays int, logger logging.Logger) *Sweeper {
	return &Sweeper{
		store:         st,
		retentionDays: retentionDays,
		logger:        logging.OrNop(logger),
	}
}

// Start sweeps once immediately and then hourly until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.retentionDays == config.RetentionNever {
		s.logger.Info("Retention sweep disabled")
		return
	}

	go func() {
		s.sweep()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Sweeper) sweep() {
	deleted, err := s.store.DeleteOlderThan(s.retentionDays)
	if err != nil {
		s.logger.Warn("Retention sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("Retention sweep removed %d rows older than %d days", deleted, s.retentionDays)
	}
}
