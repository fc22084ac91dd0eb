package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sweeper periodically deletes expired conversation states.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}, nil
}

// Run sweeps on a ticker until ctx is canceled. An immediate sweep runs
// on startup so a long-stopped process clears its backlog right away.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("swept expired conversation states", "count", n)
	}
}
