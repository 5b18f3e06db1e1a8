package storage

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/raid-guild/split-facilitator-go/metrics"
)

// NonceSweeper periodically deletes expired nonce records.
type NonceSweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.FacilitatorMetrics
}

// NewNonceSweeper creates a sweeper running every interval.
func NewNonceSweeper(store *Store, interval time.Duration, logger *slog.Logger, m *metrics.FacilitatorMetrics) *NonceSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NonceSweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *NonceSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *NonceSweeper) sweep(ctx context.Context) {
	n, err := s.store.CleanupExpired(ctx, s.store.now())
	if err != nil {
		s.logger.Error("nonce sweep failed", "error", err)
		return
	}
	s.metrics.AddNoncesSwept(n)
	if n > 0 {
		s.logger.Info("expired nonces deleted", "count", n)
	}
}
