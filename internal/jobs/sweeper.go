package jobs

import (
	"context"
	"log/slog"
	"time"

	"mp3relay/internal/clock"
	"mp3relay/internal/metrics"
)

// ReasonExpired labels deletions made by the sweeper.
const ReasonExpired = "expired"

// ArtifactDeleter removes a job's artifact; a missing artifact is not an
// error.
type ArtifactDeleter interface {
	Delete(id string) error
}

// Sweeper removes jobs older than a TTL together with their artifacts. It
// catches artifacts that were produced but never streamed, which the
// reclaimer never hears about.
type Sweeper struct {
	registry Registry
	store    ArtifactDeleter
	clock    clock.Clock
	ttl      time.Duration
	metrics  metrics.Metrics
	logger   *slog.Logger
}

func NewSweeper(reg Registry, store ArtifactDeleter, c clock.Clock, ttl time.Duration, m metrics.Metrics, logger *slog.Logger) *Sweeper {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Sweeper{registry: reg, store: store, clock: c, ttl: ttl, metrics: m, logger: logger}
}

// SweepOnce deletes every job created more than ttl ago and returns how
// many were removed. A failing artifact deletion keeps the record so the
// next sweep retries it.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.ttl)
	ids, err := s.registry.CreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		err := s.store.Delete(id)
		s.metrics.IncReclaimed(ReasonExpired, err)
		if err != nil {
			s.logger.Error("sweep artifact", "job_id", id, "error", err)
			continue
		}
		if err := s.registry.Delete(ctx, id); err != nil {
			s.logger.Error("sweep job record", "job_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept expired jobs", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
