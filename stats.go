package proactor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Stats counts proactor activity. All counters are cumulative.
type Stats struct {
	Registered *atomic.Int64
	Dispatched *atomic.Int64
	Retried    *atomic.Int64
	Cancelled  *atomic.Int64
	Completed  *atomic.Int64
	Failed     *atomic.Int64
	Suppressed *atomic.Int64
	Stale      *atomic.Int64
}

type StatsSnapshot struct {
	Registered int64
	Dispatched int64
	Retried    int64
	Cancelled  int64
	Completed  int64
	Failed     int64
	Suppressed int64
	Stale      int64
	Pending    int
}

func newStats() *Stats {
	return &Stats{
		Registered: atomic.NewInt64(0),
		Dispatched: atomic.NewInt64(0),
		Retried:    atomic.NewInt64(0),
		Cancelled:  atomic.NewInt64(0),
		Completed:  atomic.NewInt64(0),
		Failed:     atomic.NewInt64(0),
		Suppressed: atomic.NewInt64(0),
		Stale:      atomic.NewInt64(0),
	}
}

func (s *Stats) snapshot(pending int) StatsSnapshot {
	return StatsSnapshot{
		Registered: s.Registered.Load(),
		Dispatched: s.Dispatched.Load(),
		Retried:    s.Retried.Load(),
		Cancelled:  s.Cancelled.Load(),
		Completed:  s.Completed.Load(),
		Failed:     s.Failed.Load(),
		Suppressed: s.Suppressed.Load(),
		Stale:      s.Stale.Load(),
		Pending:    pending,
	}
}

func (s StatsSnapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("registered", s.Registered).
		Int64("dispatched", s.Dispatched).
		Int64("retried", s.Retried).
		Int64("cancelled", s.Cancelled).
		Int64("completed", s.Completed).
		Int64("failed", s.Failed).
		Int64("suppressed", s.Suppressed).
		Int64("stale", s.Stale).
		Int("pending", s.Pending)
}

// reportStats logs a snapshot every interval until ctx is done.
func reportStats(ctx context.Context, logger zerolog.Logger, interval time.Duration, snapshot func() StatsSnapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().EmbedObject(snapshot()).Msg("proactor stats")
		}
	}
}
