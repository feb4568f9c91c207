// Completion sweep: the periodic driver of lazy construction completion.
package engine

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper scans for due constructions.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically completes constructions whose time has passed, so
// islands nobody reads still reach their completed state.
type Sweeper struct {
	Engine   *Engine
	Interval time.Duration

	// OnSweep, if set, is called after every pass.
	OnSweep func(stats SweepStats)
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Scanned   int
	Completed int
	Failed    int
	Took      time.Duration
}

// NewSweeper creates a sweeper with the default interval.
func NewSweeper(e *Engine) *Sweeper {
	return &Sweeper{Engine: e, Interval: DefaultSweepInterval}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	slog.Info("completion sweeper started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("completion sweeper stopped")
			return
		case <-ticker.C:
			stats := s.SweepOnce(ctx)
			if s.OnSweep != nil {
				s.OnSweep(stats)
			}
		}
	}
}

// SweepOnce runs CheckCompletion on every island under construction.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	start := time.Now()
	var stats SweepStats

	list, err := s.Engine.islands.ListConstructing(ctx)
	if err != nil {
		slog.Error("sweep: list constructing islands", "error", err)
		return stats
	}
	stats.Scanned = len(list)

	for _, is := range list {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Engine.CheckCompletion(ctx, is.MapID, is.ID)
		if err != nil {
			stats.Failed++
			slog.Debug("sweep: check completion failed", "island", is.Key(), "error", err)
			continue
		}
		if res.State == CompletionCompleted {
			stats.Completed++
		}
	}

	stats.Took = time.Since(start)
	if stats.Completed > 0 || stats.Failed > 0 {
		slog.Info("sweep finished", "scanned", stats.Scanned, "completed", stats.Completed, "failed", stats.Failed, "took", stats.Took)
	}
	return stats
}
