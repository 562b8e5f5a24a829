// Copyright 2025 James Ross

// Package reaper implements the liveness sweep of spec.md §5.8: a ticker
// loop that recovers request_attempts whose lease expired without a
// terminal write, because the worker holding them died or was killed.
// Ported from the Redis processing-list Scan loop this package used to run;
// generalized to a single store.ReapExpiredLeases query since Postgres
// tracks picked_at/lease directly on the row instead of in a per-worker
// list key that needs walking and reconciling against a heartbeat.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/config"
	"github.com/hook0/dispatch-engine/internal/obs"
)

// Store is the slice of store.Store the reaper needs.
type Store interface {
	ReapExpiredLeases(ctx context.Context, lease time.Duration) (int, error)
}

type Reaper struct {
	cfg   *config.Config
	store Store
	log   *zap.Logger
}

func New(cfg *config.Config, s Store, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: s, log: log}
}

// Run sweeps on cfg.Reaper.Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Reaper.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	n, err := r.store.ReapExpiredLeases(ctx, r.cfg.Worker.Lease)
	if err != nil {
		r.log.Warn("reaper sweep failed", obs.Err(err))
		return
	}
	if n > 0 {
		obs.ReaperRecovered.Add(float64(n))
		r.log.Warn("recovered attempts with expired leases", obs.Int("count", n))
	}
}
