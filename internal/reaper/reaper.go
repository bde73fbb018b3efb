// Package reaper recovers running turns whose lease expired without a
// heartbeat or release, bounding how long a crashed worker can block the
// single-running-turn invariant.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/turnstile/internal/store"
)

// Config holds the dependencies for the reaper.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Interval time.Duration // sweep interval; defaults to 30 seconds if zero
}

// Reaper periodically sweeps running turns with expired leases back to
// suspended so they can be re-acquired.
type Reaper struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper with the given config.
func New(cfg Config) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the sweep loop in a background goroutine. The first sweep
// runs immediately so turns orphaned by a crash are reclaimed at startup.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("stale lease reaper started", "interval", r.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("stale lease reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	recovered, err := r.store.RecoverAllStale(ctx, store.DefaultRecoveryReason)
	if err != nil {
		r.logger.Error("reaper sweep failed", "error", err)
		return
	}
	if len(recovered) > 0 {
		r.logger.Info("recovered stale running turns",
			"count", len(recovered),
			"turn_ids", recovered,
		)
	}
}
