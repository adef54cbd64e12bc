package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/sandterm/internal/metrics"
)

const sweepTimeout = 5 * time.Minute

// Reaper runs CleanupExpired on a cron schedule. A sweep that is still
// running when the next one is due causes that one to be skipped.
type Reaper struct {
	mgr     *Manager
	cron    *cron.Cron
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReaper parses schedule (standard cron or "@every 60s") and registers
// the sweep. Call Start to begin.
func NewReaper(mgr *Manager, schedule string, m *metrics.Metrics) (*Reaper, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reaper{
		mgr:     mgr,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(log.Default())),
			cron.SkipIfStillRunning(cron.PrintfLogger(log.Default())),
		)),
	}
	if _, err := r.cron.AddFunc(schedule, r.sweep); err != nil {
		cancel()
		return nil, fmt.Errorf("reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reaper) Start() {
	r.cron.Start()
	log.Printf("[reaper] started")
}

// Stop cancels a running sweep and waits for it to return, or for ctx.
func (r *Reaper) Stop(ctx context.Context) {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		log.Printf("[reaper] stopped")
	case <-ctx.Done():
		log.Printf("[reaper] WARNING: stop timed out waiting for sweep")
	}
}

// RunOnce performs one sweep and returns the number of sessions released.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := r.mgr.CleanupExpired(ctx)
	r.metrics.ObserveSweep(time.Since(start))
	return n, err
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(r.ctx, sweepTimeout)
	defer cancel()

	n, err := r.RunOnce(ctx)
	if err != nil {
		log.Printf("[reaper] sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[reaper] released %d expired session(s)", n)
	}
}
