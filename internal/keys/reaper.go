package keys

import (
	"context"
	"sync"
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultReapInterval is the cadence of the expiry sweep.
const DefaultReapInterval = 60 * time.Minute

// Reaper periodically deletes expired key records. Claim and verify check
// expiry themselves, so reaping only reclaims space.
type Reaper struct {
	svc      *Service
	interval time.Duration
	clock    clock.Clock
	logger   pslog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done sync.WaitGroup
}

// NewReaper builds a reaper for svc. A non-positive interval selects
// DefaultReapInterval.
func NewReaper(svc *Service, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		svc:      svc,
		interval: interval,
		clock:    svc.clock,
		logger:   svcfields.WithSubsystem(svc.logger, svcfields.SysReaper),
	}
}

// Interval reports the sweep cadence.
func (r *Reaper) Interval() time.Duration { return r.interval }

// Start launches the sweep loop. Calling Start twice is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	stopCh := r.stop
	r.done.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.done.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-r.clock.After(r.interval):
				_, _ = r.SweepOnce(context.Background())
			}
		}
	}()
	r.logger.Info("reaper.started", "interval", r.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	stopCh := r.stop
	if stopCh != nil {
		close(stopCh)
		r.stop = nil
	}
	r.mu.Unlock()
	if stopCh != nil {
		r.done.Wait()
		r.logger.Info("reaper.stopped")
	}
}

// SweepOnce runs a single sweep and logs the number of records removed.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	start := r.clock.Now()
	n, err := r.svc.DeleteExpired(ctx)
	if err != nil {
		r.logger.Warn("reaper.sweep.error", "removed", n, "error", err)
		return n, err
	}
	r.logger.Info("reaper.sweep.complete", "removed", n, "elapsed", r.clock.Now().Sub(start))
	return n, nil
}
