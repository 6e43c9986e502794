package services

import (
	"sync"
	"time"

	"github.com/huangang/interlock/internal/metrics"
	"github.com/huangang/interlock/pkg/logger"
)

// DefaultReaperInterval is used when the configured interval is not positive.
const DefaultReaperInterval = 10 * time.Second

// Reaper periodically expires stale sessions and locks through the
// coordinator's ordinary release path, which also advances the wait
// queues. Timeouts are cooperative: an expired lock is reclaimed within
// its timeout plus one reaper interval, never preemptively.
type Reaper struct {
	coord    *LockCoordinator
	clock    Clock
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewReaper creates a reaper sweeping at the given interval.
func NewReaper(coord *LockCoordinator, clock Clock, interval time.Duration) *Reaper {
	if clock == nil {
		clock = SystemClock()
	}
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	return &Reaper{
		coord:    coord,
		clock:    clock,
		interval: interval,
	}
}

// Start launches the sweep loop. Calling Start on a running reaper is a
// no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.Sweep(r.clock.Now())
			}
		}
	}()

	logger.Infof("[Reaper] Started, interval: %v", r.interval)
}

// Stop halts the sweep loop and waits for the current iteration.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stop)
	r.running = false
	r.wg.Wait()
	logger.Infof("[Reaper] Stopped")
}

// Sweep runs one reaper iteration at now: expired sessions end first
// (cascading their locks), then expired locks are reclaimed. It never
// lets a failure escape; the next tick always proceeds on schedule.
func (r *Reaper) Sweep(now time.Time) (sessionsEnded, locksReclaimed int) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[Reaper] Sweep panic recovered: %v", rec)
		}
	}()

	metrics.ReaperSweepsTotal.Inc()

	sessions := r.coord.SweepExpiredSessions(now)
	locks := r.coord.SweepExpiredLocks(now)

	if len(sessions) > 0 || len(locks) > 0 {
		logger.Infof("[Reaper] Reclaimed %d expired session(s), %d expired lock(s)", len(sessions), len(locks))
	}
	return len(sessions), len(locks)
}
