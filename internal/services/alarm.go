package services

import (
	"sync"
	"time"

	"github.com/huangang/interlock/internal/models"
	"github.com/huangang/interlock/pkg/logger"
	"golang.org/x/time/rate"
)

// AlarmSink receives job failure events. Delivery is fire-and-forget:
// the scheduler never waits on a sink and a sink failure never reaches
// scheduler state.
type AlarmSink interface {
	Notify(event models.JobFailureEvent)
}

// LogSink writes failure events to the service log. It is the default
// sink when no external alarm delivery is wired in.
type LogSink struct{}

func (LogSink) Notify(event models.JobFailureEvent) {
	logger.Error().
		Str("job_id", event.JobID).
		Str("job", event.JobName).
		Str("resource_id", event.ResourceID).
		Str("execution_id", event.ExecutionID).
		Str("error", event.Error).
		Msg("job execution failed")
}

// MultiSink fans one event out to several sinks.
type MultiSink []AlarmSink

func (m MultiSink) Notify(event models.JobFailureEvent) {
	for _, sink := range m {
		sink.Notify(event)
	}
}

// jobLimiter holds a rate limiter and last-seen time per job.
type jobLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ThrottledSink bounds how often failures of a single job reach the
// wrapped sink, so a job failing on every tick cannot flood an alarm
// channel. Suppressed events are counted and logged, not delivered.
type ThrottledSink struct {
	inner    AlarmSink
	mu       sync.Mutex
	limiters map[string]*jobLimiter
	rps      rate.Limit
	burst    int
}

// NewThrottledSink wraps inner, allowing perMinute events per job with
// the given burst.
func NewThrottledSink(inner AlarmSink, perMinute float64, burst int) *ThrottledSink {
	if perMinute <= 0 {
		perMinute = 6
	}
	if burst <= 0 {
		burst = 1
	}
	s := &ThrottledSink{
		inner:    inner,
		limiters: make(map[string]*jobLimiter),
		rps:      rate.Limit(perMinute / 60),
		burst:    burst,
	}
	// Background cleanup of stale entries every 3 minutes
	go s.cleanup()
	return s
}

func (s *ThrottledSink) getLimiter(jobID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.limiters[jobID]
	if !exists {
		limiter := rate.NewLimiter(s.rps, s.burst)
		s.limiters[jobID] = &jobLimiter{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanup removes job entries not seen for 30 minutes.
func (s *ThrottledSink) cleanup() {
	for {
		time.Sleep(3 * time.Minute)
		s.mu.Lock()
		for jobID, v := range s.limiters {
			if time.Since(v.lastSeen) > 30*time.Minute {
				delete(s.limiters, jobID)
			}
		}
		s.mu.Unlock()
	}
}

func (s *ThrottledSink) Notify(event models.JobFailureEvent) {
	if !s.getLimiter(event.JobID).Allow() {
		logger.Debug().
			Str("job_id", event.JobID).
			Str("job", event.JobName).
			Msg("failure alarm suppressed by throttle")
		return
	}
	s.inner.Notify(event)
}
