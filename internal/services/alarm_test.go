package services

import (
	"sync"
	"testing"

	"github.com/huangang/interlock/internal/models"
)

// recordingSink captures delivered failure events.
type recordingSink struct {
	mu     sync.Mutex
	events []models.JobFailureEvent
}

func (s *recordingSink) Notify(event models.JobFailureEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestThrottledSink_SuppressesFlood(t *testing.T) {
	inner := &recordingSink{}
	sink := NewThrottledSink(inner, 1, 2)

	for i := 0; i < 10; i++ {
		sink.Notify(models.JobFailureEvent{JobID: "job-1", JobName: "calibration"})
	}

	// Only the burst gets through; the rate refills far too slowly for a
	// tight loop to see another token.
	if got := inner.count(); got != 2 {
		t.Errorf("delivered = %d, want the burst of 2", got)
	}
}

func TestThrottledSink_PerJobIsolation(t *testing.T) {
	inner := &recordingSink{}
	sink := NewThrottledSink(inner, 1, 1)

	for i := 0; i < 5; i++ {
		sink.Notify(models.JobFailureEvent{JobID: "job-1"})
	}
	sink.Notify(models.JobFailureEvent{JobID: "job-2"})

	// job-1's flood must not consume job-2's budget.
	if got := inner.count(); got != 2 {
		t.Errorf("delivered = %d, want 1 per job", got)
	}
}

func TestMultiSink_FansOut(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	sink := MultiSink{first, second}

	sink.Notify(models.JobFailureEvent{JobID: "job-1"})

	if first.count() != 1 || second.count() != 1 {
		t.Errorf("delivered = %d, %d, want 1 to each sink", first.count(), second.count())
	}
}

func TestLogSink_Notify(t *testing.T) {
	// The default sink only logs; it must accept any event without
	// side effects on the caller.
	LogSink{}.Notify(models.JobFailureEvent{JobID: "job-1", Error: "boom"})
}
