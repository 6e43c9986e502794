package services

import (
	"errors"
	"testing"
	"time"

	"github.com/huangang/interlock/internal/models"
)

func TestReaper_ReclaimsCrashedSession(t *testing.T) {
	coord, clock := newTestCoordinator()
	reaper := NewReaper(coord, clock, 10*time.Second)

	// A client that will crash without calling EndSession, and a waiter
	// queued behind it.
	crashed := coord.CreateSession("crashed-client", 60, nil)
	waiter := coord.CreateSession("waiter", 0, nil)
	if _, err := coord.Acquire("reactor-1", crashed.SessionID, models.ModeExclusive, 0, false); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := coord.Acquire("reactor-1", waiter.SessionID, models.ModeExclusive, 0, true); err != nil {
		t.Fatalf("queueing acquire failed: %v", err)
	}

	// One interval before the timeout nothing happens.
	clock.Advance(55 * time.Second)
	if sessions, locks := reaper.Sweep(clock.Now()); sessions != 0 || locks != 0 {
		t.Fatalf("early sweep reclaimed %d sessions, %d locks, want none", sessions, locks)
	}

	// The sweep after the timeout ends the session and promotes the
	// waiter, so the lock is held at most timeout + one interval.
	clock.Advance(10 * time.Second)
	sessions, _ := reaper.Sweep(clock.Now())
	if sessions != 1 {
		t.Fatalf("sweep ended %d sessions, want 1", sessions)
	}
	if !coord.CanControl("reactor-1", waiter.SessionID) {
		t.Error("waiter should hold the lock after the crashed session is reaped")
	}
	if _, err := coord.Acquire("sensor-1", crashed.SessionID, models.ModeObserver, 0, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("reaped session acquire error = %v, want ErrNotFound", err)
	}
}

func TestReaper_ReclaimsExpiredLock(t *testing.T) {
	coord, clock := newTestCoordinator()
	reaper := NewReaper(coord, clock, 10*time.Second)

	// The session stays alive; only its lock times out.
	holder := coord.CreateSession("holder", 0, nil)
	waiter := coord.CreateSession("waiter", 0, nil)
	if _, err := coord.Acquire("spectrometer-1", holder.SessionID, models.ModeExclusive, 30, false); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := coord.Acquire("spectrometer-1", waiter.SessionID, models.ModeExclusive, 0, true); err != nil {
		t.Fatalf("queueing acquire failed: %v", err)
	}

	clock.Advance(31 * time.Second)
	_, locks := reaper.Sweep(clock.Now())
	if locks != 1 {
		t.Fatalf("sweep reclaimed %d locks, want 1", locks)
	}
	if !coord.CanControl("spectrometer-1", waiter.SessionID) {
		t.Error("waiter should be promoted after the stale lock is reclaimed")
	}

	var expired bool
	for _, event := range coord.History("spectrometer-1") {
		if event.EventType == models.EventExpired && event.SessionID == holder.SessionID {
			expired = true
		}
	}
	if !expired {
		t.Error("history should record an expired event for the reclaimed lock")
	}
}

func TestReaper_RefreshedLockSurvivesSweep(t *testing.T) {
	coord, clock := newTestCoordinator()
	reaper := NewReaper(coord, clock, 10*time.Second)

	holder := coord.CreateSession("holder", 0, nil)
	if _, err := coord.Acquire("balance-2", holder.SessionID, models.ModeExclusive, 30, false); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// Re-acquiring refreshes the lock, restarting its timeout window.
	clock.Advance(20 * time.Second)
	if _, err := coord.Acquire("balance-2", holder.SessionID, models.ModeExclusive, 30, false); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	clock.Advance(20 * time.Second)
	if _, locks := reaper.Sweep(clock.Now()); locks != 0 {
		t.Fatalf("sweep reclaimed %d locks, want 0 for a refreshed lock", locks)
	}
	if !coord.CanControl("balance-2", holder.SessionID) {
		t.Error("refreshed lock should survive the sweep")
	}
}

func TestReaper_SweepNothingToDo(t *testing.T) {
	coord, clock := newTestCoordinator()
	reaper := NewReaper(coord, clock, 10*time.Second)

	if sessions, locks := reaper.Sweep(clock.Now()); sessions != 0 || locks != 0 {
		t.Errorf("empty sweep = %d sessions, %d locks, want 0, 0", sessions, locks)
	}
}

func TestReaper_StartStop(t *testing.T) {
	coord, clock := newTestCoordinator()
	reaper := NewReaper(coord, clock, time.Hour)

	reaper.Start()
	reaper.Start() // second start is a no-op
	reaper.Stop()
	reaper.Stop() // second stop is a no-op
}
