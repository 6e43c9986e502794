package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/huangang/interlock/internal/models"
)

func TestLockTable_AliveCallbackBlocksDeadSessions(t *testing.T) {
	clock := newFakeClock(testEpoch)
	live := map[string]bool{"alive": true}
	table := NewLockTable(clock, func(sessionID string) bool { return live[sessionID] })

	if _, err := table.Acquire("reactor-1", "alive", models.ModeExclusive, 0, false); err != nil {
		t.Fatalf("acquire for live session failed: %v", err)
	}

	_, err := table.Acquire("reactor-2", "dead", models.ModeExclusive, 0, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("acquire for dead session error = %v, want ErrNotFound", err)
	}

	// A session swept between registry removal and table acquire must
	// not leave an orphan lock behind.
	live["alive"] = false
	_, err = table.Acquire("reactor-3", "alive", models.ModeExclusive, 0, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("acquire after sweep error = %v, want ErrNotFound", err)
	}
}

func TestLockTable_QueueOrderStableForSimultaneousEnqueues(t *testing.T) {
	clock := newFakeClock(testEpoch)
	table := NewLockTable(clock, nil)

	if _, err := table.Acquire("reactor-1", "holder", models.ModeExclusive, 0, false); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// All entries share one enqueue timestamp; arrival order still wins.
	for i := 0; i < 5; i++ {
		session := fmt.Sprintf("waiter-%d", i)
		result, err := table.Acquire("reactor-1", session, models.ModeExclusive, 0, true)
		if err != nil {
			t.Fatalf("queueing acquire failed: %v", err)
		}
		if result.Entry.Position != i+1 {
			t.Errorf("%s position = %d, want %d", session, result.Entry.Position, i+1)
		}
	}

	queue := table.Queue("reactor-1")
	for i, entry := range queue {
		want := fmt.Sprintf("waiter-%d", i)
		if entry.SessionID != want {
			t.Errorf("queue[%d] = %s, want %s", i, entry.SessionID, want)
		}
		if i > 0 && entry.Seq <= queue[i-1].Seq {
			t.Errorf("queue[%d] seq %d should exceed its predecessor's %d", i, entry.Seq, queue[i-1].Seq)
		}
	}
}

func TestLockTable_CompactsIdleResources(t *testing.T) {
	clock := newFakeClock(testEpoch)
	table := NewLockTable(clock, nil)

	if _, err := table.Acquire("reactor-1", "operator", models.ModeExclusive, 0, false); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	out := table.Release("reactor-1", "operator", false)
	if out.err != nil || !out.result.Released {
		t.Fatalf("release failed: %+v", out)
	}

	table.mu.Lock()
	remaining := len(table.resources)
	table.mu.Unlock()
	if remaining != 0 {
		t.Errorf("resource table still tracks %d idle resources, want 0", remaining)
	}
}
