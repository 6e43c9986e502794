package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/huangang/interlock/internal/models"
)

func lockEvent(resourceID string, eventType models.LockEventType, n int) models.LockEvent {
	return models.LockEvent{
		EventType:  eventType,
		ResourceID: resourceID,
		SessionID:  fmt.Sprintf("session-%d", n),
		Mode:       models.ModeExclusive,
		Timestamp:  testEpoch.Add(time.Duration(n) * time.Second),
	}
}

func TestEventHub_HistoryOldestFirst(t *testing.T) {
	hub := NewEventHub(10)

	hub.Publish(lockEvent("reactor-1", models.EventAcquired, 1))
	hub.Publish(lockEvent("reactor-1", models.EventReleased, 2))
	hub.Publish(lockEvent("sensor-2", models.EventAcquired, 3))

	history := hub.History("reactor-1")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].EventType != models.EventAcquired || history[1].EventType != models.EventReleased {
		t.Errorf("history order = [%s, %s], want [acquired, released]", history[0].EventType, history[1].EventType)
	}
	if len(hub.History("sensor-2")) != 1 {
		t.Error("histories should be kept per resource")
	}
	if len(hub.History("unknown")) != 0 {
		t.Error("unknown resource should have an empty history")
	}
}

func TestEventHub_HistoryBounded(t *testing.T) {
	hub := NewEventHub(5)

	for i := 0; i < 8; i++ {
		hub.Publish(lockEvent("reactor-1", models.EventAcquired, i))
	}

	history := hub.History("reactor-1")
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	// The oldest three events were evicted.
	if history[0].SessionID != "session-3" {
		t.Errorf("oldest retained event = %s, want session-3", history[0].SessionID)
	}
	if history[4].SessionID != "session-7" {
		t.Errorf("newest retained event = %s, want session-7", history[4].SessionID)
	}
}

func TestEventHub_SubscribeReceives(t *testing.T) {
	hub := NewEventHub(10)
	ch := hub.Subscribe("audit-client")

	published := lockEvent("reactor-1", models.EventAcquired, 1)
	hub.Publish(published)

	select {
	case event := <-ch:
		if event.SessionID != published.SessionID {
			t.Errorf("received SessionID = %q, want %q", event.SessionID, published.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the published event")
	}
}

func TestEventHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewEventHub(10)
	hub.Subscribe("slow-client")

	// Nobody reads the channel; publishing must still return.
	for i := 0; i < 200; i++ {
		hub.Publish(lockEvent("reactor-1", models.EventAcquired, i))
	}

	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}
}

func TestEventHub_Unsubscribe(t *testing.T) {
	hub := NewEventHub(10)
	ch := hub.Subscribe("audit-client")
	hub.Unsubscribe("audit-client")

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}
	if _, open := <-ch; open {
		t.Error("unsubscribed channel should be closed")
	}
}
