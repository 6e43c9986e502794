package models

import "time"

// LockEventType identifies a lock state transition.
type LockEventType string

const (
	EventAcquired      LockEventType = "acquired"
	EventReleased      LockEventType = "released"
	EventExpired       LockEventType = "expired"
	EventQueued        LockEventType = "queued"
	EventPromoted      LockEventType = "promoted"
	EventForceReleased LockEventType = "force_released"
	EventCancelled     LockEventType = "cancelled"
)

// LockEvent is one entry in a resource's audit trail. Every lock state
// change emits exactly one event per affected lock or queue entry.
type LockEvent struct {
	EventType  LockEventType `json:"event_type"`
	ResourceID string        `json:"resource_id"`
	SessionID  string        `json:"session_id"`
	Mode       LockMode      `json:"mode"`
	Timestamp  time.Time     `json:"timestamp"`
	Details    string        `json:"details,omitempty"`
}
