package models

import "time"

// LockMode determines what a granted lock permits on a resource.
type LockMode string

const (
	ModeExclusive LockMode = "exclusive" // sole control, excludes every other lock
	ModeObserver  LockMode = "observer"  // read-only visibility, compatible with other observers
)

// Session represents a connected client identity, independent of any
// particular lock it may hold.
type Session struct {
	SessionID      string            `json:"session_id"`
	ClientName     string            `json:"client_name"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivity   time.Time         `json:"last_activity"`
	TimeoutSeconds int               `json:"timeout_seconds"` // 0 = never expires
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Lock is an exclusive or observer claim on one resource.
// AcquiredAt is the original grant time; RefreshedAt moves forward on
// activity and is what expiry is measured against.
type Lock struct {
	LockID         string    `json:"lock_id"`
	ResourceID     string    `json:"resource_id"`
	SessionID      string    `json:"session_id"`
	Mode           LockMode  `json:"mode"`
	AcquiredAt     time.Time `json:"acquired_at"`
	RefreshedAt    time.Time `json:"refreshed_at"`
	TimeoutSeconds int       `json:"timeout_seconds"` // 0 = never expires
}

// QueueEntry is a pending acquire waiting for a resource to free up.
// Seq is a process-wide monotonic counter so FIFO order is total even
// when two entries share the same enqueue timestamp.
type QueueEntry struct {
	QueueID        string    `json:"queue_id"`
	ResourceID     string    `json:"resource_id"`
	SessionID      string    `json:"session_id"`
	Mode           LockMode  `json:"mode"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Seq            uint64    `json:"-"`
	Position       int       `json:"position"` // 1-based rank, computed at read time
}

// HolderInfo is a holder entry in a LockStatus snapshot.
type HolderInfo struct {
	Lock
	ClientName           string  `json:"client_name,omitempty"`
	TimeRemainingSeconds float64 `json:"time_remaining_seconds"` // -1 when the lock never expires
}

// LockStatus is a read-only snapshot of one resource's lock state.
type LockStatus struct {
	ResourceID  string       `json:"resource_id"`
	Locked      bool         `json:"locked"`
	Mode        LockMode     `json:"mode,omitempty"` // exclusive or observer when locked
	Holders     []HolderInfo `json:"holders,omitempty"`
	QueueLength int          `json:"queue_length"`
}

// AcquireResult is the outcome of a lock acquire: either a granted lock
// or a queued entry, never both.
type AcquireResult struct {
	Granted bool        `json:"granted"`
	Lock    *Lock       `json:"lock,omitempty"`
	Entry   *QueueEntry `json:"entry,omitempty"`
}

// ReleaseResult reports whether a release changed anything and whether
// ownership was overridden to do it.
type ReleaseResult struct {
	Released  bool `json:"released"`
	WasForced bool `json:"was_forced"`
}
