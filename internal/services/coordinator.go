package services

import (
	"fmt"
	"time"

	"github.com/huangang/interlock/internal/metrics"
	"github.com/huangang/interlock/internal/models"
	"github.com/huangang/interlock/pkg/logger"
)

// LockCoordinator is the public face of the locking core: it combines
// the session registry and the lock table, emits an audit event for
// every state change, and keeps the two consistent when sessions end.
//
// All methods are synchronous and non-blocking; an acquire that cannot
// be granted either queues or fails, it never waits.
type LockCoordinator struct {
	sessions *SessionRegistry
	table    *LockTable
	hub      *EventHub
	clock    Clock
}

// NewLockCoordinator wires a registry, lock table and event hub around
// the given clock. eventLogSize bounds the per-resource audit history;
// defaultSessionTimeout (seconds) applies to sessions created without
// an explicit timeout.
func NewLockCoordinator(clock Clock, eventLogSize, defaultSessionTimeout int) *LockCoordinator {
	if clock == nil {
		clock = SystemClock()
	}
	c := &LockCoordinator{
		sessions: NewSessionRegistry(clock, defaultSessionTimeout),
		hub:      NewEventHub(eventLogSize),
		clock:    clock,
	}
	c.table = NewLockTable(clock, c.sessions.IsLive)
	return c
}

// Events returns the hub streaming lock events to subscribers.
func (c *LockCoordinator) Events() *EventHub { return c.hub }

// History returns the retained audit events for a resource, oldest first.
func (c *LockCoordinator) History(resourceID string) []models.LockEvent {
	return c.hub.History(resourceID)
}

// --- Sessions ---

// CreateSession registers a new client identity. timeoutSeconds < 0
// selects the configured default; 0 disables expiry.
func (c *LockCoordinator) CreateSession(clientName string, timeoutSeconds int, metadata map[string]string) *models.Session {
	session := c.sessions.CreateSession(clientName, timeoutSeconds, metadata)
	metrics.SessionsActive.Inc()
	logger.Debug().
		Str("session_id", session.SessionID).
		Str("client", clientName).
		Int("timeout", session.TimeoutSeconds).
		Msg("session created")
	return session
}

// Touch refreshes a session's activity timestamp; false means the
// session is unknown or already expired.
func (c *LockCoordinator) Touch(sessionID string) bool {
	return c.sessions.Touch(sessionID)
}

// GetSession returns a copy of the session, or false if unknown.
func (c *LockCoordinator) GetSession(sessionID string) (*models.Session, bool) {
	return c.sessions.Get(sessionID)
}

// SessionCount returns the number of live sessions.
func (c *LockCoordinator) SessionCount() int { return c.sessions.Count() }

// EndSession removes the session and releases every lock it holds,
// cancelling its queued requests and promoting waiters on each freed
// resource. Ending an unknown session is a no-op returning 0.
func (c *LockCoordinator) EndSession(sessionID string) int {
	if _, ok := c.sessions.Remove(sessionID); !ok {
		return 0
	}
	metrics.SessionsActive.Dec()

	out := c.table.ReleaseSession(sessionID)
	c.emitCascade(out, models.EventReleased, "session ended")

	if n := len(out.released); n > 0 {
		logger.Debug().
			Str("session_id", sessionID).
			Int("released", n).
			Int("cancelled", len(out.cancelled)).
			Msg("session ended")
	}
	return len(out.released)
}

// --- Locks ---

// Acquire grants a lock on the resource, queues the request when busy
// and queueIfBusy is set, or fails with a BusyError wrapping
// ErrResourceBusy. Re-acquiring a held compatible lock refreshes it.
func (c *LockCoordinator) Acquire(resourceID, sessionID string, mode models.LockMode, timeoutSeconds int, queueIfBusy bool) (*models.AcquireResult, error) {
	if resourceID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: resource_id and session_id are required", ErrInvalidArgument)
	}
	if mode != models.ModeExclusive && mode != models.ModeObserver {
		return nil, fmt.Errorf("%w: unknown lock mode %q", ErrInvalidArgument, mode)
	}
	if timeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: negative lock timeout", ErrInvalidArgument)
	}
	if !c.sessions.IsLive(sessionID) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	result, err := c.table.Acquire(resourceID, sessionID, mode, timeoutSeconds, queueIfBusy)
	if err != nil {
		metrics.AcquiresTotal.WithLabelValues("busy").Inc()
		return nil, err
	}

	if result.Granted {
		metrics.AcquiresTotal.WithLabelValues("granted").Inc()
		c.emit(models.EventAcquired, result.Lock.ResourceID, result.Lock.SessionID, result.Lock.Mode,
			fmt.Sprintf("lock %s granted", result.Lock.LockID))
	} else {
		metrics.AcquiresTotal.WithLabelValues("queued").Inc()
		c.emit(models.EventQueued, result.Entry.ResourceID, result.Entry.SessionID, result.Entry.Mode,
			fmt.Sprintf("queued at position %d", result.Entry.Position))
	}
	return result, nil
}

// Release removes the caller's lock, or with force every lock on the
// resource regardless of ownership. Promoted waiters are granted in
// FIFO order before Release returns. Releasing an unheld resource is a
// no-op with Released=false.
func (c *LockCoordinator) Release(resourceID, sessionID string, force bool) (*models.ReleaseResult, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("%w: resource_id is required", ErrInvalidArgument)
	}

	out := c.table.Release(resourceID, sessionID, force)
	if out.err != nil {
		return nil, out.err
	}

	eventType := models.EventReleased
	details := fmt.Sprintf("released by %s", sessionID)
	if out.result.WasForced {
		eventType = models.EventForceReleased
		details = fmt.Sprintf("forced by %s", sessionID)
		logger.Warn().
			Str("resource_id", resourceID).
			Str("actor", sessionID).
			Int("locks", len(out.released)).
			Msg("lock force-released")
	}
	for _, lock := range out.released {
		c.emit(eventType, lock.ResourceID, lock.SessionID, lock.Mode, details)
	}
	c.emitPromotions(out.promoted)

	return &out.result, nil
}

// Dequeue withdraws the session's pending request for a resource.
// Withdrawing an absent request is a no-op returning false.
func (c *LockCoordinator) Dequeue(resourceID, sessionID string) bool {
	entry, ok := c.table.Dequeue(resourceID, sessionID)
	if !ok {
		return false
	}
	c.emit(models.EventCancelled, entry.ResourceID, entry.SessionID, entry.Mode, "dequeued")
	return true
}

// Status returns a read-only snapshot of the resource's lock state with
// holder client names resolved. It never mutates state.
func (c *LockCoordinator) Status(resourceID string) *models.LockStatus {
	status := c.table.Status(resourceID)
	for i := range status.Holders {
		if session, ok := c.sessions.Get(status.Holders[i].SessionID); ok {
			status.Holders[i].ClientName = session.ClientName
		}
	}
	return status
}

// ListQueue returns the pending entries for a resource in FIFO order.
func (c *LockCoordinator) ListQueue(resourceID string) []models.QueueEntry {
	return c.table.Queue(resourceID)
}

// CanControl reports whether the session holds the exclusive lock on
// the resource.
func (c *LockCoordinator) CanControl(resourceID, sessionID string) bool {
	return c.table.CanControl(resourceID, sessionID)
}

// CanObserve reports whether the session holds any lock on the resource.
func (c *LockCoordinator) CanObserve(resourceID, sessionID string) bool {
	return c.table.CanObserve(resourceID, sessionID)
}

// --- Reaper hooks ---

// SweepExpiredSessions ends every session whose inactivity exceeds its
// timeout at now, cascading exactly like EndSession. Returns the ended
// sessions.
func (c *LockCoordinator) SweepExpiredSessions(now time.Time) []models.Session {
	expired := c.sessions.RemoveExpired(now)
	for _, session := range expired {
		metrics.SessionsActive.Dec()
		out := c.table.ReleaseSession(session.SessionID)
		c.emitCascade(out, models.EventExpired, fmt.Sprintf("session %s expired", session.SessionID))
	}
	return expired
}

// SweepExpiredLocks releases every lock past its timeout at now,
// promoting waiters through the ordinary release path. Returns the
// reclaimed locks.
func (c *LockCoordinator) SweepExpiredLocks(now time.Time) []models.Lock {
	released, promoted := c.table.SweepExpired(now)
	for _, lock := range released {
		c.emit(models.EventExpired, lock.ResourceID, lock.SessionID, lock.Mode,
			fmt.Sprintf("lock %s timed out", lock.LockID))
	}
	c.emitPromotions(promoted)
	return released
}

// --- Event plumbing ---

// emit publishes one audit event and keeps the gauges in step with it.
// Every lock or queue-entry transition passes through here exactly once.
func (c *LockCoordinator) emit(eventType models.LockEventType, resourceID, sessionID string, mode models.LockMode, details string) {
	switch eventType {
	case models.EventAcquired:
		metrics.LocksHeld.WithLabelValues(resourceID).Inc()
	case models.EventPromoted:
		metrics.LocksHeld.WithLabelValues(resourceID).Inc()
		metrics.QueueDepth.WithLabelValues(resourceID).Dec()
	case models.EventReleased:
		metrics.LocksHeld.WithLabelValues(resourceID).Dec()
		metrics.ReleasesTotal.WithLabelValues("released").Inc()
	case models.EventForceReleased:
		metrics.LocksHeld.WithLabelValues(resourceID).Dec()
		metrics.ReleasesTotal.WithLabelValues("force_released").Inc()
	case models.EventExpired:
		metrics.LocksHeld.WithLabelValues(resourceID).Dec()
		metrics.ReleasesTotal.WithLabelValues("expired").Inc()
	case models.EventQueued:
		metrics.QueueDepth.WithLabelValues(resourceID).Inc()
	case models.EventCancelled:
		metrics.QueueDepth.WithLabelValues(resourceID).Dec()
	}

	c.hub.Publish(models.LockEvent{
		EventType:  eventType,
		ResourceID: resourceID,
		SessionID:  sessionID,
		Mode:       mode,
		Timestamp:  c.clock.Now(),
		Details:    details,
	})
}

// emitCascade publishes the events for a session-wide release. cause is
// the event type for the released locks (released for an explicit end,
// expired for a sweep).
func (c *LockCoordinator) emitCascade(out sessionReleaseOutcome, cause models.LockEventType, details string) {
	for _, entry := range out.cancelled {
		c.emit(models.EventCancelled, entry.ResourceID, entry.SessionID, entry.Mode, details)
	}
	for _, lock := range out.released {
		c.emit(cause, lock.ResourceID, lock.SessionID, lock.Mode, details)
	}
	c.emitPromotions(out.promoted)
}

func (c *LockCoordinator) emitPromotions(promoted []models.Lock) {
	for _, lock := range promoted {
		c.emit(models.EventPromoted, lock.ResourceID, lock.SessionID, lock.Mode,
			fmt.Sprintf("lock %s promoted from queue", lock.LockID))
	}
}
