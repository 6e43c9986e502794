package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/interlock/internal/models"
)

// LockTable is the authoritative map of resource id to current holders
// and wait queue. All methods are synchronized on a single mutex; none
// of them block beyond that critical section.
type LockTable struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	clock     Clock
	seq       uint64
	// alive reports whether a session may be granted a lock. Checked
	// inside the critical section so a session sweep and a concurrent
	// acquire cannot interleave into an orphan lock.
	alive func(sessionID string) bool
}

type resourceState struct {
	holders []*models.Lock
	queue   []*models.QueueEntry
}

// NewLockTable creates an empty table. alive may be nil, in which case
// every session id is accepted.
func NewLockTable(clock Clock, alive func(sessionID string) bool) *LockTable {
	if clock == nil {
		clock = SystemClock()
	}
	return &LockTable{
		resources: make(map[string]*resourceState),
		clock:     clock,
		alive:     alive,
	}
}

// releaseOutcome reports what a release changed: the locks removed, the
// queue entries granted in their place, and the result for the caller.
type releaseOutcome struct {
	result   models.ReleaseResult
	released []models.Lock
	promoted []models.Lock
	err      error
}

// sessionReleaseOutcome reports the cascade of ending a session: every
// lock it held, every queue entry it had pending, and the promotions
// those releases triggered.
type sessionReleaseOutcome struct {
	released  []models.Lock
	cancelled []models.QueueEntry
	promoted  []models.Lock
}

// Acquire grants a lock, queues the request, or reports the conflict.
// Re-acquiring a compatible lock already held by the session refreshes
// its timeout and returns the same lock id.
func (t *LockTable) Acquire(resourceID, sessionID string, mode models.LockMode, timeoutSeconds int, queueIfBusy bool) (*models.AcquireResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.alive != nil && !t.alive(sessionID) {
		return nil, ErrNotFound
	}

	now := t.clock.Now()
	st := t.resources[resourceID]
	if st == nil {
		st = &resourceState{}
		t.resources[resourceID] = st
	}

	// Idempotent re-acquire: holding exclusive covers any re-request;
	// holding observer covers another observer request. An observer
	// holder asking for exclusive conflicts with its own lock and falls
	// through to the busy path.
	if own := holderLock(st, sessionID); own != nil {
		if own.Mode == models.ModeExclusive || mode == models.ModeObserver {
			own.RefreshedAt = now
			own.TimeoutSeconds = timeoutSeconds
			granted := *own
			return &models.AcquireResult{Granted: true, Lock: &granted}, nil
		}
	}

	if conflict := conflictingLock(st, mode); conflict == nil {
		lock := &models.Lock{
			LockID:         uuid.NewString(),
			ResourceID:     resourceID,
			SessionID:      sessionID,
			Mode:           mode,
			AcquiredAt:     now,
			RefreshedAt:    now,
			TimeoutSeconds: timeoutSeconds,
		}
		st.holders = append(st.holders, lock)
		granted := *lock
		return &models.AcquireResult{Granted: true, Lock: &granted}, nil
	}

	if !queueIfBusy {
		conflict := conflictingLock(st, mode)
		return nil, &BusyError{
			ResourceID:    resourceID,
			HolderMode:    conflict.Mode,
			HolderSession: conflict.SessionID,
			HolderCount:   len(st.holders),
		}
	}

	// A session queues at most once per resource; repeating the request
	// returns the existing entry at its current position.
	for i, entry := range st.queue {
		if entry.SessionID == sessionID {
			queued := *entry
			queued.Position = i + 1
			return &models.AcquireResult{Entry: &queued}, nil
		}
	}

	t.seq++
	entry := &models.QueueEntry{
		QueueID:        uuid.NewString(),
		ResourceID:     resourceID,
		SessionID:      sessionID,
		Mode:           mode,
		TimeoutSeconds: timeoutSeconds,
		EnqueuedAt:     now,
		Seq:            t.seq,
	}
	st.queue = append(st.queue, entry)

	queued := *entry
	queued.Position = len(st.queue)
	return &models.AcquireResult{Entry: &queued}, nil
}

// Release removes the caller's lock on a resource, or with force every
// lock on it regardless of ownership. Releasing a resource nobody holds
// is a no-op, never an error. A release by a non-holder without force
// fails with ErrPermissionDenied.
func (t *LockTable) Release(resourceID, sessionID string, force bool) releaseOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.resources[resourceID]
	if st == nil || len(st.holders) == 0 {
		return releaseOutcome{result: models.ReleaseResult{Released: false}}
	}

	own := holderLock(st, sessionID)
	if own == nil && !force {
		return releaseOutcome{err: ErrPermissionDenied}
	}

	var released []models.Lock
	if force {
		for _, lock := range st.holders {
			released = append(released, *lock)
		}
		st.holders = nil
	} else {
		released = append(released, *own)
		removeHolder(st, sessionID)
	}

	promoted := t.promote(st)
	t.compact(resourceID, st)

	// A release only counts as forced when it took a lock away from
	// another session; force-releasing your own lock is a normal release.
	wasForced := false
	if force {
		for _, lock := range released {
			if lock.SessionID != sessionID {
				wasForced = true
				break
			}
		}
	}
	return releaseOutcome{
		result:   models.ReleaseResult{Released: true, WasForced: wasForced},
		released: released,
		promoted: promoted,
	}
}

// ReleaseSession removes every lock and queue entry belonging to a
// session across all resources, promoting waiters as each resource
// frees up. Used for the end-session and expiry cascades.
func (t *LockTable) ReleaseSession(sessionID string) sessionReleaseOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out sessionReleaseOutcome
	for resourceID, st := range t.resources {
		kept := st.queue[:0]
		for _, entry := range st.queue {
			if entry.SessionID == sessionID {
				out.cancelled = append(out.cancelled, *entry)
			} else {
				kept = append(kept, entry)
			}
		}
		st.queue = kept

		if own := holderLock(st, sessionID); own != nil {
			out.released = append(out.released, *own)
			removeHolder(st, sessionID)
			out.promoted = append(out.promoted, t.promote(st)...)
		}
		t.compact(resourceID, st)
	}
	return out
}

// SweepExpired releases every lock whose refresh age exceeds its
// timeout at now. Promotions follow the same path as a normal release.
func (t *LockTable) SweepExpired(now time.Time) (released, promoted []models.Lock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for resourceID, st := range t.resources {
		kept := st.holders[:0]
		for _, lock := range st.holders {
			if lockExpired(lock, now) {
				released = append(released, *lock)
			} else {
				kept = append(kept, lock)
			}
		}
		if len(kept) == len(st.holders) {
			continue
		}
		st.holders = kept
		promoted = append(promoted, t.promote(st)...)
		t.compact(resourceID, st)
	}
	return released, promoted
}

// Dequeue withdraws a session's pending entry for a resource. It is
// idempotent: withdrawing an absent entry returns false.
func (t *LockTable) Dequeue(resourceID, sessionID string) (*models.QueueEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.resources[resourceID]
	if st == nil {
		return nil, false
	}
	for i, entry := range st.queue {
		if entry.SessionID == sessionID {
			cancelled := *entry
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			t.compact(resourceID, st)
			return &cancelled, true
		}
	}
	return nil, false
}

// Status returns a read-only snapshot of one resource's lock state.
func (t *LockTable) Status(resourceID string) *models.LockStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := &models.LockStatus{ResourceID: resourceID}
	st := t.resources[resourceID]
	if st == nil {
		return status
	}

	now := t.clock.Now()
	for _, lock := range st.holders {
		info := models.HolderInfo{Lock: *lock, TimeRemainingSeconds: -1}
		if lock.TimeoutSeconds > 0 {
			remaining := time.Duration(lock.TimeoutSeconds)*time.Second - now.Sub(lock.RefreshedAt)
			if remaining < 0 {
				remaining = 0
			}
			info.TimeRemainingSeconds = remaining.Seconds()
		}
		status.Holders = append(status.Holders, info)
	}

	if len(st.holders) > 0 {
		status.Locked = true
		status.Mode = models.ModeObserver
		for _, lock := range st.holders {
			if lock.Mode == models.ModeExclusive {
				status.Mode = models.ModeExclusive
			}
		}
	}
	status.QueueLength = len(st.queue)
	return status
}

// Queue returns the pending entries for a resource in FIFO order, with
// 1-based positions filled in.
func (t *LockTable) Queue(resourceID string) []models.QueueEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.resources[resourceID]
	if st == nil {
		return nil
	}
	entries := make([]models.QueueEntry, 0, len(st.queue))
	for i, entry := range st.queue {
		snapshot := *entry
		snapshot.Position = i + 1
		entries = append(entries, snapshot)
	}
	return entries
}

// CanControl reports whether the session holds the exclusive lock on
// the resource.
func (t *LockTable) CanControl(resourceID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.resources[resourceID]
	if st == nil {
		return false
	}
	own := holderLock(st, sessionID)
	return own != nil && own.Mode == models.ModeExclusive
}

// CanObserve reports whether the session holds any lock on the resource.
func (t *LockTable) CanObserve(resourceID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.resources[resourceID]
	if st == nil {
		return false
	}
	return holderLock(st, sessionID) != nil
}

// promote grants queued entries while they are compatible with the
// remaining holders: observers are granted together, an exclusive entry
// alone and only on an empty resource. FIFO order is never bypassed.
func (t *LockTable) promote(st *resourceState) []models.Lock {
	var promoted []models.Lock
	now := t.clock.Now()

	for len(st.queue) > 0 {
		head := st.queue[0]
		if head.Mode == models.ModeExclusive {
			if len(st.holders) > 0 {
				break
			}
		} else if hasExclusive(st) {
			break
		}

		lock := &models.Lock{
			LockID:         uuid.NewString(),
			ResourceID:     head.ResourceID,
			SessionID:      head.SessionID,
			Mode:           head.Mode,
			AcquiredAt:     now,
			RefreshedAt:    now,
			TimeoutSeconds: head.TimeoutSeconds,
		}
		st.holders = append(st.holders, lock)
		st.queue = st.queue[1:]
		promoted = append(promoted, *lock)
	}
	return promoted
}

// compact drops the state record for a resource nobody holds or waits
// on, so the table does not grow with every resource id ever seen.
func (t *LockTable) compact(resourceID string, st *resourceState) {
	if len(st.holders) == 0 && len(st.queue) == 0 {
		delete(t.resources, resourceID)
	}
}

func holderLock(st *resourceState, sessionID string) *models.Lock {
	for _, lock := range st.holders {
		if lock.SessionID == sessionID {
			return lock
		}
	}
	return nil
}

func removeHolder(st *resourceState, sessionID string) {
	kept := st.holders[:0]
	for _, lock := range st.holders {
		if lock.SessionID != sessionID {
			kept = append(kept, lock)
		}
	}
	st.holders = kept
}

func hasExclusive(st *resourceState) bool {
	for _, lock := range st.holders {
		if lock.Mode == models.ModeExclusive {
			return true
		}
	}
	return false
}

// conflictingLock returns a holder incompatible with the requested
// mode: any holder blocks exclusive, an exclusive holder blocks
// observers.
func conflictingLock(st *resourceState, mode models.LockMode) *models.Lock {
	if mode == models.ModeExclusive {
		if len(st.holders) > 0 {
			return st.holders[0]
		}
		return nil
	}
	for _, lock := range st.holders {
		if lock.Mode == models.ModeExclusive {
			return lock
		}
	}
	return nil
}

func lockExpired(lock *models.Lock, now time.Time) bool {
	if lock.TimeoutSeconds == 0 {
		return false
	}
	return now.Sub(lock.RefreshedAt) > time.Duration(lock.TimeoutSeconds)*time.Second
}
