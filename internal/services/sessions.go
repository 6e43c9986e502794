package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/interlock/internal/models"
)

// DefaultSessionTimeout is applied to sessions created with a negative
// timeout (caller left it unset). A timeout of 0 means never expires.
const DefaultSessionTimeout = 300

// SessionRegistry owns client session lifecycle: creation, activity
// refresh and expiry. It knows nothing about locks; the coordinator
// cascades lock release when a session ends.
type SessionRegistry struct {
	mu             sync.Mutex
	sessions       map[string]*models.Session
	clock          Clock
	defaultTimeout int
}

// NewSessionRegistry creates an empty registry. defaultTimeout (seconds)
// is applied to sessions created without an explicit timeout; <= 0
// keeps the built-in default.
func NewSessionRegistry(clock Clock, defaultTimeout int) *SessionRegistry {
	if clock == nil {
		clock = SystemClock()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultSessionTimeout
	}
	return &SessionRegistry{
		sessions:       make(map[string]*models.Session),
		clock:          clock,
		defaultTimeout: defaultTimeout,
	}
}

// CreateSession registers a new client identity. It always succeeds.
// timeoutSeconds < 0 selects the registry default; 0 disables expiry.
func (r *SessionRegistry) CreateSession(clientName string, timeoutSeconds int, metadata map[string]string) *models.Session {
	if timeoutSeconds < 0 {
		timeoutSeconds = r.defaultTimeout
	}

	now := r.clock.Now()
	session := &models.Session{
		SessionID:      uuid.NewString(),
		ClientName:     clientName,
		CreatedAt:      now,
		LastActivity:   now,
		TimeoutSeconds: timeoutSeconds,
		Metadata:       metadata,
	}

	r.mu.Lock()
	r.sessions[session.SessionID] = session
	r.mu.Unlock()

	snapshot := *session
	return &snapshot
}

// Touch refreshes a session's activity timestamp. It returns false if
// the session is unknown or already past its timeout; an expired
// session cannot be revived by touching it.
func (r *SessionRegistry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	now := r.clock.Now()
	if sessionExpired(session, now) {
		return false
	}

	session.LastActivity = now
	return true
}

// Get returns a copy of the session, or false if unknown.
func (r *SessionRegistry) Get(sessionID string) (*models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	snapshot := *session
	return &snapshot, true
}

// Remove deletes the session and returns it. Removing an unknown
// session is a no-op returning false.
func (r *SessionRegistry) Remove(sessionID string) (*models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)
	return session, true
}

// RemoveExpired atomically collects and deletes every session whose
// inactivity exceeds its timeout at now. The removed sessions are
// returned so the caller can cascade lock release.
func (r *SessionRegistry) RemoveExpired(now time.Time) []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.Session
	for id, session := range r.sessions {
		if sessionExpired(session, now) {
			expired = append(expired, *session)
			delete(r.sessions, id)
		}
	}
	return expired
}

// IsLive reports whether the session exists and has not passed its
// timeout. Used by the lock table to refuse grants to dead sessions.
func (r *SessionRegistry) IsLive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return !sessionExpired(session, r.clock.Now())
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func sessionExpired(session *models.Session, now time.Time) bool {
	if session.TimeoutSeconds == 0 {
		return false
	}
	return now.Sub(session.LastActivity) > time.Duration(session.TimeoutSeconds)*time.Second
}
