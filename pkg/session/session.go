// Package session implements the Session Store (§4.5): the in-memory
// registry of realtime sessions, keyed by sessionId with secondary indexes
// by userId, characterId, and instanceId. Heartbeat recency drives the
// Inactivity Sweep (pkg/janitor); LastSequenceNumber backs the Sequence
// Evaluator (pkg/sequence) via the Store's LastSequence/Acknowledge methods.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the tagged lifecycle state of a session.
type Status string

const (
	StatusActive      Status = "active"
	StatusGrace       Status = "grace"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Session is one tracked connection's durable identity and progress.
type Session struct {
	SessionID          string
	UserID             string
	CharacterID        string
	InstanceID         string
	Status             Status
	LastSequenceNumber int64
	LastHeartbeatAt    time.Time
	CreatedAt          time.Time
	GraceExpiresAt     *time.Time
}

// CreateOrUpdateInput is the caller-supplied half of createOrUpdate.
type CreateOrUpdateInput struct {
	SessionID   string
	UserID      string
	CharacterID string
	InstanceID  string
	Status      Status
}

// Store is the Session Store: safe for concurrent use from the admission
// path, room loops, the janitor, and the reconnect service.
type Store struct {
	mu          sync.RWMutex
	bySession   map[string]*Session
	byUser      map[string]map[string]struct{}
	byCharacter map[string]map[string]struct{}
	byInstance  map[string]map[string]struct{}
	log         *logrus.Entry
}

// NewStore constructs an empty Session Store.
func NewStore() *Store {
	return &Store{
		bySession:   make(map[string]*Session),
		byUser:      make(map[string]map[string]struct{}),
		byCharacter: make(map[string]map[string]struct{}),
		byInstance:  make(map[string]map[string]struct{}),
		log:         logrus.WithField("component", "session.Store"),
	}
}

// CreateOrUpdate inserts a new session or updates an existing one's mutable
// fields (instance, status) in place, preserving LastSequenceNumber and
// CreatedAt when the session already exists.
func (s *Store) CreateOrUpdate(input CreateOrUpdateInput) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bySession[input.SessionID]; ok {
		s.unindexLocked(existing)
		existing.UserID = input.UserID
		existing.CharacterID = input.CharacterID
		existing.InstanceID = input.InstanceID
		if input.Status != "" {
			existing.Status = input.Status
		}
		s.indexLocked(existing)
		return *existing
	}

	status := input.Status
	if status == "" {
		status = StatusActive
	}
	now := time.Now().UTC()
	sess := &Session{
		SessionID:       input.SessionID,
		UserID:          input.UserID,
		CharacterID:     input.CharacterID,
		InstanceID:      input.InstanceID,
		Status:          status,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	s.bySession[sess.SessionID] = sess
	s.indexLocked(sess)
	return *sess
}

// Get returns a copy of the session for sessionID.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.bySession[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// SetStatus transitions a session's status, optionally stamping a grace
// deadline (relevant only when status == StatusGrace).
func (s *Store) SetStatus(sessionID string, status Status, graceExpiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.bySession[sessionID]
	if !ok {
		return fmt.Errorf("session: no session %q", sessionID)
	}
	sess.Status = status
	sess.GraceExpiresAt = graceExpiresAt
	return nil
}

// RecordHeartbeat stamps LastHeartbeatAt to at; used by liveness pings and
// any intent processing to keep the Inactivity Sweep from reaping an
// active connection.
func (s *Store) RecordHeartbeat(sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.bySession[sessionID]
	if !ok {
		return fmt.Errorf("session: no session %q", sessionID)
	}
	sess.LastHeartbeatAt = at
	return nil
}

// RecordActionSequence advances LastSequenceNumber to max(current, sequence).
// It never regresses, matching the Sequence Evaluator's acknowledge
// contract (§4.3), and Store satisfies sequence.SessionLookup through this
// method and LastSequence below.
func (s *Store) RecordActionSequence(sessionID string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.bySession[sessionID]
	if !ok {
		return fmt.Errorf("session: no session %q", sessionID)
	}
	if sequence > sess.LastSequenceNumber {
		sess.LastSequenceNumber = sequence
	}
	return nil
}

// Acknowledge is an alias for RecordActionSequence so *Store satisfies
// pkg/sequence's SessionLookup interface directly.
func (s *Store) Acknowledge(sessionID string, sequence int64) error {
	return s.RecordActionSequence(sessionID, sequence)
}

// LastSequence returns the last-acknowledged sequence number for a session,
// satisfying pkg/sequence's SessionLookup interface.
func (s *Store) LastSequence(sessionID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.bySession[sessionID]
	if !ok {
		return 0, false
	}
	return sess.LastSequenceNumber, true
}

// Filter narrows ListSessions; zero-value fields are ignored.
type Filter struct {
	UserID      string
	CharacterID string
	InstanceID  string
}

// ListSessions returns every session matching a non-empty filter field;
// an empty Filter returns every session.
func (s *Store) ListSessions(filter Filter) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.candidateSetLocked(filter)
	out := make([]Session, 0, len(candidates))
	for id := range candidates {
		if sess, ok := s.bySession[id]; ok {
			out = append(out, *sess)
		}
	}
	return out
}

func (s *Store) candidateSetLocked(filter Filter) map[string]struct{} {
	switch {
	case filter.UserID != "":
		return s.byUser[filter.UserID]
	case filter.CharacterID != "":
		return s.byCharacter[filter.CharacterID]
	case filter.InstanceID != "":
		return s.byInstance[filter.InstanceID]
	default:
		all := make(map[string]struct{}, len(s.bySession))
		for id := range s.bySession {
			all[id] = struct{}{}
		}
		return all
	}
}

// Remove deletes a session and its secondary-index entries.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.bySession[sessionID]
	if !ok {
		return
	}
	s.unindexLocked(sess)
	delete(s.bySession, sessionID)
}

// RenameSession moves a session's state to a new sessionId, preserving
// LastSequenceNumber and all other fields. Used by the Reconnect Service
// when rotating sessionId -> newSessionId on a successful reconnect (§4.14).
func (s *Store) RenameSession(oldSessionID, newSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.bySession[oldSessionID]
	if !ok {
		return fmt.Errorf("session: no session %q", oldSessionID)
	}
	s.unindexLocked(sess)
	delete(s.bySession, oldSessionID)

	sess.SessionID = newSessionID
	s.bySession[newSessionID] = sess
	s.indexLocked(sess)
	return nil
}

// GetExpiredGraceSessions returns every session in StatusGrace whose
// GraceExpiresAt has passed as of now.
func (s *Store) GetExpiredGraceSessions(now time.Time) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.bySession {
		if sess.Status == StatusGrace && sess.GraceExpiresAt != nil && now.After(*sess.GraceExpiresAt) {
			out = append(out, *sess)
		}
	}
	return out
}

func (s *Store) indexLocked(sess *Session) {
	addTo(s.byUser, sess.UserID, sess.SessionID)
	addTo(s.byCharacter, sess.CharacterID, sess.SessionID)
	addTo(s.byInstance, sess.InstanceID, sess.SessionID)
}

func (s *Store) unindexLocked(sess *Session) {
	removeFrom(s.byUser, sess.UserID, sess.SessionID)
	removeFrom(s.byCharacter, sess.CharacterID, sess.SessionID)
	removeFrom(s.byInstance, sess.InstanceID, sess.SessionID)
}

func addTo(index map[string]map[string]struct{}, key, sessionID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[sessionID] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, key, sessionID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(index, key)
	}
}
