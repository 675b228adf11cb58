// Package janitor implements the Janitor & Inactivity Sweep (§4.15): a
// periodic, single-flight job that expires grace sessions, reaps inactive
// connections, evicts orphaned queue entries, and repairs cache keys that
// lost their TTL.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/pkg/reconnect"
	"github.com/tilemud/core/pkg/session"
)

const (
	defaultInterval          = 60 * time.Second
	defaultGraceBuffer       = 5 * time.Second
	defaultInactivityTimeout = 600 * time.Second
)

// RoomQueue is the subset of a Battle Room the orphan queue entries phase
// needs. Declaring it here (the consumer) keeps this package from
// importing pkg/room; cmd/server wires a concrete RoomDirectory over the
// lobby's live rooms.
type RoomQueue interface {
	InstanceID() string
	PendingCharacterIDs() []string
	EvictOrphanCharacter(characterID string) int
}

// RoomDirectory enumerates the rooms currently live, for the orphan queue
// sweep.
type RoomDirectory interface {
	Rooms() []RoomQueue
}

// Config tunes sweep cadence and thresholds; zero values take spec defaults.
type Config struct {
	Interval          time.Duration
	GraceBuffer       time.Duration
	InactivityTimeout time.Duration
}

// NotifyFunc is called once per session the sweep removes, so an
// owning room or transport layer can drop the corresponding connection.
type NotifyFunc func(sess session.Session, reason string)

// Dependencies bundles a Sweeper's collaborators. Reconnect and Rooms are
// optional: a nil value simply skips that sweep phase.
type Dependencies struct {
	Sessions  *session.Store
	Reconnect *reconnect.Service
	Rooms     RoomDirectory
	Notify    NotifyFunc
}

// Result reports one sweep's outcome.
type Result struct {
	Skipped              bool
	GraceExpired         int
	InactivityTerminated int
	OrphanQueueEvicted   int
	KeysFixed            int
	KeysPurged           int
	Errors               int
}

// Sweeper is the Janitor.
type Sweeper struct {
	cfg       Config
	sessions  *session.Store
	reconnect *reconnect.Service
	rooms     RoomDirectory
	notify    NotifyFunc

	runMu sync.Mutex

	termMu      sync.Mutex
	terminating map[string]struct{}

	log *logrus.Entry
}

// NewSweeper constructs a Janitor around deps, applying spec defaults for
// any zero Config field.
func NewSweeper(cfg Config, deps Dependencies) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.GraceBuffer <= 0 {
		cfg.GraceBuffer = defaultGraceBuffer
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	return &Sweeper{
		cfg:         cfg,
		sessions:    deps.Sessions,
		reconnect:   deps.Reconnect,
		rooms:       deps.Rooms,
		notify:      deps.Notify,
		terminating: make(map[string]struct{}),
		log:         logrus.WithField("component", "janitor.Sweeper"),
	}
}

// Interval returns the configured sweep cadence, for the caller's own
// ticker (cmd/server schedules Sweep on this interval).
func (s *Sweeper) Interval() time.Duration { return s.cfg.Interval }

// Sweep runs one pass of all four phases. A sweep already in flight causes
// this call to return immediately with Result{Skipped: true} (§5's
// single-flight constraint). Partial failures in one phase increment
// Errors and do not block the remaining phases or future sweeps.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	if !s.runMu.TryLock() {
		return Result{Skipped: true}
	}
	defer s.runMu.Unlock()

	var result Result

	graceExpired, err := s.expireGraceSessions()
	if err != nil {
		s.log.WithError(err).Warn("grace expiry phase failed")
		result.Errors++
	}
	result.GraceExpired = graceExpired

	inactive, err := s.inactivitySweep()
	if err != nil {
		s.log.WithError(err).Warn("inactivity sweep phase failed")
		result.Errors++
	}
	result.InactivityTerminated = inactive

	result.OrphanQueueEvicted = s.orphanQueueSweep()

	if s.reconnect != nil {
		fixed, purged, err := s.reconnect.AuditTTLs(ctx)
		if err != nil {
			s.log.WithError(err).Warn("orphan key reaper phase failed")
			result.Errors++
		}
		result.KeysFixed = fixed
		result.KeysPurged = purged
	}

	return result
}

// expireGraceSessions is phase 1: sessions past graceExpiresAt+buffer are
// terminated with reason grace_expired.
func (s *Sweeper) expireGraceSessions() (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.GraceBuffer)
	expired := s.sessions.GetExpiredGraceSessions(cutoff)
	for _, sess := range expired {
		s.sessions.Remove(sess.SessionID)
		if s.notify != nil {
			s.notify(sess, "grace_expired")
		}
	}
	return len(expired), nil
}

// inactivitySweep is phase 2: active sessions idle past InactivityTimeout
// are marked terminating, notified, and removed. The terminating set
// dedupes a session across sweeps whose removal has not yet completed.
func (s *Sweeper) inactivitySweep() (int, error) {
	now := time.Now().UTC()
	count := 0
	var firstErr error

	for _, sess := range s.sessions.ListSessions(session.Filter{}) {
		if sess.Status != session.StatusActive {
			continue
		}
		if now.Sub(sess.LastHeartbeatAt) <= s.cfg.InactivityTimeout {
			continue
		}
		if !s.markTerminating(sess.SessionID) {
			continue
		}

		if err := s.sessions.SetStatus(sess.SessionID, session.StatusTerminating, nil); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.clearTerminating(sess.SessionID)
			continue
		}
		if s.notify != nil {
			s.notify(sess, "inactivity_timeout")
		}
		s.sessions.Remove(sess.SessionID)
		s.clearTerminating(sess.SessionID)
		count++
	}
	return count, firstErr
}

func (s *Sweeper) markTerminating(sessionID string) bool {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if _, already := s.terminating[sessionID]; already {
		return false
	}
	s.terminating[sessionID] = struct{}{}
	return true
}

func (s *Sweeper) clearTerminating(sessionID string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	delete(s.terminating, sessionID)
}

// orphanQueueSweep is phase 3: queued actions belonging to a character with
// no live session anywhere are evicted.
func (s *Sweeper) orphanQueueSweep() int {
	if s.rooms == nil {
		return 0
	}
	evicted := 0
	for _, room := range s.rooms.Rooms() {
		for _, characterID := range room.PendingCharacterIDs() {
			if len(s.sessions.ListSessions(session.Filter{CharacterID: characterID})) > 0 {
				continue
			}
			evicted += room.EvictOrphanCharacter(characterID)
		}
	}
	return evicted
}
