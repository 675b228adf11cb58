// Package lobby implements the Lobby / Router (§4.16): resolving a
// connect request to a concrete Battle Room, either by joining an existing
// matchmaking instance with free reserved slots or by allocating a fresh
// one through an injected room factory.
package lobby

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/room"
	"github.com/tilemud/core/pkg/ruleset"
)

// Mode is the matchmaking mode a createOrJoin call requests.
type Mode string

const (
	ModeSolo        Mode = "solo"
	ModeMatchmaking Mode = "matchmaking"
)

// RoomFactory builds a new Battle Room for a freshly allocated instance.
// cmd/server supplies the concrete factory, closing over the Dependencies
// (catalog, rate limiter, durability log, session store) every room needs.
type RoomFactory func(cfg room.Config, rs ruleset.RuleSet) *room.Room

// Entry is one tracked instance in the lobby directory, mirroring §4.16's
// state shape.
type Entry struct {
	InstanceID     string
	RoomID         string
	RulesetVersion string
	MaxPlayers     int
	ReservedSlots  int
	IsPrivate      bool
	CreatedAt      time.Time
	Room           *room.Room
}

// CreateOrJoinInput is the caller-supplied half of CreateOrJoin.
type CreateOrJoinInput struct {
	Mode           Mode
	RulesetVersion string
	RequestID      string
}

// Result is the instance.ready response to a createOrJoin call.
type Result struct {
	InstanceID     string
	RoomID         string
	RulesetVersion string
	Ready          bool
}

// Lobby is the Lobby / Router.
type Lobby struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	rulesets *ruleset.Registry
	factory  RoomFactory
	catalog  *catalog.Catalog
	log      *logrus.Entry
}

// NewLobby constructs a Lobby over the given Rule Set Service and room
// factory.
func NewLobby(rulesets *ruleset.Registry, factory RoomFactory, cat *catalog.Catalog) *Lobby {
	return &Lobby{
		entries:  make(map[string]*Entry),
		rulesets: rulesets,
		factory:  factory,
		catalog:  cat,
		log:      logrus.WithField("component", "lobby.Lobby"),
	}
}

// CreateOrJoin resolves a rule set, then either bumps an existing
// matchmaking instance's reserved slots or allocates a fresh room (§4.16).
func (l *Lobby) CreateOrJoin(input CreateOrJoinInput) (Result, error) {
	rs, err := l.resolveRuleset(input.RulesetVersion)
	if err != nil {
		return Result{}, err
	}

	if input.Mode == ModeMatchmaking {
		if entry, ok := l.findJoinable(rs.Version); ok {
			l.mu.Lock()
			entry.ReservedSlots++
			l.mu.Unlock()
			return Result{InstanceID: entry.InstanceID, RoomID: entry.RoomID, RulesetVersion: entry.RulesetVersion, Ready: true}, nil
		}
	}

	instanceID := uuid.NewString()
	r := l.factory(room.Config{InstanceID: instanceID, RulesetVersion: rs.Version}, rs)

	entry := &Entry{
		InstanceID:     instanceID,
		RoomID:         instanceID,
		RulesetVersion: rs.Version,
		MaxPlayers:     rs.Metadata.MaxPlayers,
		ReservedSlots:  1,
		IsPrivate:      input.Mode != ModeMatchmaking,
		CreatedAt:      time.Now().UTC(),
		Room:           r,
	}

	l.mu.Lock()
	l.entries[instanceID] = entry
	l.mu.Unlock()

	l.log.WithField("instanceId", instanceID).WithField("requestId", input.RequestID).Info("allocated room instance")
	return Result{InstanceID: instanceID, RoomID: instanceID, RulesetVersion: rs.Version, Ready: true}, nil
}

func (l *Lobby) resolveRuleset(version string) (ruleset.RuleSet, error) {
	if version != "" {
		return l.rulesets.RequireByVersion(version)
	}
	rs, ok := l.rulesets.Latest()
	if !ok {
		return ruleset.RuleSet{}, l.catalog.New("not_found")
	}
	return rs, nil
}

func (l *Lobby) findJoinable(version string) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.IsPrivate || e.RulesetVersion != version {
			continue
		}
		if e.ReservedSlots < e.MaxPlayers {
			return e, true
		}
	}
	return nil, false
}

// DecrementReservation lowers an instance's reserved slot count on join
// completion or reservation timeout; an entry that reaches zero or below
// is removed from the directory (its Room, if any clients remain, keeps
// running independently).
func (l *Lobby) DecrementReservation(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[instanceID]
	if !ok {
		return
	}
	e.ReservedSlots--
	if e.ReservedSlots <= 0 {
		delete(l.entries, instanceID)
	}
}

// Capacity implements pkg/admission's CapacitySource interface. The lobby
// has no separate waiting-room concept of its own (§4.16's Entry carries
// no queue field), so queueCapacity is reported as one queue slot per seat
// (MaxPlayers) and queueLen as the number of ReservedSlots beyond MaxPlayers;
// this is the simplest capacity model consistent with the spec's Entry
// shape and is documented as an Open Question resolution.
func (l *Lobby) Capacity(instanceID string) (seatsTaken, seatCapacity, queueLen, queueCapacity int, found bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[instanceID]
	if !ok {
		return 0, 0, 0, 0, false
	}
	seatsTaken = e.ReservedSlots
	seatCapacity = e.MaxPlayers
	if seatsTaken > seatCapacity {
		queueLen = seatsTaken - seatCapacity
	}
	queueCapacity = seatCapacity
	return seatsTaken, seatCapacity, queueLen, queueCapacity, true
}

// Rooms returns every currently tracked room, for the Janitor's orphan
// queue sweep. *room.Room already exposes InstanceID/PendingCharacterIDs/
// EvictOrphanCharacter, so it satisfies pkg/janitor's RoomQueue interface
// structurally; cmd/server adapts the slice into janitor.RoomDirectory to
// keep this package from importing pkg/janitor.
func (l *Lobby) Rooms() []*room.Room {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*room.Room, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Room)
	}
	return out
}

// Get returns the entry for instanceID, if tracked.
func (l *Lobby) Get(instanceID string) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[instanceID]
	return e, ok
}
