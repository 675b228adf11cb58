package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/session"
)

func TestSweeper_ExpireGraceSessions_RemovesPastDeadline(t *testing.T) {
	store := session.NewStore()
	store.CreateOrUpdate(session.CreateOrUpdateInput{SessionID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "room-a"})
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SetStatus("s1", session.StatusGrace, &past))

	var notified []string
	sweeper := NewSweeper(Config{}, Dependencies{
		Sessions: store,
		Notify:   func(sess session.Session, reason string) { notified = append(notified, reason) },
	})

	result := sweeper.Sweep(context.Background())
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.GraceExpired)
	assert.Equal(t, []string{"grace_expired"}, notified)

	_, ok := store.Get("s1")
	assert.False(t, ok)
}

func TestSweeper_InactivitySweep_RemovesIdleSession(t *testing.T) {
	store := session.NewStore()
	store.CreateOrUpdate(session.CreateOrUpdateInput{SessionID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "room-a"})
	require.NoError(t, store.RecordHeartbeat("s1", time.Now().UTC().Add(-time.Hour)))

	sweeper := NewSweeper(Config{InactivityTimeout: time.Minute}, Dependencies{Sessions: store})

	result := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, result.InactivityTerminated)

	_, ok := store.Get("s1")
	assert.False(t, ok)
}

func TestSweeper_InactivitySweep_LeavesRecentHeartbeatAlone(t *testing.T) {
	store := session.NewStore()
	store.CreateOrUpdate(session.CreateOrUpdateInput{SessionID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "room-a"})

	sweeper := NewSweeper(Config{InactivityTimeout: time.Minute}, Dependencies{Sessions: store})

	result := sweeper.Sweep(context.Background())
	assert.Equal(t, 0, result.InactivityTerminated)

	_, ok := store.Get("s1")
	assert.True(t, ok)
}

type fakeRoomQueue struct {
	instanceID string
	pending    []string
	evicted    map[string]int
}

func (f *fakeRoomQueue) InstanceID() string             { return f.instanceID }
func (f *fakeRoomQueue) PendingCharacterIDs() []string   { return f.pending }
func (f *fakeRoomQueue) EvictOrphanCharacter(id string) int {
	if f.evicted == nil {
		f.evicted = make(map[string]int)
	}
	f.evicted[id]++
	return 1
}

type fakeRoomDirectory struct{ rooms []RoomQueue }

func (f *fakeRoomDirectory) Rooms() []RoomQueue { return f.rooms }

func TestSweeper_OrphanQueueSweep_EvictsCharacterWithNoSession(t *testing.T) {
	store := session.NewStore()
	room := &fakeRoomQueue{instanceID: "room-a", pending: []string{"c1", "c2"}}
	store.CreateOrUpdate(session.CreateOrUpdateInput{SessionID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "room-a"})

	sweeper := NewSweeper(Config{}, Dependencies{
		Sessions: store,
		Rooms:    &fakeRoomDirectory{rooms: []RoomQueue{room}},
	})

	result := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, result.OrphanQueueEvicted)
	assert.Equal(t, 1, room.evicted["c2"])
	assert.Zero(t, room.evicted["c1"])
}

func TestSweeper_Sweep_SkipsWhenAlreadyRunning(t *testing.T) {
	store := session.NewStore()
	sweeper := NewSweeper(Config{}, Dependencies{Sessions: store})

	sweeper.runMu.Lock()
	defer sweeper.runMu.Unlock()

	result := sweeper.Sweep(context.Background())
	assert.True(t, result.Skipped)
}
