package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/durability"
	"github.com/tilemud/core/pkg/ratelimit"
	"github.com/tilemud/core/pkg/room"
	"github.com/tilemud/core/pkg/ruleset"
	"github.com/tilemud/core/pkg/session"
)

func newTestLobby(t *testing.T) (*Lobby, *ruleset.Registry) {
	t.Helper()
	cat := catalog.NewCatalog()
	registry := ruleset.NewRegistry(cat)
	_, err := registry.Publish("1.0.0", ruleset.Metadata{BoardWidth: 4, BoardHeight: 4, MaxPlayers: 2})
	require.NoError(t, err)

	factory := func(cfg room.Config, rs ruleset.RuleSet) *room.Room {
		limiter := ratelimit.NewLimiter(map[string]ratelimit.Channel{})
		return room.New(cfg, rs, room.Dependencies{
			Catalog:    cat,
			Limiter:    limiter,
			Durability: durability.NewLog(durability.NewMemory(), cat, false),
			Sessions:   session.NewStore(),
		})
	}

	return NewLobby(registry, factory, cat), registry
}

func TestLobby_CreateOrJoin_SoloAllocatesFreshInstance(t *testing.T) {
	l, _ := newTestLobby(t)
	res, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeSolo, RulesetVersion: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.NotEmpty(t, res.InstanceID)
}

func TestLobby_CreateOrJoin_MatchmakingJoinsExistingInstance(t *testing.T) {
	l, _ := newTestLobby(t)
	first, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	second, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, second.InstanceID)

	entry, ok := l.Get(first.InstanceID)
	require.True(t, ok)
	assert.Equal(t, 2, entry.ReservedSlots)
}

func TestLobby_CreateOrJoin_MatchmakingAllocatesNewWhenFull(t *testing.T) {
	l, _ := newTestLobby(t)
	first, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)
	_, err = l.CreateOrJoin(CreateOrJoinInput{Mode: ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	third, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)
	assert.NotEqual(t, first.InstanceID, third.InstanceID)
}

func TestLobby_DecrementReservation_RemovesEntryAtZero(t *testing.T) {
	l, _ := newTestLobby(t)
	res, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeSolo, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	l.DecrementReservation(res.InstanceID)
	_, ok := l.Get(res.InstanceID)
	assert.False(t, ok)
}

func TestLobby_Capacity_ReportsSeatsAndQueue(t *testing.T) {
	l, _ := newTestLobby(t)
	res, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeSolo, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	seatsTaken, seatCapacity, queueLen, _, found := l.Capacity(res.InstanceID)
	require.True(t, found)
	assert.Equal(t, 1, seatsTaken)
	assert.Equal(t, 2, seatCapacity)
	assert.Equal(t, 0, queueLen)
}

func TestLobby_Capacity_UnknownInstanceNotFound(t *testing.T) {
	l, _ := newTestLobby(t)
	_, _, _, _, found := l.Capacity("missing")
	assert.False(t, found)
}

func TestLobby_Rooms_ReturnsAllTrackedRooms(t *testing.T) {
	l, _ := newTestLobby(t)
	_, err := l.CreateOrJoin(CreateOrJoinInput{Mode: ModeSolo, RulesetVersion: "1.0.0"})
	require.NoError(t, err)
	_, err = l.CreateOrJoin(CreateOrJoinInput{Mode: ModeSolo, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	assert.Len(t, l.Rooms(), 2)
}
