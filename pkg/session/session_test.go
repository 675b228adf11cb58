package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateOrUpdate_NewSessionDefaultsToActive(t *testing.T) {
	s := NewStore()
	sess := s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "i1"})
	assert.Equal(t, StatusActive, sess.Status)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestStore_CreateOrUpdate_ExistingPreservesSequenceAndCreatedAt(t *testing.T) {
	s := NewStore()
	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "s1", UserID: "u1", InstanceID: "i1"})
	require.NoError(t, s.RecordActionSequence("s1", 5))

	updated := s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "s1", UserID: "u1", InstanceID: "i2", Status: StatusGrace})
	assert.Equal(t, int64(5), updated.LastSequenceNumber)
	assert.Equal(t, "i2", updated.InstanceID)
	assert.Equal(t, StatusGrace, updated.Status)
}

func TestStore_RecordActionSequence_NeverRegresses(t *testing.T) {
	s := NewStore()
	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "s1"})

	require.NoError(t, s.RecordActionSequence("s1", 5))
	require.NoError(t, s.RecordActionSequence("s1", 2))

	seq, found := s.LastSequence("s1")
	require.True(t, found)
	assert.Equal(t, int64(5), seq)
}

func TestStore_ListSessions_FilterByInstance(t *testing.T) {
	s := NewStore()
	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "s1", InstanceID: "i1"})
	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "s2", InstanceID: "i2"})

	sessions := s.ListSessions(Filter{InstanceID: "i1"})
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
}

func TestStore_Remove_ClearsIndexes(t *testing.T) {
	s := NewStore()
	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "s1", UserID: "u1", InstanceID: "i1"})
	s.Remove("s1")

	_, found := s.Get("s1")
	assert.False(t, found)
	assert.Empty(t, s.ListSessions(Filter{InstanceID: "i1"}))
}

func TestStore_RenameSession_PreservesSequenceAndIndexes(t *testing.T) {
	s := NewStore()
	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "old", UserID: "u1", InstanceID: "i1"})
	require.NoError(t, s.RecordActionSequence("old", 3))

	require.NoError(t, s.RenameSession("old", "new"))

	_, found := s.Get("old")
	assert.False(t, found)

	renamed, found := s.Get("new")
	require.True(t, found)
	assert.Equal(t, int64(3), renamed.LastSequenceNumber)

	sessions := s.ListSessions(Filter{UserID: "u1"})
	require.Len(t, sessions, 1)
	assert.Equal(t, "new", sessions[0].SessionID)
}

func TestStore_GetExpiredGraceSessions(t *testing.T) {
	s := NewStore()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)

	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "expired", Status: StatusGrace})
	require.NoError(t, s.SetStatus("expired", StatusGrace, &past))

	s.CreateOrUpdate(CreateOrUpdateInput{SessionID: "fresh", Status: StatusGrace})
	require.NoError(t, s.SetStatus("fresh", StatusGrace, &future))

	expired := s.GetExpiredGraceSessions(time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].SessionID)
}
