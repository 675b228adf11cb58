package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/session"
)

type fakeAuth struct{ userID string }

func (f fakeAuth) Verify(_ context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	return f.userID, true
}

type fakeOwnership struct {
	owns   bool
	exists bool
}

func (f fakeOwnership) Owns(_ context.Context, _, _ string) (bool, bool) {
	return f.owns, f.exists
}

type fakeConfirms struct{ valid bool }

func (f fakeConfirms) Valid(_ context.Context, _, _, _ string) bool { return f.valid }

type fakeCapacity struct {
	seatsTaken, seatCapacity, queueLen, queueCapacity int
	found                                             bool
}

func (f fakeCapacity) Capacity(_ string) (int, int, int, int, bool) {
	return f.seatsTaken, f.seatCapacity, f.queueLen, f.queueCapacity, f.found
}

func newTestController(t *testing.T, ownership CharacterOwnership, capacity CapacitySource) (*Controller, *session.Store) {
	t.Helper()
	cat := catalog.NewCatalog()
	sessions := session.NewStore()
	ctrl := NewController(Config{SupportedVersions: []string{"1.0.0"}, MaxQueueLength: 5}, Dependencies{
		Catalog:   cat,
		Auth:      fakeAuth{userID: "u1"},
		Ownership: ownership,
		Confirms:  fakeConfirms{valid: true},
		Capacity:  capacity,
		Sessions:  sessions,
	})
	return ctrl, sessions
}

func TestController_Attempt_SuccessWhenSeatsAvailable(t *testing.T) {
	ctrl, _ := newTestController(t, fakeOwnership{owns: true, exists: true}, fakeCapacity{seatCapacity: 2, found: true})
	res := ctrl.Attempt(context.Background(), Request{
		InstanceID: "room-a", CharacterID: "c1", ClientVersion: "1.0.0", AuthToken: "tok", ClientIP: "1.2.3.4",
	})
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.ReconnectToken)
}

func TestController_Attempt_AuthenticationRequired(t *testing.T) {
	ctrl, _ := newTestController(t, fakeOwnership{owns: true, exists: true}, fakeCapacity{seatCapacity: 2, found: true})
	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "1.0.0"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "authentication_required", res.Err.Entry.Reason)
}

func TestController_Attempt_VersionMismatch(t *testing.T) {
	ctrl, _ := newTestController(t, fakeOwnership{owns: true, exists: true}, fakeCapacity{seatCapacity: 2, found: true})
	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "0.0.1", AuthToken: "tok"})
	assert.Equal(t, "version_mismatch", res.Err.Entry.Reason)
}

func TestController_Attempt_CharacterNotOwned(t *testing.T) {
	ctrl, _ := newTestController(t, fakeOwnership{owns: false, exists: true}, fakeCapacity{seatCapacity: 2, found: true})
	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "1.0.0", AuthToken: "tok"})
	assert.Equal(t, "character_not_owned", res.Err.Entry.Reason)
}

func TestController_Attempt_CharacterNotFound(t *testing.T) {
	ctrl, _ := newTestController(t, fakeOwnership{owns: false, exists: false}, fakeCapacity{seatCapacity: 2, found: true})
	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "1.0.0", AuthToken: "tok"})
	assert.Equal(t, "character_not_found", res.Err.Entry.Reason)
}

func TestController_Attempt_AlreadyInSessionWithoutReplace(t *testing.T) {
	ctrl, sessions := newTestController(t, fakeOwnership{owns: true, exists: true}, fakeCapacity{seatCapacity: 2, found: true})
	sessions.CreateOrUpdate(session.CreateOrUpdateInput{SessionID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "room-a"})

	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", CharacterID: "c1", ClientVersion: "1.0.0", AuthToken: "tok"})
	assert.Equal(t, "already_in_session", res.Err.Entry.Reason)
	require.NotNil(t, res.ExistingSession)
	assert.Equal(t, "s1", res.ExistingSession.SessionID)
}

func TestController_Attempt_ReplaceExistingWithoutTokenFails(t *testing.T) {
	cat := catalog.NewCatalog()
	sessions := session.NewStore()
	ctrl := NewController(Config{SupportedVersions: []string{"1.0.0"}}, Dependencies{
		Catalog: cat, Auth: fakeAuth{userID: "u1"}, Ownership: fakeOwnership{owns: true, exists: true},
		Confirms: fakeConfirms{valid: false}, Capacity: fakeCapacity{seatCapacity: 2, found: true}, Sessions: sessions,
	})
	sessions.CreateOrUpdate(session.CreateOrUpdateInput{SessionID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "room-a"})

	res := ctrl.Attempt(context.Background(), Request{
		InstanceID: "room-a", CharacterID: "c1", ClientVersion: "1.0.0", AuthToken: "tok", ReplaceExisting: true, ConfirmationToken: "x",
	})
	assert.Equal(t, "invalid_request", res.Err.Entry.Reason)
}

func TestController_Attempt_QueuedWhenFullButUnderQueueCap(t *testing.T) {
	ctrl, _ := newTestController(t, fakeOwnership{owns: true, exists: true}, fakeCapacity{
		seatsTaken: 2, seatCapacity: 2, queueLen: 1, queueCapacity: 5, found: true,
	})
	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "1.0.0", AuthToken: "tok"})
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, 2, res.Position)
}

func TestController_Attempt_QueueFullFails(t *testing.T) {
	ctrl, _ := newTestController(t, fakeOwnership{owns: true, exists: true}, fakeCapacity{
		seatsTaken: 2, seatCapacity: 2, queueLen: 5, queueCapacity: 5, found: true,
	})
	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "1.0.0", AuthToken: "tok"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "queue_full", res.Err.Entry.Reason)
}

func TestController_Attempt_RateLimitExceeded(t *testing.T) {
	cat := catalog.NewCatalog()
	sessions := session.NewStore()
	ctrl := NewController(Config{SupportedVersions: []string{"1.0.0"}, IPRequestsPerSec: 1, IPBurst: 1}, Dependencies{
		Catalog: cat, Auth: fakeAuth{userID: "u1"}, Ownership: fakeOwnership{owns: true, exists: true},
		Confirms: fakeConfirms{valid: true}, Capacity: fakeCapacity{seatCapacity: 2, found: true}, Sessions: sessions,
	})

	first := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "1.0.0", AuthToken: "tok", ClientIP: "9.9.9.9"})
	require.Equal(t, OutcomeSuccess, first.Outcome)

	second := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", ClientVersion: "1.0.0", AuthToken: "tok", ClientIP: "9.9.9.9"})
	assert.Equal(t, "rate_limit_exceeded", second.Err.Entry.Reason)
}

// slowCapacity blocks for delay before answering, so a test can force
// attemptLocked to still be running after Attempt's ctx has timed out.
type slowCapacity struct {
	delay                                              time.Duration
	seatsTaken, seatCapacity, queueLen, queueCapacity  int
	found                                              bool
}

func (s slowCapacity) Capacity(_ string) (int, int, int, int, bool) {
	time.Sleep(s.delay)
	return s.seatsTaken, s.seatCapacity, s.queueLen, s.queueCapacity, s.found
}

func TestController_Attempt_TimeoutDoesNotOrphanSessionFromSlowCapacityCheck(t *testing.T) {
	cat := catalog.NewCatalog()
	sessions := session.NewStore()
	ctrl := NewController(Config{
		SupportedVersions: []string{"1.0.0"},
		MaxQueueLength:    5,
		AdmissionTimeout:  5 * time.Millisecond,
	}, Dependencies{
		Catalog:   cat,
		Auth:      fakeAuth{userID: "u1"},
		Ownership: fakeOwnership{owns: true, exists: true},
		Confirms:  fakeConfirms{valid: true},
		Capacity:  slowCapacity{delay: 50 * time.Millisecond, seatCapacity: 2, found: true},
		Sessions:  sessions,
	})

	res := ctrl.Attempt(context.Background(), Request{InstanceID: "room-a", CharacterID: "c1", ClientVersion: "1.0.0", AuthToken: "tok"})
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "timeout", res.Err.Entry.Reason)
	assert.True(t, res.CleanupPerformed)

	// Give the still-running attemptLocked goroutine time to reach the
	// capacity-success branch; it must see ctx.Err() != nil and bail out
	// instead of committing an orphaned session behind Attempt's back.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sessions.ListSessions(session.Filter{CharacterID: "c1"}), "no session should be created once the caller was already told the attempt timed out")
}

func TestIPRateLimiter_Cleanup_RemovesIdleEntries(t *testing.T) {
	rl := newIPRateLimiter(10, 10)
	rl.allow("1.1.1.1")
	rl.limiters["1.1.1.1"].lastAccess = time.Now().Add(-time.Hour)
	rl.Cleanup(time.Minute)
	_, exists := rl.limiters["1.1.1.1"]
	assert.False(t, exists)
}
