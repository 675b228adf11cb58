package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newTestLimiter(channels map[string]Channel) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	return NewLimiterWithClock(channels, clock), clock
}

func TestLimiter_Enforce_AllowsWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(map[string]Channel{
		"tile_action": {Limit: 20, Window: 10 * time.Second},
	})

	for i := 0; i < 20; i++ {
		d := l.Enforce("tile_action", "player-1")
		require.True(t, d.Allowed, "event %d should be allowed", i)
	}
}

func TestLimiter_Enforce_ChatSixthMessageRejected(t *testing.T) {
	// Mirrors the chat rate limit boundary: 5 messages per 10s window;
	// the 6th within the window is rejected with retryAfterMs in [1000,10000].
	l, clock := newTestLimiter(map[string]Channel{
		"chat_in_instance": {Limit: 5, Window: 10 * time.Second},
	})

	for i := 0; i < 5; i++ {
		d := l.Enforce("chat_in_instance", "player-1")
		require.True(t, d.Allowed)
		clock.advance(100 * time.Millisecond)
	}

	d := l.Enforce("chat_in_instance", "player-1")
	require.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfterMs, int64(1000))
	assert.LessOrEqual(t, d.RetryAfterMs, int64(10000))
}

func TestLimiter_Enforce_WindowSlidesOpen(t *testing.T) {
	l, clock := newTestLimiter(map[string]Channel{
		"private_message": {Limit: 2, Window: 1 * time.Second},
	})

	require.True(t, l.Enforce("private_message", "p1").Allowed)
	require.True(t, l.Enforce("private_message", "p1").Allowed)

	blocked := l.Enforce("private_message", "p1")
	require.False(t, blocked.Allowed)

	clock.advance(1100 * time.Millisecond)

	reopened := l.Enforce("private_message", "p1")
	assert.True(t, reopened.Allowed)
}

func TestLimiter_Enforce_SubjectsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(map[string]Channel{
		"tile_action": {Limit: 1, Window: 10 * time.Second},
	})

	require.True(t, l.Enforce("tile_action", "p1").Allowed)
	require.False(t, l.Enforce("tile_action", "p1").Allowed)
	require.True(t, l.Enforce("tile_action", "p2").Allowed)
}

func TestLimiter_Enforce_UnknownChannelAllowsAndWarns(t *testing.T) {
	l, _ := newTestLimiter(map[string]Channel{})
	d := l.Enforce("does_not_exist", "p1")
	assert.True(t, d.Allowed)
}

func TestLimiter_Evaluate_DoesNotCommit(t *testing.T) {
	l, _ := newTestLimiter(map[string]Channel{
		"tile_action": {Limit: 1, Window: 10 * time.Second},
	})

	peek := l.Evaluate("tile_action", "p1")
	require.True(t, peek.Allowed)

	// Evaluate must not have consumed the single slot.
	commit := l.Enforce("tile_action", "p1")
	require.True(t, commit.Allowed)

	blocked := l.Enforce("tile_action", "p1")
	require.False(t, blocked.Allowed)
}

func TestLimiter_Cleanup_RemovesStaleWindows(t *testing.T) {
	l, clock := newTestLimiter(map[string]Channel{
		"tile_action": {Limit: 5, Window: 1 * time.Second},
	})

	l.Enforce("tile_action", "p1")
	clock.advance(5 * time.Second)

	removed := l.Cleanup()
	assert.Equal(t, 1, removed)
}

func TestLimiter_Declare_AddsChannelAtRuntime(t *testing.T) {
	l, _ := newTestLimiter(map[string]Channel{})
	l.Declare("new_channel", Channel{Limit: 1, Window: time.Second})

	d := l.Enforce("new_channel", "p1")
	require.True(t, d.Allowed)

	blocked := l.Enforce("new_channel", "p1")
	assert.False(t, blocked.Allowed)
}
