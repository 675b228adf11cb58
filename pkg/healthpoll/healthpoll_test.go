package healthpoll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_Poll_HealthySignal(t *testing.T) {
	var mu sync.Mutex
	var got []Signal

	p := NewPoller("cache", PingerFunc(func(ctx context.Context) error { return nil }),
		func(sig Signal) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, sig)
		}, Config{})

	p.Poll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.True(t, got[0].Healthy)
	assert.Equal(t, "cache", got[0].Dependency)
}

func TestPoller_Poll_FailurePingEmitsDegraded(t *testing.T) {
	var mu sync.Mutex
	var got []Signal

	p := NewPoller("cache", PingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
		func(sig Signal) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, sig)
		}, Config{})

	p.Poll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.False(t, got[0].Healthy)
	assert.Equal(t, "connection refused", got[0].Message)
}

func TestPoller_Poll_SkipsOverlappingChecks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	p := NewPoller("cache", PingerFunc(func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}), nil, Config{})

	go p.Poll(context.Background())
	<-started

	p.Poll(context.Background())
	close(release)

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestPoller_LastObserved_ReflectsMostRecentPoll(t *testing.T) {
	p := NewPoller("cache", PingerFunc(func(ctx context.Context) error { return nil }), nil, Config{})
	p.Poll(context.Background())

	healthy, checkedAt := p.LastObserved()
	assert.True(t, healthy)
	assert.False(t, checkedAt.IsZero())
}

func TestToEnvelope_RendersDegradedStatus(t *testing.T) {
	env, err := ToEnvelope(Signal{Dependency: "cache", Healthy: false, ObservedAt: time.Now(), Message: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, "event.degraded", env.Type)
}
