package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/ratelimit"
)

func newTestPipeline(limit int) *Pipeline {
	limiter := ratelimit.NewLimiter(map[string]ratelimit.Channel{
		"tile_action": {Limit: limit, Window: 10 * time.Second},
	})
	return NewPipeline(limiter)
}

func TestPipeline_Enqueue_AcceptsWithinLimit(t *testing.T) {
	p := newTestPipeline(2)
	res := p.Enqueue(ActionRequest{Type: KindTilePlacement}, "p1")
	require.True(t, res.Accepted)
	assert.NotEmpty(t, res.ActionID)
	assert.Equal(t, 1, p.Len())
}

func TestPipeline_Enqueue_RateLimitRejection(t *testing.T) {
	p := newTestPipeline(1)
	first := p.Enqueue(ActionRequest{Type: KindTilePlacement}, "p1")
	require.True(t, first.Accepted)

	second := p.Enqueue(ActionRequest{Type: KindTilePlacement}, "p1")
	require.False(t, second.Accepted)
	assert.Equal(t, "rate_limit", second.Reason)
	require.NotNil(t, second.RateLimit)
}

func TestPipeline_DrainBatch_PreservesFIFOAndBound(t *testing.T) {
	p := newTestPipeline(10)
	for i := 0; i < 5; i++ {
		res := p.Enqueue(ActionRequest{Type: KindTilePlacement}, "p1")
		require.True(t, res.Accepted)
	}

	batch := p.DrainBatch(3)
	assert.Len(t, batch, 3)
	assert.Equal(t, 2, p.Len())

	rest := p.DrainBatch(10)
	assert.Len(t, rest, 2)
	assert.True(t, p.IsEmpty())
}

func TestPipeline_DrainBatch_EmptyQueueReturnsNil(t *testing.T) {
	p := newTestPipeline(10)
	batch := p.DrainBatch(5)
	assert.Nil(t, batch)
}
