package action

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tilemud/core/pkg/ratelimit"
)

// channelForKind maps an action kind to the rate-limit channel it consumes
// on enqueue (§4.9): every kind, tile placements included, spends from
// tile_action.
func channelForKind(kind Kind) string {
	switch kind {
	case KindTilePlacement:
		return "tile_action"
	default:
		return "tile_action"
	}
}

// Entry is one queued action awaiting a room's drain loop.
type Entry struct {
	ActionID string
	Request  ActionRequest
	Channel  string
	Subject  string
}

// EnqueueResult is the outcome of Pipeline.Enqueue.
type EnqueueResult struct {
	Accepted  bool
	Reason    string
	RateLimit *ratelimit.Decision
	ActionID  string
}

// Pipeline is a per-room FIFO queue of actions. It does not execute
// anything itself: the Battle Room drains it and invokes the Action
// Handler (§4.9).
type Pipeline struct {
	mu      sync.Mutex
	entries []Entry
	limiter *ratelimit.Limiter
}

// NewPipeline constructs an empty Pipeline backed by the given rate
// limiter for enqueue-time admission.
func NewPipeline(limiter *ratelimit.Limiter) *Pipeline {
	return &Pipeline{limiter: limiter}
}

// Enqueue consults the Rate Limiter for the request's channel before
// appending req to the tail of the queue. On rejection it returns
// Accepted=false with Reason "rate_limit" and the limiter's decision so
// the caller can report retryAfterMs.
func (p *Pipeline) Enqueue(req ActionRequest, subject string) EnqueueResult {
	channel := channelForKind(req.Type)
	decision := p.limiter.Enforce(channel, subject)
	if !decision.Allowed {
		return EnqueueResult{Accepted: false, Reason: "rate_limit", RateLimit: &decision}
	}

	entry := Entry{
		ActionID: uuid.NewString(),
		Request:  req,
		Channel:  channel,
		Subject:  subject,
	}

	p.mu.Lock()
	p.entries = append(p.entries, entry)
	p.mu.Unlock()

	return EnqueueResult{Accepted: true, ActionID: entry.ActionID, RateLimit: &decision}
}

// DrainBatch removes and returns up to limit entries from the head of the
// queue, preserving FIFO order.
func (p *Pipeline) DrainBatch(limit int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 || len(p.entries) == 0 {
		return nil
	}
	n := limit
	if n > len(p.entries) {
		n = len(p.entries)
	}
	batch := make([]Entry, n)
	copy(batch, p.entries[:n])
	p.entries = p.entries[n:]
	return batch
}

// Peek returns a copy of every currently queued entry without removing
// them, for read-only views such as a snapshot's pendingActions (§4.11).
func (p *Pipeline) Peek() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// EvictByPlayer removes every queued entry belonging to playerID, returning
// the count removed. Used by the Janitor's orphan queue entries phase
// (§4.15) once a character's session no longer exists.
func (p *Pipeline) EvictByPlayer(playerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.entries[:0]
	evicted := 0
	for _, e := range p.entries {
		if e.Request.PlayerID == playerID {
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	return evicted
}

// IsEmpty reports whether the queue currently holds no entries.
func (p *Pipeline) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) == 0
}

// Len reports the current queue depth, used by diagnostics and metrics
// gauges (§4.18's queue size gauge).
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
