// Package sequence classifies an incoming per-session sequence number
// against the session's last-acknowledged value. It is a pure classifier:
// it never touches storage itself, and its only state mutation is through
// Acknowledge, which the caller invokes explicitly after a successful
// durability append.
package sequence

// Outcome is the tagged result of classifying a sequence number.
type Outcome string

const (
	// Accept means sequence == lastSeq+1, the expected next value.
	Accept Outcome = "accept"
	// Duplicate means sequence == lastSeq, an idempotent replay.
	Duplicate Outcome = "duplicate"
	// Gap means sequence skipped ahead of lastSeq+1; resync required.
	Gap Outcome = "gap"
	// OutOfOrder means sequence < lastSeq but not equal (non-fatal, stale).
	OutOfOrder Outcome = "out_of_order"
	// MissingSession means no session was found for the given sessionId.
	MissingSession Outcome = "missing_session"
	// Invalid means sequence is non-integer or negative.
	Invalid Outcome = "invalid"
)

// Result is the classification outcome plus any data it carries.
type Result struct {
	Status       Outcome
	MissingCount int64 // only set when Status == Gap
}

// SessionLookup is the minimal view of the Session Store the evaluator
// needs: the last-acknowledged sequence number for a session, and whether
// the session exists at all. Acknowledge advances the stored value to
// max(current, sequence); it never regresses it.
type SessionLookup interface {
	LastSequence(sessionID string) (seq int64, found bool)
	Acknowledge(sessionID string, sequence int64) error
}

// Evaluator classifies sequence numbers against a SessionLookup.
type Evaluator struct {
	sessions SessionLookup
}

// NewEvaluator constructs an Evaluator backed by the given session lookup.
func NewEvaluator(sessions SessionLookup) *Evaluator {
	return &Evaluator{sessions: sessions}
}

// Classify returns the classification of sequence against sessionID's
// last-acknowledged value.
func (ev *Evaluator) Classify(sessionID string, sequence int64) Result {
	if sequence < 0 {
		return Result{Status: Invalid}
	}

	lastSeq, found := ev.sessions.LastSequence(sessionID)
	if !found {
		return Result{Status: MissingSession}
	}

	switch {
	case sequence == lastSeq+1:
		return Result{Status: Accept}
	case sequence == lastSeq:
		return Result{Status: Duplicate}
	case sequence > lastSeq+1:
		return Result{Status: Gap, MissingCount: sequence - (lastSeq + 1)}
	default: // sequence < lastSeq
		return Result{Status: OutOfOrder}
	}
}

// Acknowledge advances sessionID's stored sequence to max(current, sequence).
func (ev *Evaluator) Acknowledge(sessionID string, sequence int64) error {
	return ev.sessions.Acknowledge(sessionID, sequence)
}
