// Package durability implements the Durability Log: the system of record
// for replay of action-type intents. appendAction persists exactly one
// record per (sessionId, sequenceNumber); a unique-key violation on that
// pair is surfaced distinctly from a genuine storage fault so callers can
// consult getBySessionAndSequence and decide whether the request is a
// duplicate or something actually went wrong.
package durability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/resilience"
	"github.com/tilemud/core/pkg/retry"
)

// ErrUniqueViolation is returned by a Store implementation when an append
// collides with an existing (sessionId, sequenceNumber) pair. The Log
// translates this into catalog's persistence_failed without retrying it,
// since retrying a genuine duplicate can never succeed differently.
var ErrUniqueViolation = errors.New("durability: sessionId/sequenceNumber already recorded")

// Record is one persisted action_events row (§6.4).
type Record struct {
	ActionID       string
	SessionID      string
	UserID         string
	CharacterID    string
	SequenceNumber int64
	ActionType     string
	Payload        json.RawMessage
	PersistedAt    time.Time
}

// AppendInput is the caller-supplied half of a Record; ActionID and
// PersistedAt are server-assigned on success.
type AppendInput struct {
	SessionID      string
	UserID         string
	CharacterID    string
	SequenceNumber int64
	ActionType     string
	Payload        json.RawMessage
}

// Store is the storage abstraction a Log delegates to. The default
// in-memory implementation is Memory; PostgresStore (postgres.go) backs
// production deployments per §6.4.
type Store interface {
	AppendAction(ctx context.Context, input AppendInput) (Record, error)
	GetBySessionAndSequence(ctx context.Context, sessionID string, sequence int64) (Record, bool, error)
	LatestForSession(ctx context.Context, sessionID string) (Record, bool, error)
	RecentForCharacter(ctx context.Context, characterID string, limit int) ([]Record, error)
}

// Log is the Durability Log component: a Store wrapped with circuit
// breaking and retry for its I/O-backed suspension point (§5), translating
// store failures into catalog errors.
type Log struct {
	store    Store
	catalog  *catalog.Catalog
	retrier  *retry.Retrier
	log      *logrus.Entry
	useBreak bool
}

// NewLog constructs a Log around the given Store. useCircuitBreaker should
// be true for I/O-backed stores (Postgres) and false for the in-memory
// store, which has no suspension point to protect.
func NewLog(store Store, cat *catalog.Catalog, useCircuitBreaker bool) *Log {
	return &Log{
		store:    store,
		catalog:  cat,
		retrier:  retry.NewRetrier(retry.DurabilityStoreRetryConfig()),
		log:      logrus.WithField("component", "durability.Log"),
		useBreak: useCircuitBreaker,
	}
}

// AppendAction persists one record. On a unique-key collision it returns a
// catalog persistence_failed error whose Details carry cause
// "unique_violation"; the returned error does not wrap ErrUniqueViolation,
// so errors.Is(err, durability.ErrUniqueViolation) does not match it. The
// original record is available through GetBySessionAndSequence.
//
// A unique violation is checked with a single direct call before any retry
// or circuit breaker engages: retry.Retrier has no way to distinguish a
// non-retryable error from a transient one once it starts its loop (its
// default policy retries anything non-nil), so retrying a genuine
// duplicate would just waste the backoff budget on a result that can never
// change.
func (l *Log) AppendAction(ctx context.Context, input AppendInput) (Record, error) {
	logEntry := l.log.WithFields(logrus.Fields{
		"function":       "AppendAction",
		"sessionId":      input.SessionID,
		"sequenceNumber": input.SequenceNumber,
	})

	rec, err := l.store.AppendAction(ctx, input)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, ErrUniqueViolation) {
		logEntry.Warn("unique violation on append, caller must consult GetBySessionAndSequence")
		return Record{}, l.catalog.New("persistence_failed").WithDetails(map[string]interface{}{
			"cause": "unique_violation",
		})
	}

	logEntry.WithError(err).Warn("durability append failed, retrying")
	var retried Record
	op := func(ctx context.Context) error {
		var opErr error
		retried, opErr = l.store.AppendAction(ctx, input)
		return opErr
	}

	execErr := l.execute(ctx, op)
	if execErr != nil {
		if errors.Is(execErr, ErrUniqueViolation) {
			return Record{}, l.catalog.New("persistence_failed").WithDetails(map[string]interface{}{
				"cause": "unique_violation",
			})
		}
		logEntry.WithError(execErr).Error("durability append failed after retry")
		return Record{}, l.catalog.New("persistence_failed").WithDetails(map[string]interface{}{
			"cause": execErr.Error(),
		})
	}

	return retried, nil
}

// execute runs op wrapped in retry and, if configured, a circuit breaker.
func (l *Log) execute(ctx context.Context, op func(context.Context) error) error {
	if !l.useBreak {
		return l.retrier.Execute(ctx, op)
	}
	return resilience.ExecuteWithDurabilityStoreCircuitBreaker(ctx, func(ctx context.Context) error {
		return l.retrier.Execute(ctx, op)
	})
}

// GetBySessionAndSequence looks up the record for (sessionId, sequence).
func (l *Log) GetBySessionAndSequence(ctx context.Context, sessionID string, sequence int64) (Record, bool, error) {
	return l.store.GetBySessionAndSequence(ctx, sessionID, sequence)
}

// LatestForSession returns the most recently persisted record for a
// session, if any.
func (l *Log) LatestForSession(ctx context.Context, sessionID string) (Record, bool, error) {
	return l.store.LatestForSession(ctx, sessionID)
}

// RecentForCharacter returns up to limit recent records for a character,
// newest first.
func (l *Log) RecentForCharacter(ctx context.Context, characterID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("durability: limit must be positive, got %d", limit)
	}
	return l.store.RecentForCharacter(ctx, characterID, limit)
}

// Memory is the default in-process Store, suitable for tests and
// single-node deployments without a SQL dependency.
type Memory struct {
	mu        sync.RWMutex
	bySession map[string][]Record // session -> records ordered by sequence
	byAction  map[string]Record
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		bySession: make(map[string][]Record),
		byAction:  make(map[string]Record),
	}
}

func (m *Memory) AppendAction(_ context.Context, input AppendInput) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.bySession[input.SessionID] {
		if r.SequenceNumber == input.SequenceNumber {
			return Record{}, ErrUniqueViolation
		}
	}

	rec := Record{
		ActionID:       uuid.NewString(),
		SessionID:      input.SessionID,
		UserID:         input.UserID,
		CharacterID:    input.CharacterID,
		SequenceNumber: input.SequenceNumber,
		ActionType:     input.ActionType,
		Payload:        input.Payload,
		PersistedAt:    time.Now().UTC(),
	}

	m.bySession[input.SessionID] = append(m.bySession[input.SessionID], rec)
	m.byAction[rec.ActionID] = rec
	return rec, nil
}

func (m *Memory) GetBySessionAndSequence(_ context.Context, sessionID string, sequence int64) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.bySession[sessionID] {
		if r.SequenceNumber == sequence {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (m *Memory) LatestForSession(_ context.Context, sessionID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.bySession[sessionID]
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

func (m *Memory) RecentForCharacter(_ context.Context, characterID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, limit)
	for _, recs := range m.bySession {
		for _, r := range recs {
			if r.CharacterID == characterID {
				out = append(out, r)
			}
		}
	}

	// newest-first, bounded to limit
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PersistedAt.After(out[j].PersistedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
