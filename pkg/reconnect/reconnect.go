// Package reconnect implements the Reconnect Service (§4.14, §6.4): a
// cache-backed record of disconnected players' grace windows, letting a
// client resume a Battle Room seat under a new sessionId without losing
// its place. It also backs the replacement-confirmation token used by the
// Admission Controller's existing-session check (Open Question Decision 2).
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/resilience"
	"github.com/tilemud/core/pkg/retry"
)

// defaultGracePeriod matches §4.14's default gracePeriodMs.
const defaultGracePeriod = 60 * time.Second

// defaultConfirmTTL matches Open Question Decision 2's 30s window.
const defaultConfirmTTL = 30 * time.Second

// Record is one reconnect-eligible player's cached state.
type Record struct {
	PlayerID       string
	InstanceID     string
	SessionID      string
	CharacterID    string
	PlayerState    map[string]interface{}
	DisconnectedAt time.Time
	GraceExpiresAt time.Time
}

// CreateSessionInput is the caller-supplied half of CreateSession.
type CreateSessionInput struct {
	PlayerID    string
	InstanceID  string
	SessionID   string
	CharacterID string
	PlayerState map[string]interface{}
}

// Store is the cache abstraction a Service delegates to. Memory (below)
// backs tests and single-node deployments; RedisStore (redisstore.go)
// backs production per §6.4's key partitioning.
type Store interface {
	Put(ctx context.Context, rec Record, ttl time.Duration) error
	Get(ctx context.Context, playerID, instanceID string) (Record, bool, error)
	Delete(ctx context.Context, playerID, instanceID string) error
	ListByInstance(ctx context.Context, instanceID string) ([]Record, error)
	ListAll(ctx context.Context) ([]Record, error)
	PutConfirmationToken(ctx context.Context, userID, instanceID, token string, ttl time.Duration) error
	ConsumeConfirmationToken(ctx context.Context, userID, instanceID, token string) (bool, error)
}

// Stats is the outcome of GetSessionStats.
type Stats struct {
	ActiveReconnectSessions int
	ExpiredLastSweep        int
}

// Service is the Reconnect Service: Store's cache round-trips are the
// suspension point §5 requires degrade gracefully rather than propagate a
// raw cache error to callers, so every delegation below runs through
// execute, which wraps the call in retry and, for an I/O-backed store, a
// circuit breaker (mirroring pkg/durability.Log's execute).
type Service struct {
	store       Store
	catalog     *catalog.Catalog
	gracePeriod time.Duration
	confirmTTL  time.Duration
	log         *logrus.Entry
	mu          sync.Mutex
	lastExpired int
	retrier     *retry.Retrier
	useBreak    bool
}

// NewService constructs a Reconnect Service around store. gracePeriod and
// confirmTTL default to §4.14's and Open Question Decision 2's values when
// zero. The circuit breaker engages only when store is the Redis-backed
// implementation; Memory has no suspension point to protect.
func NewService(store Store, cat *catalog.Catalog, gracePeriod, confirmTTL time.Duration) *Service {
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	if confirmTTL <= 0 {
		confirmTTL = defaultConfirmTTL
	}
	_, useBreak := store.(*RedisStore)
	return &Service{
		store:       store,
		catalog:     cat,
		gracePeriod: gracePeriod,
		confirmTTL:  confirmTTL,
		log:         logrus.WithField("component", "reconnect.Service"),
		retrier:     retry.NewRetrier(retry.ReconnectCacheRetryConfig()),
		useBreak:    useBreak,
	}
}

// execute runs op wrapped in retry and, for a Redis-backed store, a
// circuit breaker.
func (s *Service) execute(ctx context.Context, op func(context.Context) error) error {
	if !s.useBreak {
		return s.retrier.Execute(ctx, op)
	}
	return resilience.ExecuteWithReconnectCacheCircuitBreaker(ctx, func(ctx context.Context) error {
		return s.retrier.Execute(ctx, op)
	})
}

// CreateSession writes a reconnect record with TTL equal to the grace
// period, called by the Battle Room on an unconsented Leave (§4.10).
func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (Record, error) {
	now := time.Now().UTC()
	rec := Record{
		PlayerID:       input.PlayerID,
		InstanceID:     input.InstanceID,
		SessionID:      input.SessionID,
		CharacterID:    input.CharacterID,
		PlayerState:    input.PlayerState,
		DisconnectedAt: now,
		GraceExpiresAt: now.Add(s.gracePeriod),
	}
	err := s.execute(ctx, func(ctx context.Context) error {
		return s.store.Put(ctx, rec, s.gracePeriod)
	})
	if err != nil {
		return Record{}, s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	return rec, nil
}

// AttemptReconnectInput is the caller-supplied half of AttemptReconnect.
type AttemptReconnectInput struct {
	PlayerID    string
	InstanceID  string
	NewSessionID string
}

// AttemptReconnect rotates sessionId -> newSessionId and resets the TTL to
// the remaining grace window (§4.14). A missing or expired record returns
// grace_period_expired.
func (s *Service) AttemptReconnect(ctx context.Context, input AttemptReconnectInput) (Record, error) {
	rec, found, err := s.getRecord(ctx, input.PlayerID, input.InstanceID)
	if err != nil {
		return Record{}, s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	if !found {
		return Record{}, s.catalog.New("grace_period_expired")
	}

	now := time.Now().UTC()
	if now.After(rec.GraceExpiresAt) {
		_ = s.execute(ctx, func(ctx context.Context) error {
			return s.store.Delete(ctx, input.PlayerID, input.InstanceID)
		})
		return Record{}, s.catalog.New("grace_period_expired")
	}

	rec.SessionID = input.NewSessionID
	remaining := rec.GraceExpiresAt.Sub(now)
	err = s.execute(ctx, func(ctx context.Context) error {
		return s.store.Put(ctx, rec, remaining)
	})
	if err != nil {
		return Record{}, s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	return rec, nil
}

// getRecord wraps a Store.Get round-trip in retry/circuit-breaking,
// threading the (Record, bool) result out through the closure the way
// pkg/durability.Log.AppendAction does for its single-return-value calls.
func (s *Service) getRecord(ctx context.Context, playerID, instanceID string) (Record, bool, error) {
	var rec Record
	var found bool
	err := s.execute(ctx, func(ctx context.Context) error {
		var opErr error
		rec, found, opErr = s.store.Get(ctx, playerID, instanceID)
		return opErr
	})
	return rec, found, err
}

// UpdatePlayerState replaces the record's player state with a fresh state
// snapshot without disturbing its grace deadline.
func (s *Service) UpdatePlayerState(ctx context.Context, playerID, instanceID string, state map[string]interface{}) error {
	rec, found, err := s.getRecord(ctx, playerID, instanceID)
	if err != nil {
		return s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	if !found {
		return s.catalog.New("not_found")
	}
	rec.PlayerState = state
	remaining := time.Until(rec.GraceExpiresAt)
	if remaining <= 0 {
		_ = s.execute(ctx, func(ctx context.Context) error {
			return s.store.Delete(ctx, playerID, instanceID)
		})
		return s.catalog.New("grace_period_expired")
	}
	if err := s.execute(ctx, func(ctx context.Context) error {
		return s.store.Put(ctx, rec, remaining)
	}); err != nil {
		return s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	return nil
}

// ExtendGracePeriod pushes GraceExpiresAt forward by extension.
func (s *Service) ExtendGracePeriod(ctx context.Context, playerID, instanceID string, extension time.Duration) error {
	rec, found, err := s.getRecord(ctx, playerID, instanceID)
	if err != nil {
		return s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	if !found {
		return s.catalog.New("not_found")
	}
	rec.GraceExpiresAt = rec.GraceExpiresAt.Add(extension)
	if err := s.execute(ctx, func(ctx context.Context) error {
		return s.store.Put(ctx, rec, time.Until(rec.GraceExpiresAt))
	}); err != nil {
		return s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	return nil
}

// RemoveSession deletes a reconnect record outright, called on a consented
// Leave or once a reconnect succeeds.
func (s *Service) RemoveSession(ctx context.Context, playerID, instanceID string) error {
	return s.execute(ctx, func(ctx context.Context) error {
		return s.store.Delete(ctx, playerID, instanceID)
	})
}

// listAll wraps a Store.ListAll round-trip in retry/circuit-breaking.
func (s *Service) listAll(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.execute(ctx, func(ctx context.Context) error {
		var opErr error
		out, opErr = s.store.ListAll(ctx)
		return opErr
	})
	return out, err
}

// ListActiveSessions lists reconnect-eligible records for one instance, or
// every instance if instanceID is empty.
func (s *Service) ListActiveSessions(ctx context.Context, instanceID string) ([]Record, error) {
	if instanceID == "" {
		return s.listAll(ctx)
	}
	var out []Record
	err := s.execute(ctx, func(ctx context.Context) error {
		var opErr error
		out, opErr = s.store.ListByInstance(ctx, instanceID)
		return opErr
	})
	return out, err
}

// CleanupExpiredSessions purges records whose grace window has already
// passed the store's own TTL eviction (a defensive sweep for stores whose
// TTL semantics are advisory); it is idempotent and safe to call from the
// Janitor.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int, error) {
	all, err := s.listAll(ctx)
	if err != nil {
		return 0, s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}

	now := time.Now().UTC()
	removed := 0
	for _, rec := range all {
		if now.After(rec.GraceExpiresAt) {
			err := s.execute(ctx, func(ctx context.Context) error {
				return s.store.Delete(ctx, rec.PlayerID, rec.InstanceID)
			})
			if err != nil {
				s.log.WithError(err).Warn("failed to purge expired reconnect record")
				continue
			}
			removed++
		}
	}

	s.mu.Lock()
	s.lastExpired = removed
	s.mu.Unlock()
	return removed, nil
}

// GetSessionStats reports the current reconnect population.
func (s *Service) GetSessionStats(ctx context.Context) (Stats, error) {
	all, err := s.listAll(ctx)
	if err != nil {
		return Stats{}, s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	s.mu.Lock()
	expired := s.lastExpired
	s.mu.Unlock()
	return Stats{ActiveReconnectSessions: len(all), ExpiredLastSweep: expired}, nil
}

// IssueConfirmationToken mints a replacement-confirmation token for the
// Admission Controller's existing-session check (Open Question Decision 2),
// keyed confirm:{userId}:{instanceId} with a 30s default TTL.
func (s *Service) IssueConfirmationToken(ctx context.Context, userID, instanceID string) (string, error) {
	token := uuid.NewString()
	err := s.execute(ctx, func(ctx context.Context) error {
		return s.store.PutConfirmationToken(ctx, userID, instanceID, token, s.confirmTTL)
	})
	if err != nil {
		return "", s.catalog.New("internal_error").WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	return token, nil
}

// ttlAuditable is implemented by stores that can report and repair keys
// missing a TTL (RedisStore); Memory has no TTL concept and is skipped.
type ttlAuditable interface {
	AuditTTLs(ctx context.Context) (fixed, purged int, err error)
}

// AuditTTLs runs the Janitor's orphan key reaper phase (§4.15) against the
// backing store: cache keys lacking a TTL get one (default 3600s);
// reconnection tokens without a TTL are deleted outright. A no-op store
// (Memory) reports zero for both.
func (s *Service) AuditTTLs(ctx context.Context) (fixed, purged int, err error) {
	auditor, ok := s.store.(ttlAuditable)
	if !ok {
		return 0, 0, nil
	}
	return auditor.AuditTTLs(ctx)
}

// Valid implements pkg/admission's ConfirmationTokens interface: it
// consumes (one-shot) the token, returning false on any mismatch, absence,
// expiry, or store error, since a confirmation round-trip failing open
// would let an unconfirmed replacement through.
func (s *Service) Valid(ctx context.Context, userID, instanceID, token string) bool {
	var ok bool
	err := s.execute(ctx, func(ctx context.Context) error {
		var opErr error
		ok, opErr = s.store.ConsumeConfirmationToken(ctx, userID, instanceID, token)
		return opErr
	})
	return err == nil && ok
}

// Memory is the default in-process Store.
type Memory struct {
	mu        sync.Mutex
	sessions  map[string]Record // "playerId:instanceId" -> Record
	confirms  map[string]string // "userId:instanceId" -> token
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]Record), confirms: make(map[string]string)}
}

func sessionKey(playerID, instanceID string) string { return playerID + ":" + instanceID }
func confirmKey(userID, instanceID string) string    { return userID + ":" + instanceID }

func (m *Memory) Put(_ context.Context, rec Record, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey(rec.PlayerID, rec.InstanceID)] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, playerID, instanceID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionKey(playerID, instanceID)]
	return rec, ok, nil
}

func (m *Memory) Delete(_ context.Context, playerID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey(playerID, instanceID))
	return nil
}

func (m *Memory) ListByInstance(_ context.Context, instanceID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.sessions {
		if rec.InstanceID == instanceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) ListAll(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) PutConfirmationToken(_ context.Context, userID, instanceID, token string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms[confirmKey(userID, instanceID)] = token
	return nil
}

func (m *Memory) ConsumeConfirmationToken(_ context.Context, userID, instanceID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := confirmKey(userID, instanceID)
	stored, ok := m.confirms[key]
	if !ok || stored != token {
		return false, nil
	}
	delete(m.confirms, key)
	return true, nil
}

// ErrCorruptRecord is returned internally when a cached record fails to
// decode; callers purge the key rather than surface a partially-decoded
// value (§4.14: "corrupt JSON at a known key is treated as absent and
// purged").
var ErrCorruptRecord = errors.New("reconnect: corrupt cached record")

// marshalRecord/unmarshalRecord are shared by RedisStore for the JSON
// encoding of a Record.
func marshalRecord(rec Record) ([]byte, error) { return json.Marshal(rec) }

func unmarshalRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, ErrCorruptRecord
	}
	return rec, nil
}
