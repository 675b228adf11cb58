// Package admission implements the Admission Controller (§4.12): the
// ordered gate a new or reconnecting client passes through before it is
// handed a sessionId and a seat in a Battle Room.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/session"
)

// Outcome tags the result of one admission attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeQueued  Outcome = "queued"
	OutcomeFailed  Outcome = "failed"
)

// Request is the caller-supplied half of an admission attempt, mirroring
// the POST /instances/{id}/connect body (§6.1).
type Request struct {
	InstanceID        string
	UserID            string
	AuthToken         string
	CharacterID       string
	ClientVersion     string
	ClientIP          string
	ReconnectionToken string
	ReplaceExisting   bool
	ConfirmationToken string
}

// Result is the tagged-union outcome of an admission attempt.
type Result struct {
	Outcome       Outcome
	CorrelationID string
	ResponseTime  time.Duration

	// success
	SessionID      string
	ReconnectToken string

	// queued
	Position      int
	EstimatedWait time.Duration

	// failed
	Err              *catalog.Error
	RetryAfter       time.Duration
	CleanupPerformed bool
	ExistingSession  *session.Session
}

// AuthVerifier checks a bearer token and resolves the userId it authorizes.
// Implemented outside this core; admission treats it as an external check
// per §4.12 step 1.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (userID string, ok bool)
}

// CharacterOwnership answers whether characterID belongs to userID.
// "found" is false when the character does not exist at all, distinguishing
// character_not_found from character_not_owned (§4.12 step 3).
type CharacterOwnership interface {
	Owns(ctx context.Context, userID, characterID string) (owned bool, found bool)
}

// ConfirmationTokens validates a short-lived replacement confirmation token
// (Open Question Decision 2; backed by pkg/reconnect's TokenStore in
// production).
type ConfirmationTokens interface {
	Valid(ctx context.Context, userID, instanceID, token string) bool
}

// CapacitySource reports an instance's current seat and queue occupancy.
// pkg/lobby implements this over its instance directory; declaring the
// interface here (the consumer boundary) keeps pkg/admission from importing
// pkg/lobby.
type CapacitySource interface {
	Capacity(instanceID string) (seatsTaken, seatCapacity, queueLen, queueCapacity int, found bool)
}

// Config configures a Controller.
type Config struct {
	SupportedVersions []string
	MaxQueueLength    int
	AdmissionTimeout  time.Duration
	IPRequestsPerSec  float64
	IPBurst           int
}

// Controller is the Admission Controller.
type Controller struct {
	cfg        Config
	catalog    *catalog.Catalog
	auth       AuthVerifier
	ownership  CharacterOwnership
	confirms   ConfirmationTokens
	capacity   CapacitySource
	sessions   *session.Store
	ipLimiter  *ipRateLimiter
	drain      func() (bool, *time.Time)
	log        *logrus.Entry
}

// Dependencies bundles a Controller's collaborators.
type Dependencies struct {
	Catalog     *catalog.Catalog
	Auth        AuthVerifier
	Ownership   CharacterOwnership
	Confirms    ConfirmationTokens
	Capacity    CapacitySource
	Sessions    *session.Store
	DrainStatus func() (drainOn bool, estimatedCompletion *time.Time)
}

// NewController constructs an Admission Controller.
func NewController(cfg Config, deps Dependencies) *Controller {
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 10 * time.Second
	}
	if cfg.IPRequestsPerSec <= 0 {
		cfg.IPRequestsPerSec = 5
	}
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 10
	}
	drain := deps.DrainStatus
	if drain == nil {
		drain = func() (bool, *time.Time) { return false, nil }
	}
	return &Controller{
		cfg:       cfg,
		catalog:   deps.Catalog,
		auth:      deps.Auth,
		ownership: deps.Ownership,
		confirms:  deps.Confirms,
		capacity:  deps.Capacity,
		sessions:  deps.Sessions,
		ipLimiter: newIPRateLimiter(rate.Limit(cfg.IPRequestsPerSec), cfg.IPBurst),
		drain:     drain,
		log:       logrus.WithField("component", "admission.Controller"),
	}
}

// Attempt runs the ordered admission checks of §4.12, first-failing-wins,
// bounded by cfg.AdmissionTimeout (step 8).
func (c *Controller) Attempt(ctx context.Context, req Request) Result {
	start := time.Now()
	correlationID := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AdmissionTimeout)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- c.attemptLocked(ctx, req)
	}()

	select {
	case res := <-resultCh:
		res.CorrelationID = correlationID
		res.ResponseTime = time.Since(start)
		return res
	case <-ctx.Done():
		c.log.WithField("correlationId", correlationID).Warn("admission attempt exceeded deadline, cleaning up")
		return Result{
			Outcome:          OutcomeFailed,
			CorrelationID:    correlationID,
			ResponseTime:     time.Since(start),
			Err:              c.catalog.New("timeout"),
			CleanupPerformed: true,
		}
	}
}

func (c *Controller) attemptLocked(ctx context.Context, req Request) Result {
	// 1. auth
	userID, ok := c.auth.Verify(ctx, req.AuthToken)
	if !ok {
		return Result{Outcome: OutcomeFailed, Err: c.catalog.New("authentication_required")}
	}
	req.UserID = userID

	// 2. client version
	if !c.versionSupported(req.ClientVersion) {
		return Result{Outcome: OutcomeFailed, Err: c.catalog.New("version_mismatch")}
	}

	// 3. character ownership
	owned, found := c.ownership.Owns(ctx, userID, req.CharacterID)
	if !found {
		return Result{Outcome: OutcomeFailed, Err: c.catalog.New("character_not_found")}
	}
	if !owned {
		return Result{Outcome: OutcomeFailed, Err: c.catalog.New("character_not_owned")}
	}

	// 4. per-IP rate limit
	if !c.ipLimiter.allow(req.ClientIP) {
		return Result{
			Outcome:    OutcomeFailed,
			Err:        c.catalog.New("rate_limit_exceeded"),
			RetryAfter: time.Second,
		}
	}

	// 5. drain mode
	drainOn, estimatedCompletion := c.drain()
	if drainOn && !req.ReplaceExisting {
		return Result{Outcome: OutcomeFailed, Err: c.catalog.New("maintenance").WithDetails(map[string]interface{}{
			"type":                 "drain",
			"allowsQueueProcessing": true,
			"acceptsNewConnections": false,
			"estimatedCompletion":  estimatedCompletion,
		})}
	}

	// 6. existing active session for character
	existing := c.findActiveSession(req.CharacterID)
	if existing != nil {
		switch {
		case !req.ReplaceExisting:
			return Result{Outcome: OutcomeFailed, Err: c.catalog.New("already_in_session"), ExistingSession: existing}
		case req.ConfirmationToken == "" || !c.confirms.Valid(ctx, userID, req.InstanceID, req.ConfirmationToken):
			return Result{Outcome: OutcomeFailed, Err: c.catalog.New("invalid_request")}
		default:
			c.sessions.Remove(existing.SessionID)
		}
	}

	// 7. instance capacity
	seatsTaken, seatCapacity, queueLen, queueCapacity, instFound := c.capacity.Capacity(req.InstanceID)
	if !instFound {
		return Result{Outcome: OutcomeFailed, Err: c.catalog.New("not_found")}
	}

	if seatsTaken < seatCapacity {
		// The caller may already have seen ctx.Done() and returned a timeout
		// Result by the time this goroutine gets here; committing a session
		// now would orphan it behind the caller's back (§4.12 step 8).
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeFailed, Err: c.catalog.New("timeout")}
		}
		sessionID := uuid.NewString()
		c.sessions.CreateOrUpdate(session.CreateOrUpdateInput{
			SessionID: sessionID, UserID: userID, CharacterID: req.CharacterID, InstanceID: req.InstanceID,
		})
		return Result{Outcome: OutcomeSuccess, SessionID: sessionID, ReconnectToken: uuid.NewString()}
	}

	if queueLen < queueCapacity && c.cfg.MaxQueueLength > 0 && queueLen < c.cfg.MaxQueueLength {
		return Result{
			Outcome:       OutcomeQueued,
			Position:      queueLen + 1,
			EstimatedWait: time.Duration(queueLen+1) * 5 * time.Second,
		}
	}

	return Result{Outcome: OutcomeFailed, Err: c.catalog.New("queue_full"), RetryAfter: 5 * time.Second}
}

func (c *Controller) versionSupported(version string) bool {
	if len(c.cfg.SupportedVersions) == 0 {
		return true
	}
	for _, v := range c.cfg.SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

func (c *Controller) findActiveSession(characterID string) *session.Session {
	for _, s := range c.sessions.ListSessions(session.Filter{CharacterID: characterID}) {
		if s.Status == session.StatusActive {
			sCopy := s
			return &sCopy
		}
	}
	return nil
}

// ipRateLimiter is a per-IP token bucket with idle cleanup, adapted from
// the teacher's server.RateLimiter (pkg/server/ratelimit.go): same
// rate.Limiter-per-key plus lastAccess-tracked map, generalized from a
// global middleware limiter to the admission path's per-IP channel
// (§4.12 step 4).
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	rps      rate.Limit
	burst    int
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newIPRateLimiter(rps rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{limiters: make(map[string]*ipLimiterEntry), rps: rps, burst: burst}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// Cleanup removes IP entries idle longer than maxAge, preventing unbounded
// growth from one-shot clients. No code in cmd/server calls it, so entries
// are removed only when a caller invokes it directly.
func (rl *ipRateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > maxAge {
			delete(rl.limiters, ip)
		}
	}
}
