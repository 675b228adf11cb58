package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tilemud/core/pkg/admission"
	"github.com/tilemud/core/pkg/board"
	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/config"
	"github.com/tilemud/core/pkg/durability"
	"github.com/tilemud/core/pkg/healthpoll"
	"github.com/tilemud/core/pkg/janitor"
	"github.com/tilemud/core/pkg/lobby"
	"github.com/tilemud/core/pkg/metrics"
	"github.com/tilemud/core/pkg/persistence"
	"github.com/tilemud/core/pkg/ratelimit"
	"github.com/tilemud/core/pkg/reconnect"
	"github.com/tilemud/core/pkg/room"
	"github.com/tilemud/core/pkg/ruleset"
	"github.com/tilemud/core/pkg/session"
)

// app bundles every wired core service this entrypoint runs against.
type app struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	metrics    *metrics.Metrics
	rulesets   *ruleset.Registry
	limiter    *ratelimit.Limiter
	durability *durability.Log
	sessions   *session.Store
	lobby      *lobby.Lobby
	admission  *admission.Controller
	reconnect  *reconnect.Service
	janitor    *janitor.Sweeper
	health     *healthpoll.Poller
	redis      *redis.Client // nil when running without a cache dependency
	connCount  int64         // atomic; accessed only via sync/atomic in handlers.go

	auth    admission.AuthVerifier
	profile characterProfileSource

	// stateDump is nil unless STATE_DUMP_DIR is set. When present, runTickers
	// periodically writes every live room's full snapshot to it for
	// post-crash operator inspection; it is never read back by the server
	// itself.
	stateDump *persistence.FileStore
}

// buildApp constructs the full service graph from cfg. It never starts any
// background goroutine; callers drive the janitor and health poller
// tickers themselves (see runTickers in main.go).
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	cat := catalog.NewCatalog()
	m := metrics.New()
	registry := ruleset.NewRegistry(cat)

	if _, err := registry.Publish("1.0.0", ruleset.Metadata{
		BoardWidth:                  cfg.BoardMaxDimension,
		BoardHeight:                 cfg.BoardMaxDimension,
		MaxPlayers:                  cfg.MaxPlayers,
		Adjacency:                   ruleset.AdjacencyOrthogonal,
		AllowFirstPlacementAnywhere: true,
	}); err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(toRateLimitChannels(cfg.RateLimiterChannels))
	sessions := session.NewStore()

	durabilityStore, err := buildDurabilityStore(ctx)
	if err != nil {
		return nil, err
	}
	_, inMemoryDurability := durabilityStore.(*durability.Memory)
	durabilityLog := durability.NewLog(durabilityStore, cat, !inMemoryDurability)

	redisClient, err := maybeRedisClient()
	if err != nil {
		return nil, err
	}
	reconnectStore := buildReconnectStore(redisClient)
	reconnectSvc := reconnect.NewService(reconnectStore, cat,
		time.Duration(cfg.ReconnectGraceMs)*time.Millisecond, 30*time.Second)

	factory := func(roomCfg room.Config, rs ruleset.RuleSet) *room.Room {
		return room.New(roomCfg, rs, room.Dependencies{
			Catalog:    cat,
			Limiter:    limiter,
			Durability: durabilityLog,
			Sessions:   sessions,
		})
	}
	lob := lobby.NewLobby(registry, factory, cat)

	admissionCfg := admission.Config{
		SupportedVersions: cfg.SupportedClientBuilds,
		MaxQueueLength:    cfg.AdmissionMaxQueueLength,
		AdmissionTimeout:  time.Duration(cfg.AdmissionTimeoutMs) * time.Millisecond,
		IPRequestsPerSec:  float64(cfg.AdmissionRateLimit) / float64(cfg.AdmissionRateWindowSeconds),
		IPBurst:           cfg.AdmissionRateLimit,
	}
	authVerifier := devAuthVerifier{}
	admissionCtrl := admission.NewController(admissionCfg, admission.Dependencies{
		Catalog:   cat,
		Auth:      authVerifier,
		Ownership: devCharacterOwnership{},
		Confirms:  reconnectSvc,
		Capacity:  lob,
		Sessions:  sessions,
		DrainStatus: func() (bool, *time.Time) {
			return cfg.DrainModeEnabled, nil
		},
	})

	janitorSweeper := janitor.NewSweeper(janitor.Config{
		Interval:          time.Duration(cfg.JanitorIntervalSeconds) * time.Second,
		GraceBuffer:       time.Duration(cfg.JanitorGracePeriodBufferSeconds) * time.Second,
		InactivityTimeout: time.Duration(cfg.SessionInactivityTimeoutMs) * time.Millisecond,
	}, janitor.Dependencies{
		Sessions:  sessions,
		Reconnect: reconnectSvc,
		Rooms:     roomDirectory{lobby: lob},
		Notify: func(sess session.Session, reason string) {
			logrus.WithFields(logrus.Fields{
				"sessionId": sess.SessionID,
				"reason":    reason,
			}).Info("janitor removed session")
		},
	})

	healthPoller := buildHealthPoller(cfg, redisClient, m)
	stateDump := buildStateDump()

	return &app{
		cfg:        cfg,
		catalog:    cat,
		metrics:    m,
		rulesets:   registry,
		limiter:    limiter,
		durability: durabilityLog,
		sessions:   sessions,
		lobby:      lob,
		admission:  admissionCtrl,
		reconnect:  reconnectSvc,
		janitor:    janitorSweeper,
		health:     healthPoller,
		redis:      redisClient,
		auth:       authVerifier,
		profile:    devCharacterProfile{},
		stateDump:  stateDump,
	}, nil
}

// buildStateDump wires the operator-facing crash-diagnostics snapshot
// writer: nil unless STATE_DUMP_DIR names a writable directory.
func buildStateDump() *persistence.FileStore {
	dir := os.Getenv("STATE_DUMP_DIR")
	if dir == "" {
		return nil
	}
	store, err := persistence.NewFileStore(dir)
	if err != nil {
		logrus.WithError(err).Warn("failed to initialize state dump directory, continuing without it")
		return nil
	}
	return store
}

func toRateLimitChannels(in map[string]config.RateLimitChannel) map[string]ratelimit.Channel {
	out := make(map[string]ratelimit.Channel, len(in))
	for name, ch := range in {
		out[name] = ratelimit.Channel{Limit: ch.Limit, Window: ch.WindowMs}
	}
	return out
}

// buildDurabilityStore dials Postgres when DATABASE_URL is set, falling
// back to the in-memory store for local/dev runs.
func buildDurabilityStore(ctx context.Context) (durability.Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logrus.Info("DATABASE_URL not set, using in-memory Durability Log store")
		return durability.NewMemory(), nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	logrus.Info("Durability Log backed by Postgres")
	return durability.NewPostgresStore(pool), nil
}

// maybeRedisClient dials Redis when REDIS_URL is set, or returns a nil
// client when the Reconnect Service should run against its in-memory store.
func maybeRedisClient() (*redis.Client, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		logrus.Info("REDIS_URL not set, using in-memory Reconnect Service store")
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func buildReconnectStore(client *redis.Client) reconnect.Store {
	if client == nil {
		return reconnect.NewMemory()
	}
	logrus.Info("Reconnect Service backed by Redis")
	return reconnect.NewRedisStore(client)
}

// buildHealthPoller pings Redis when configured, or a trivially-healthy
// dependency when this process runs entirely in-memory.
func buildHealthPoller(cfg *config.Config, client *redis.Client, m *metrics.Metrics) *healthpoll.Poller {
	var pinger healthpoll.Pinger
	if client != nil {
		pinger = healthpoll.PingerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	} else {
		pinger = healthpoll.PingerFunc(func(ctx context.Context) error { return nil })
	}

	return healthpoll.NewPoller("cache", pinger, func(sig healthpoll.Signal) {
		outcome := "reconnected"
		if !sig.Healthy {
			outcome = "degraded"
		}
		m.RecordReconnectAttempt(outcome)
	}, healthpoll.Config{
		Interval: time.Duration(cfg.HealthPollIntervalSeconds) * time.Second,
		Timeout:  time.Duration(cfg.HealthPollTimeoutSeconds) * time.Second,
	})
}

// roomDirectory adapts lobby.Lobby's []*room.Room into janitor.RoomDirectory
// without pkg/lobby needing to import pkg/janitor.
type roomDirectory struct {
	lobby *lobby.Lobby
}

func (d roomDirectory) Rooms() []janitor.RoomQueue {
	rooms := d.lobby.Rooms()
	out := make([]janitor.RoomQueue, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r)
	}
	return out
}

// devAuthVerifier is a development stand-in for the real auth boundary
// (§4.12 step 1), which this core deliberately treats as an external
// collaborator. It accepts any non-empty bearer token and trusts it as the
// userId, matching the dev-mode posture pkg/config.EnableDevMode already
// documents for CORS.
type devAuthVerifier struct{}

func (devAuthVerifier) Verify(ctx context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	return token, true
}

// devCharacterOwnership is a development stand-in for the character
// ownership check (§4.12 step 3): Owns reports every character as existing
// and owned by every user, since no character registry exists in this
// core's scope.
type devCharacterOwnership struct{}

func (devCharacterOwnership) Owns(ctx context.Context, userID, characterID string) (bool, bool) {
	return true, true
}

// characterSnapshot is the §6.2 session-bootstrap payload's character state:
// position, stats and inventory as the character_profiles table (§6.4)
// would store them. This core does not own that table (it lives in the
// supporting-records system referenced by, not contained in, this core's
// scope) so characterProfileSource is an external collaborator, the same
// posture as admission.CharacterOwnership.
type characterSnapshot struct {
	CharacterID string                 `json:"characterId"`
	DisplayName string                 `json:"displayName"`
	Position    board.Position         `json:"position"`
	Stats       map[string]interface{} `json:"stats"`
	Inventory   []string               `json:"inventory"`
}

type characterProfileSource interface {
	Snapshot(ctx context.Context, userID, characterID string) (characterSnapshot, bool)
}

// devCharacterProfile is a development stand-in returning a fresh
// starting-state snapshot for any character, since no character-profile
// store is wired in dev mode.
type devCharacterProfile struct{}

func (devCharacterProfile) Snapshot(ctx context.Context, userID, characterID string) (characterSnapshot, bool) {
	return characterSnapshot{
		CharacterID: characterID,
		DisplayName: characterID,
		Position:    board.Position{X: 0, Y: 0},
		Stats:       map[string]interface{}{"health": 100},
		Inventory:   []string{},
	}, true
}
