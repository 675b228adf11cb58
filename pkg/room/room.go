// Package room implements the Battle Room (§4.10): the single-writer
// serial domain that owns one battle instance's board, player, and NPC
// state, drains its Action Pipeline, and wraps action-type intents in the
// Durable-Intent Acknowledgement Protocol (§4.13).
//
// Every exported method that mutates room state is documented as
// room-loop-only: callers must invoke them from the room's own cooperative
// loop (an owning goroutine that never calls two of these
// methods concurrently), never from multiple goroutines at once. The
// mutex carried by Room is a safety net for reads racing the loop, not the
// coordination mechanism itself (§5).
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/pkg/action"
	"github.com/tilemud/core/pkg/board"
	"github.com/tilemud/core/pkg/catalog"
	"github.com/tilemud/core/pkg/durability"
	"github.com/tilemud/core/pkg/protocol"
	"github.com/tilemud/core/pkg/ratelimit"
	"github.com/tilemud/core/pkg/ruleset"
	"github.com/tilemud/core/pkg/sequence"
	"github.com/tilemud/core/pkg/session"
	"github.com/tilemud/core/pkg/snapshot"
)

// defaultDrainBatch bounds one processActionQueue pass, preserving fairness
// across rooms sharing a worker pool (§5).
const defaultDrainBatch = 32

// Status is the tagged lifecycle state of a room.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// PlayerSessionState is one player's room-local state, independent of the
// transport session that represents their connection.
type PlayerSessionState struct {
	PlayerID             string
	Status               string // "active" | "disconnected"
	Position             board.Position
	Initiative           int
	LastActionTick       int64
	JoinedAt             time.Time
	ReconnectGraceEndsAt *time.Time
}

// ClientHandle is the minimal send surface a transport connection exposes
// to a Room; internal/transport's websocket glue implements this.
type ClientHandle interface {
	Send(env protocol.Envelope) error
}

// JoinOptions is the caller-supplied half of a Join call.
type JoinOptions struct {
	PlayerID     string
	SessionID    string
	Initiative   int
	StartingSpot board.Position
}

// Config configures a new Room; InitialTiles seeds the board before the
// room accepts any traffic.
type Config struct {
	InstanceID     string
	RulesetVersion string
	InitialTiles   []board.Seed
	GracePeriodMs  int64
}

// Room is the Battle Room: the owner of one instance's board, players,
// NPCs, and action queue.
type Room struct {
	mu sync.RWMutex

	instanceID     string
	rulesetVersion string
	status         Status
	tick           int64
	startedAt      time.Time
	maxClients     int
	gracePeriod    time.Duration
	placement      action.PlacementRules

	board   *board.Board
	players map[string]*PlayerSessionState
	npcs    map[string]snapshot.NPCState
	clients map[string]ClientHandle // playerId -> client handle
	drain   sync.Mutex              // enforces processActionQueue single-flight

	pipeline   *action.Pipeline
	handler    *action.Handler
	durability *durability.Log
	sessions   *session.Store
	sequences  *sequence.Evaluator
	snapshots  *snapshot.Service
	catalog    *catalog.Catalog
	log        *logrus.Entry
}

// New constructs a Room from a published rule set, seeding the board from
// cfg.InitialTiles and setting maxClients from the rule set's metadata
// (§4.10).
func New(cfg Config, rs ruleset.RuleSet, deps Dependencies) *Room {
	b := board.NewBoard(rs.Metadata.BoardWidth, rs.Metadata.BoardHeight, deps.Catalog, cfg.InitialTiles)

	gracePeriod := time.Duration(cfg.GracePeriodMs) * time.Millisecond
	if gracePeriod <= 0 {
		gracePeriod = 60 * time.Second
	}

	r := &Room{
		instanceID:     cfg.InstanceID,
		rulesetVersion: rs.Version,
		status:         StatusActive,
		startedAt:      time.Now().UTC(),
		maxClients:     rs.Metadata.MaxPlayers,
		gracePeriod:    gracePeriod,
		placement: action.PlacementRules{
			Adjacency:                   rs.Metadata.Adjacency,
			AllowFirstPlacementAnywhere: rs.Metadata.AllowFirstPlacementAnywhere,
		},
		board:          b,
		players:        make(map[string]*PlayerSessionState),
		npcs:           make(map[string]snapshot.NPCState),
		clients:        make(map[string]ClientHandle),
		pipeline:       action.NewPipeline(deps.Limiter),
		handler:        action.NewHandler(deps.Catalog),
		durability:     deps.Durability,
		sessions:       deps.Sessions,
		sequences:      sequence.NewEvaluator(deps.Sessions),
		snapshots:      snapshot.NewService(deps.Catalog),
		catalog:        deps.Catalog,
		log:            logrus.WithFields(logrus.Fields{"component": "room.Room", "instanceId": cfg.InstanceID}),
	}
	return r
}

// Dependencies are the shared services a Room is wired against.
type Dependencies struct {
	Catalog    *catalog.Catalog
	Limiter    *ratelimit.Limiter
	Durability *durability.Log
	Sessions   *session.Store
}

// action.RoomState implementation. These accessors are only ever called
// from within the room's own loop (via Handle), so they take the room's
// lock defensively rather than as their actual coordination mechanism.

func (r *Room) InstanceID() string { return r.instanceID }

func (r *Room) IsActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status == StatusActive
}

func (r *Room) Tick() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tick
}

func (r *Room) SetTick(tick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = tick
}

func (r *Room) HasPlayer(playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.players[playerID]
	return ok
}

func (r *Room) SetPlayerLastActionTick(playerID string, tick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[playerID]; ok {
		p.LastActionTick = tick
	}
}

func (r *Room) Board() *board.Board { return r.board }

func (r *Room) PlacementRules() action.PlacementRules { return r.placement }

func (r *Room) UpsertNPC(npcID, eventType string, data map[string]interface{}, tick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.npcs[npcID] = snapshot.NPCState{
		NPCID:         npcID,
		LastEventType: eventType,
		Data:          data,
		CurrentTick:   tick,
	}
}

// snapshot.Source implementation.

func (r *Room) RulesetVersion() string { return r.rulesetVersion }

func (r *Room) StatusString() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.status)
}

func (r *Room) StartedAt() time.Time { return r.startedAt }

func (r *Room) Players() map[string]snapshot.PlayerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]snapshot.PlayerState, len(r.players))
	for id, p := range r.players {
		out[id] = snapshot.PlayerState{
			PlayerID:             p.PlayerID,
			Status:               p.Status,
			Position:             &p.Position,
			Initiative:           p.Initiative,
			LastActionTick:       p.LastActionTick,
			ReconnectGraceEndsAt: p.ReconnectGraceEndsAt,
			JoinedAt:             p.JoinedAt,
		}
	}
	return out
}

func (r *Room) NPCs() map[string]snapshot.NPCState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]snapshot.NPCState, len(r.npcs))
	for id, n := range r.npcs {
		out[id] = n
	}
	return out
}

func (r *Room) PendingActions() []snapshot.PendingAction {
	entries := r.pipeline.Peek()
	out := make([]snapshot.PendingAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, snapshot.PendingAction{
			ActionID: e.ActionID,
			Kind:     string(e.Request.Type),
			Subject:  e.Subject,
		})
	}
	return out
}

// PendingCharacterIDs returns the distinct set of player/character ids with
// at least one queued action, for the Janitor's orphan queue entries phase
// (§4.15).
func (r *Room) PendingCharacterIDs() []string {
	entries := r.pipeline.Peek()
	seen := make(map[string]struct{}, len(entries))
	var out []string
	for _, e := range entries {
		if _, ok := seen[e.Request.PlayerID]; ok {
			continue
		}
		seen[e.Request.PlayerID] = struct{}{}
		out = append(out, e.Request.PlayerID)
	}
	return out
}

// EvictOrphanCharacter drops every queued action belonging to characterID,
// returning the count removed. Called by the Janitor once it confirms no
// session still owns that character.
func (r *Room) EvictOrphanCharacter(characterID string) int {
	return r.pipeline.EvictByPlayer(characterID)
}

// SubmitResult is the outcome of SubmitAction.
type SubmitResult struct {
	Accepted  bool
	ActionID  string
	Reason    string
	RateLimit *ratelimit.Decision
}

// SubmitAction is the action.submit message handler (§4.10): the caller
// has already mapped the client's transport session to req.PlayerID;
// sessionID is the subject the Rate Limiter, Sequence Evaluator, and
// Durability Log key on for this entry. SubmitAction enqueues the request
// and tells the caller whether to reply action.queued or action.rejected.
// It does not itself drain the queue; callers invoke ProcessActionQueue
// afterward (the room loop schedules both from the same message-handling
// turn).
func (r *Room) SubmitAction(req action.ActionRequest, sessionID string) SubmitResult {
	req.InstanceID = r.instanceID
	result := r.pipeline.Enqueue(req, sessionID)
	if !result.Accepted {
		return SubmitResult{Accepted: false, Reason: result.Reason, RateLimit: result.RateLimit}
	}
	return SubmitResult{Accepted: true, ActionID: result.ActionID, RateLimit: result.RateLimit}
}

// ProcessedAction is one outcome of a ProcessActionQueue pass, used by the
// caller to broadcast or unicast the right event.
type ProcessedAction struct {
	ActionID   string
	SessionID  string
	PlayerID   string
	Resolution action.Resolution
	Durability *durability.Record
	Broadcast  bool
}

// ProcessActionQueue is processActionQueue (§4.10, §5): a cooperative,
// single-flight drain of up to defaultDrainBatch queued entries. Callers
// must never invoke this concurrently for the same Room; the internal
// drain mutex only guards against that being done by accident, since the
// room's actual serialization is structural (one loop per room).
func (r *Room) ProcessActionQueue(ctx context.Context) []ProcessedAction {
	if !r.drain.TryLock() {
		return nil
	}
	defer r.drain.Unlock()

	batch := r.pipeline.DrainBatch(defaultDrainBatch)
	out := make([]ProcessedAction, 0, len(batch))
	for _, entry := range batch {
		out = append(out, r.processEntry(ctx, entry))
	}
	return out
}

func (r *Room) processEntry(ctx context.Context, entry action.Entry) ProcessedAction {
	sessionID := entry.Subject

	if requiresDurability(entry.Request.Type) {
		return r.processDurableEntry(ctx, entry, sessionID)
	}

	resolution := r.handler.Handle(entry.Request, r)
	return ProcessedAction{
		ActionID:   entry.ActionID,
		SessionID:  sessionID,
		PlayerID:   entry.Request.PlayerID,
		Resolution: resolution,
		Broadcast:  resolution.Status == action.StatusApplied,
	}
}

// processDurableEntry implements the Durable-Intent Acknowledgement
// Protocol (§4.13) for an entry whose kind requires durability: evaluate
// sequence, append to the Durability Log, and only on a successful append
// record the sequence and signal broadcast.
func (r *Room) processDurableEntry(ctx context.Context, entry action.Entry, sessionID string) ProcessedAction {
	sequenceNumber := entry.Request.Sequence
	playerID := entry.Request.PlayerID

	class := r.sequences.Classify(sessionID, sequenceNumber)
	switch class.Status {
	case sequence.Duplicate:
		rec, found, err := r.durability.LatestForSession(ctx, sessionID)
		if err == nil && found {
			return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Durability: &rec, Resolution: action.Resolution{Status: action.StatusApplied, RequestID: entry.ActionID}}
		}
		return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Resolution: r.handler.Handle(entry.Request, r)}
	case sequence.Gap:
		return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Resolution: action.Resolution{
			Status: action.StatusRejected, RejectReason: action.RejectState,
			Err: r.catalog.New("gap").WithDetails(map[string]interface{}{"missing": class.MissingCount}),
		}}
	case sequence.MissingSession:
		return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Resolution: action.Resolution{
			Status: action.StatusRejected, RejectReason: action.RejectState, Err: r.catalog.New("missing_session"),
		}}
	case sequence.OutOfOrder, sequence.Invalid:
		return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Resolution: action.Resolution{
			Status: action.StatusRejected, RejectReason: action.RejectValidation, Err: r.catalog.New("validation_failed"),
		}}
	}

	resolution := r.handler.Handle(entry.Request, r)
	if resolution.Status != action.StatusApplied {
		return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Resolution: resolution}
	}

	payload, err := encodeEffects(resolution.Effects)
	if err != nil {
		r.log.WithError(err).Error("failed to encode action effects for durability")
		return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Resolution: action.Resolution{
			Status: action.StatusRejected, RejectReason: action.RejectInternal, Err: r.catalog.New("internal_error"),
		}}
	}

	rec, err := r.durability.AppendAction(ctx, durability.AppendInput{
		SessionID:      sessionID,
		CharacterID:    entry.Request.PlayerID,
		SequenceNumber: sequenceNumber,
		ActionType:     string(entry.Request.Type),
		Payload:        payload,
	})
	if err != nil {
		catErr, _ := err.(*catalog.Error)
		return ProcessedAction{ActionID: entry.ActionID, SessionID: sessionID, PlayerID: playerID, Resolution: action.Resolution{
			Status: action.StatusRejected, RejectReason: action.RejectInternal, Err: catErr,
		}}
	}

	if ackErr := r.sequences.Acknowledge(sessionID, sequenceNumber); ackErr != nil {
		r.log.WithError(ackErr).Warn("failed to acknowledge sequence after successful durability append")
	}

	return ProcessedAction{
		ActionID:   entry.ActionID,
		SessionID:  sessionID,
		PlayerID:   playerID,
		Resolution: resolution,
		Durability: &rec,
		Broadcast:  true,
	}
}

func requiresDurability(kind action.Kind) bool {
	return kind == action.KindTilePlacement
}

// Join enforces capacity and either creates a new PlayerSessionState or
// restores an existing one, then records the client handle for broadcast
// delivery (§4.10).
func (r *Room) Join(opts JoinOptions, client ClientHandle) (snapshot.Snapshot, error) {
	r.mu.Lock()

	if existing, ok := r.players[opts.PlayerID]; ok {
		existing.Status = "active"
		existing.ReconnectGraceEndsAt = nil
		r.clients[opts.PlayerID] = client
		r.mu.Unlock()
		return r.snapshotFor(opts.PlayerID)
	}

	if len(r.players) >= r.maxClients {
		r.mu.Unlock()
		return snapshot.Snapshot{}, r.catalog.New("queue_full").WithDetails(map[string]interface{}{"instanceId": r.instanceID})
	}

	r.players[opts.PlayerID] = &PlayerSessionState{
		PlayerID:   opts.PlayerID,
		Status:     "active",
		Position:   opts.StartingSpot,
		Initiative: opts.Initiative,
		JoinedAt:   time.Now().UTC(),
	}
	r.clients[opts.PlayerID] = client
	r.mu.Unlock()

	return r.snapshotFor(opts.PlayerID)
}

func (r *Room) snapshotFor(playerID string) (snapshot.Snapshot, error) {
	full := r.snapshots.CreateSnapshot(r)
	return r.snapshots.ExtractPlayerView(full, playerID)
}

// FullSnapshot captures the room's unredacted state, for operator-facing
// crash diagnostics rather than per-viewer wire delivery.
func (r *Room) FullSnapshot() snapshot.Snapshot {
	return r.snapshots.CreateSnapshot(r)
}

// LeaveResult describes what Leave did, so the caller can tell the
// Reconnect Service and Session Store about it.
type LeaveResult struct {
	Consented            bool
	ReconnectGraceEndsAt time.Time
}

// Leave removes or suspends a player (§4.10). A consented leave deletes
// the player outright; an unconsented leave (disconnect) marks the player
// disconnected and stamps a reconnect deadline for the Reconnect Service
// and Janitor to enforce.
func (r *Room) Leave(playerID string, consented bool) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[playerID]
	if !ok {
		return LeaveResult{}, r.catalog.New("not_found").WithDetails(map[string]interface{}{"playerId": playerID})
	}

	delete(r.clients, playerID)

	if consented {
		delete(r.players, playerID)
		return LeaveResult{Consented: true}, nil
	}

	graceEnds := time.Now().UTC().Add(r.gracePeriod)
	p.Status = "disconnected"
	p.ReconnectGraceEndsAt = &graceEnds
	return LeaveResult{Consented: false, ReconnectGraceEndsAt: graceEnds}, nil
}

// MoveResult is the outcome of a Move call.
type MoveResult struct {
	Status   sequence.Outcome
	Position board.Position
}

// Move applies intent.move (§6.3, testable property 12): clamps magnitude
// into [1,3], computes the new position from direction and magnitude, and
// clamps the result to the board's bounds rather than rejecting an
// out-of-grid move outright. Move is sequence-ordered through the same
// Sequence Evaluator as action intents but is never appended to the
// Durability Log (§5's open question on move/chat durability, resolved as
// "not persisted").
func (r *Room) Move(sessionID, playerID string, direction protocol.Direction, magnitude int, seq int64) (MoveResult, error) {
	classification := r.sequences.Classify(sessionID, seq)
	switch classification.Status {
	case sequence.Duplicate, sequence.Gap, sequence.OutOfOrder, sequence.MissingSession, sequence.Invalid:
		return MoveResult{Status: classification.Status}, nil
	}

	delta, ok := protocol.MoveDelta[direction]
	if !ok {
		return MoveResult{}, r.catalog.New("validation_failed").WithDetails(map[string]interface{}{
			"field": "direction",
			"value": direction,
		})
	}
	magnitude = protocol.ClampMagnitude(magnitude)

	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return MoveResult{}, r.catalog.New("not_found").WithDetails(map[string]interface{}{"playerId": playerID})
	}

	next := board.Position{
		X: clampDimension(p.Position.X+delta[0]*magnitude, r.board.Width()),
		Y: clampDimension(p.Position.Y+delta[1]*magnitude, r.board.Height()),
	}
	p.Position = next
	r.mu.Unlock()

	if err := r.sequences.Acknowledge(sessionID, seq); err != nil {
		r.log.WithError(err).WithField("sessionId", sessionID).Warn("failed to acknowledge move sequence")
	}

	return MoveResult{Status: sequence.Accept, Position: next}, nil
}

func clampDimension(v, size int) int {
	if v < 0 {
		return 0
	}
	if v >= size {
		return size - 1
	}
	return v
}

// End terminates the room (Open Question Decision 3): status flips to
// terminated, every still-connected client is notified via their handle,
// and further action handling rejects with instance_terminated.
func (r *Room) End(reason string) {
	r.mu.Lock()
	r.status = StatusTerminated
	clients := make(map[string]ClientHandle, len(r.clients))
	for id, c := range r.clients {
		clients[id] = c
	}
	r.mu.Unlock()

	env, err := protocol.Encode(protocol.EventTypeError, protocol.EventError{
		Code:     "instance_terminated",
		Category: protocol.ErrorCategoryConsistency,
		Message:  fmt.Sprintf("instance ended: %s", reason),
	})
	if err != nil {
		r.log.WithError(err).Error("failed to encode room termination notice")
		return
	}
	for id, c := range clients {
		if sendErr := c.Send(env); sendErr != nil {
			r.log.WithError(sendErr).WithField("playerId", id).Warn("failed to notify client of room termination")
		}
	}
}

// Broadcast sends env to every currently connected client.
func (r *Room) Broadcast(env protocol.Envelope) {
	r.mu.RLock()
	clients := make([]ClientHandle, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(env); err != nil {
			r.log.WithError(err).Warn("broadcast send failed")
		}
	}
}

// Unicast sends env to a single connected player, if present.
func (r *Room) Unicast(playerID string, env protocol.Envelope) error {
	r.mu.RLock()
	client, ok := r.clients[playerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("room: no client handle for player %q", playerID)
	}
	return client.Send(env)
}

func encodeEffects(effects []action.Effect) ([]byte, error) {
	return json.Marshal(effects)
}
