// Package action implements the Action Handler (§4.8): the synchronous,
// room-state-mutating core that resolves one ActionRequest into a
// Resolution. ActionRequest and Resolution are modeled as discriminated
// variants tagged by Type/Status, dispatched by a tag switch rather than
// polymorphism, per the design notes.
package action

import (
	"github.com/tilemud/core/pkg/board"
	"github.com/tilemud/core/pkg/catalog"
)

// Kind tags the variant of an ActionRequest.
type Kind string

const (
	KindTilePlacement Kind = "tile_placement"
	KindNPCEvent      Kind = "npc_event"
	KindScriptedEvent Kind = "scripted_event"
)

// ActionRequest is the tagged-union input to Handle. Only the fields
// relevant to Type are meaningful; the zero value of the rest is ignored.
type ActionRequest struct {
	Type          Kind
	InstanceID    string
	RequestID     string
	RequestedTick int64
	Timestamp     int64

	// Sequence is the client-assigned per-session sequence number (§6.3's
	// intent header), distinct from RequestedTick: it orders durability
	// writes for one session and feeds the Sequence Evaluator, while
	// RequestedTick orders board mutation within the room.
	Sequence int64

	// tile_placement
	PlayerID string
	Position board.Position
	TileType string

	// npc_event
	NPCID     string
	EventType string
	Data      map[string]interface{}

	// scripted_event
	ScriptID string
}

// Status tags a Resolution variant.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

// RejectReason categorizes why a Resolution was rejected.
type RejectReason string

const (
	RejectValidation RejectReason = "validation"
	RejectConflict   RejectReason = "conflict"
	RejectState      RejectReason = "state"
	RejectRateLimit  RejectReason = "rate_limit"
	RejectInternal   RejectReason = "internal"
)

// Effect is one outbound state-change notification emitted by a resolved
// action.
type Effect struct {
	Type             string
	Position         *board.Position
	TileType         string
	PreviousTileType string
	PlayerID         string
	NPCID            string
	EventType        string
	Data             map[string]interface{}
	ScriptID         string
}

// Resolution is the tagged-union result of Handle: either Applied fields
// or Rejected fields are meaningful, discriminated by Status.
type Resolution struct {
	Status Status

	// applied
	Effects   []Effect
	Tick      int64
	RequestID string

	// rejected
	RejectReason RejectReason
	Err          *catalog.Error
}

// RoomState is the minimal view of a Battle Room's mutable state the
// handler needs. pkg/room's *Room implements this; it is
// declared here, at the handler's boundary, so the Action Handler never
// imports pkg/room (which itself imports pkg/action) and the two packages
// don't cycle.
type RoomState interface {
	InstanceID() string
	IsActive() bool
	Tick() int64
	SetTick(tick int64)
	HasPlayer(playerID string) bool
	SetPlayerLastActionTick(playerID string, tick int64)
	Board() *board.Board
	UpsertNPC(npcID, eventType string, data map[string]interface{}, tick int64)

	// PlacementRules returns the rule set's adjacency requirement for tile
	// placement (§3, §4.8).
	PlacementRules() PlacementRules
}

// PlacementRules is the subset of a rule set's metadata tile placement
// validation needs.
type PlacementRules struct {
	// Adjacency is one of "none", "orthogonal", "any" (pkg/ruleset's
	// AdjacencyNone/AdjacencyOrthogonal/AdjacencyAny).
	Adjacency string
	// AllowFirstPlacementAnywhere exempts the very first placement on an
	// empty board from the adjacency check.
	AllowFirstPlacementAnywhere bool
}

// Handler resolves ActionRequests against a RoomState. It never writes to
// durability itself; callers persist before or after per action type
// (§4.10's Durable-Intent Acknowledgement Protocol wraps this for
// durability-requiring kinds).
type Handler struct {
	catalog *catalog.Catalog
}

// NewHandler constructs an Action Handler.
func NewHandler(cat *catalog.Catalog) *Handler {
	return &Handler{catalog: cat}
}

// Handle resolves one action against state. It is synchronous with respect
// to room state: callers must invoke it from the room's single-writer loop
// (§5), never concurrently for the same room.
func (h *Handler) Handle(req ActionRequest, state RoomState) Resolution {
	if req.InstanceID != state.InstanceID() {
		return h.reject(RejectState, "cross_instance_action", req.RequestID)
	}
	if !state.IsActive() {
		return h.reject(RejectState, "instance_terminated", req.RequestID)
	}

	switch req.Type {
	case KindTilePlacement:
		return h.handleTilePlacement(req, state)
	case KindNPCEvent:
		return h.handleNPCEvent(req, state)
	case KindScriptedEvent:
		return h.handleScriptedEvent(req, state)
	default:
		return h.reject(RejectValidation, "validation_failed", req.RequestID)
	}
}

func (h *Handler) handleTilePlacement(req ActionRequest, state RoomState) Resolution {
	if !state.HasPlayer(req.PlayerID) {
		return h.reject(RejectValidation, "validation_failed", req.RequestID)
	}

	rules := state.PlacementRules()
	b := state.Board()
	exemptFirstPlacement := rules.AllowFirstPlacementAnywhere && b.IsEmptyBoard()
	if rules.Adjacency != "none" && !exemptFirstPlacement && !b.HasAdjacentTile(req.Position, rules.Adjacency) {
		return h.rejectWith(RejectValidation, h.catalog.New("invalid_tile_placement").WithDetails(map[string]interface{}{
			"reason": "adjacency_required", "position": req.Position, "adjacency": rules.Adjacency,
		}), req.RequestID)
	}

	tick := resolveTick(req)
	cell, err := b.ApplyTilePlacement(req.Position, req.TileType, tick, req.PlayerID)
	if err != nil {
		catErr := err.(*catalog.Error)
		switch catErr.Entry.Reason {
		case "precedence_conflict":
			return h.rejectWith(RejectConflict, catErr, req.RequestID)
		default:
			return h.rejectWith(RejectValidation, catErr, req.RequestID)
		}
	}

	newTick := maxInt64(state.Tick(), tick)
	state.SetTick(newTick)
	state.SetPlayerLastActionTick(req.PlayerID, newTick)

	return Resolution{
		Status:    StatusApplied,
		Tick:      newTick,
		RequestID: req.RequestID,
		Effects: []Effect{{
			Type:     "tile_placement",
			Position: &req.Position,
			TileType: cell.TileType,
			PlayerID: req.PlayerID,
		}},
	}
}

func (h *Handler) handleNPCEvent(req ActionRequest, state RoomState) Resolution {
	tick := resolveTick(req)
	state.UpsertNPC(req.NPCID, req.EventType, req.Data, tick)
	newTick := maxInt64(state.Tick(), tick)
	state.SetTick(newTick)

	return Resolution{
		Status:    StatusApplied,
		Tick:      newTick,
		RequestID: req.RequestID,
		Effects: []Effect{{
			Type:      "npc_event",
			NPCID:     req.NPCID,
			EventType: req.EventType,
			Data:      req.Data,
		}},
	}
}

func (h *Handler) handleScriptedEvent(req ActionRequest, state RoomState) Resolution {
	tick := resolveTick(req)
	newTick := maxInt64(state.Tick(), tick)
	state.SetTick(newTick)

	return Resolution{
		Status:    StatusApplied,
		Tick:      newTick,
		RequestID: req.RequestID,
		Effects: []Effect{{
			Type:      "scripted_event",
			ScriptID:  req.ScriptID,
			EventType: req.EventType,
			Data:      req.Data,
		}},
	}
}

func (h *Handler) reject(reason RejectReason, catalogReason, requestID string) Resolution {
	return h.rejectWith(reason, h.catalog.New(catalogReason), requestID)
}

func (h *Handler) rejectWith(reason RejectReason, err *catalog.Error, requestID string) Resolution {
	return Resolution{
		Status:       StatusRejected,
		RejectReason: reason,
		Err:          err,
		RequestID:    requestID,
	}
}

func resolveTick(req ActionRequest) int64 {
	if req.RequestedTick != 0 {
		return req.RequestedTick
	}
	return req.Timestamp
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
