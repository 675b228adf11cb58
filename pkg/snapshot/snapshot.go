// Package snapshot implements the Snapshot Service (§4.11): pure,
// deep-cloned point-in-time views of a Battle Room's state, optionally
// projected per-viewer to hide other players' private fields.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tilemud/core/pkg/board"
	"github.com/tilemud/core/pkg/catalog"
)

// PlayerState is one player's serializable room state.
type PlayerState struct {
	PlayerID             string          `json:"playerId"`
	Status               string          `json:"status"`
	Position             *board.Position `json:"position,omitempty"`
	Initiative           int             `json:"initiative"`
	LastActionTick       int64           `json:"lastActionTick"`
	ReconnectGraceEndsAt *time.Time      `json:"reconnectGraceEndsAt,omitempty"`
	JoinedAt             time.Time       `json:"joinedAt"`
}

// NPCState is one NPC's serializable room state.
type NPCState struct {
	NPCID         string                 `json:"npcId"`
	LastEventType string                 `json:"lastEventType"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CurrentTick   int64                  `json:"currentTick"`
}

// PendingAction is one queued-but-not-yet-drained action, as seen from a
// snapshot (§4.11 includes pendingActions as public state).
type PendingAction struct {
	ActionID string `json:"actionId"`
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
}

// Snapshot is a pure, self-contained value capturing one room's state.
type Snapshot struct {
	InstanceID     string                 `json:"instanceId"`
	RulesetVersion string                 `json:"rulesetVersion"`
	Status         string                 `json:"status"`
	Tick           int64                  `json:"tick"`
	StartedAt      time.Time              `json:"startedAt"`
	Timestamp      time.Time              `json:"timestamp"`
	BoardWidth     int                    `json:"boardWidth"`
	BoardHeight    int                    `json:"boardHeight"`
	Board          []board.Cell           `json:"board"`
	Players        map[string]PlayerState `json:"players"`
	NPCs           map[string]NPCState    `json:"npcs"`
	PendingActions []PendingAction        `json:"pendingActions"`
}

// Source is the minimal view of a Battle Room a Snapshot is built from.
// pkg/room's *Room implements this.
type Source interface {
	InstanceID() string
	RulesetVersion() string
	StatusString() string
	Tick() int64
	StartedAt() time.Time
	Board() *board.Board
	Players() map[string]PlayerState
	NPCs() map[string]NPCState
	PendingActions() []PendingAction
}

// Service builds and projects snapshots.
type Service struct {
	catalog *catalog.Catalog
}

// NewService constructs a Snapshot Service.
func NewService(cat *catalog.Catalog) *Service {
	return &Service{catalog: cat}
}

// CreateSnapshot captures state into a pure, deep-cloned Snapshot value.
func (s *Service) CreateSnapshot(state Source) Snapshot {
	b := state.Board()
	raw := Snapshot{
		InstanceID:     state.InstanceID(),
		RulesetVersion: state.RulesetVersion(),
		Status:         state.StatusString(),
		Tick:           state.Tick(),
		StartedAt:      state.StartedAt(),
		Timestamp:      time.Now().UTC(),
		BoardWidth:     b.Width(),
		BoardHeight:    b.Height(),
		Board:          b.Cells(),
		Players:        state.Players(),
		NPCs:           state.NPCs(),
		PendingActions: state.PendingActions(),
	}
	return cloneSnapshot(raw)
}

// ExtractPlayerView projects snap for viewerId: the viewer's own entry is
// included verbatim; other players are included only while active, with
// lastActionTick zeroed and reconnectGraceEndsAt cleared to prevent a
// disconnected player's grace timing and activity from leaking to peers.
func (s *Service) ExtractPlayerView(snap Snapshot, viewerID string) (Snapshot, error) {
	if _, ok := snap.Players[viewerID]; !ok {
		return Snapshot{}, s.catalog.New("not_found").WithDetails(map[string]interface{}{"viewerId": viewerID})
	}

	view := cloneSnapshot(snap)
	for id, p := range view.Players {
		if id == viewerID {
			continue
		}
		if p.Status != "active" {
			delete(view.Players, id)
			continue
		}
		p.LastActionTick = 0
		p.ReconnectGraceEndsAt = nil
		view.Players[id] = p
	}
	return view, nil
}

// BoardDeltaEntry is one changed cell between two board snapshots.
type BoardDeltaEntry struct {
	Index    int    `json:"index"`
	TileType string `json:"tileType"`
	Tick     int64  `json:"tick"`
}

// ComputeBoardDelta returns every cell where tileType or lastUpdatedTick
// changed between old and new. Mismatched dimensions fail with
// board_size_mismatch.
func (s *Service) ComputeBoardDelta(old, new Snapshot) ([]BoardDeltaEntry, error) {
	if old.BoardWidth != new.BoardWidth || old.BoardHeight != new.BoardHeight {
		return nil, s.catalog.New("board_size_mismatch").WithDetails(map[string]interface{}{
			"oldWidth": old.BoardWidth, "oldHeight": old.BoardHeight,
			"newWidth": new.BoardWidth, "newHeight": new.BoardHeight,
		})
	}

	var delta []BoardDeltaEntry
	for i := range new.Board {
		if i >= len(old.Board) {
			break
		}
		if old.Board[i].TileType != new.Board[i].TileType || old.Board[i].LastUpdatedTick != new.Board[i].LastUpdatedTick {
			delta = append(delta, BoardDeltaEntry{
				Index:    i,
				TileType: new.Board[i].TileType,
				Tick:     new.Board[i].LastUpdatedTick,
			})
		}
	}
	return delta, nil
}

// cloneSnapshot deep-clones via a JSON round trip so callers may mutate the
// returned value freely without touching room-owned state (§4.11, §9's
// "deep cloning on the wire" design note).
func cloneSnapshot(snap Snapshot) Snapshot {
	data, err := json.Marshal(snap)
	if err != nil {
		panic(fmt.Sprintf("snapshot: unmarshalable snapshot for instance %q: %v", snap.InstanceID, err))
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("snapshot: clone round trip failed for instance %q: %v", snap.InstanceID, err))
	}
	return out
}
