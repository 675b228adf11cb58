// Package board implements the Board State component (§4.7): a row-major
// grid of cells supporting single-writer tile placement with tick-ordered,
// write-once-per-cell semantics.
package board

import (
	"sync"

	"github.com/tilemud/core/pkg/catalog"
)

// Position is a zero-indexed (x, y) coordinate into the grid.
type Position struct {
	X int
	Y int
}

// Cell is one grid slot. An empty cell has TileType == "".
type Cell struct {
	TileType        string
	LastUpdatedTick int64
	LastUpdatedBy   string
}

// IsEmpty reports whether the cell has never been placed on.
func (c Cell) IsEmpty() bool { return c.TileType == "" }

// Seed describes one pre-placed tile used to initialize a Board from a
// room's initialTiles (§4.10), bypassing ApplyTilePlacement's validation
// since seeding happens before the board is live.
type Seed struct {
	Position Position
	TileType string
	Tick     int64
	Actor    string
}

// Board is the row-major tile grid for one battle instance. It is not
// internally concurrency-safe beyond its own mutex; callers in a
// single-writer room loop may rely on that mutex purely as a safety net,
// not as their coordination mechanism (§5: room state is not shared).
type Board struct {
	mu      sync.RWMutex
	width   int
	height  int
	cells   []Cell
	catalog *catalog.Catalog
}

// NewBoard constructs a width x height board of empty cells, optionally
// seeded with the given tiles.
func NewBoard(width, height int, cat *catalog.Catalog, seeds []Seed) *Board {
	b := &Board{
		width:   width,
		height:  height,
		cells:   make([]Cell, width*height),
		catalog: cat,
	}
	for _, s := range seeds {
		if idx, ok := b.index(s.Position); ok {
			b.cells[idx] = Cell{TileType: s.TileType, LastUpdatedTick: s.Tick, LastUpdatedBy: s.Actor}
		}
	}
	return b
}

// Width and Height expose board dimensions.
func (b *Board) Width() int  { return b.width }
func (b *Board) Height() int { return b.height }

func (b *Board) index(pos Position) (int, bool) {
	if pos.X < 0 || pos.X >= b.width || pos.Y < 0 || pos.Y >= b.height {
		return 0, false
	}
	return pos.Y*b.width + pos.X, true
}

// GetCell returns the cell at pos and whether pos was in bounds.
func (b *Board) GetCell(pos Position) (Cell, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, ok := b.index(pos)
	if !ok {
		return Cell{}, false
	}
	return b.cells[idx], true
}

// Cells returns a copy of the full row-major cell array, safe for the
// caller to read without holding the board's lock.
func (b *Board) Cells() []Cell {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Cell, len(b.cells))
	copy(out, b.cells)
	return out
}

// HasAdjacentTile reports whether pos has a placed neighbor under rule:
// AdjacencyNone always reports true (no neighbor required), AdjacencyOrthogonal
// checks the four edge-sharing neighbors, and AdjacencyAny also includes the
// four diagonal neighbors.
func (b *Board) HasAdjacentTile(pos Position, rule string) bool {
	if rule == "none" {
		return true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	offsets := [][2]int{{0, -1}, {0, 1}, {-1, 0}, {1, 0}}
	if rule == "any" {
		offsets = append(offsets, [2]int{-1, -1}, [2]int{-1, 1}, [2]int{1, -1}, [2]int{1, 1})
	}

	for _, off := range offsets {
		neighbor := Position{X: pos.X + off[0], Y: pos.Y + off[1]}
		idx, ok := b.index(neighbor)
		if !ok {
			continue
		}
		if !b.cells[idx].IsEmpty() {
			return true
		}
	}
	return false
}

// IsEmptyBoard reports whether no cell has ever been placed on, for the
// allowFirstPlacementAnywhere adjacency exemption.
func (b *Board) IsEmptyBoard() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, c := range b.cells {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}

// ApplyTilePlacement enforces §4.7's four-step contract:
//  1. pos must be in bounds.
//  2. the cell must be empty.
//  3. tick must be >= the cell's LastUpdatedTick (no backward writes).
//  4. on success, set TileType/LastUpdatedTick/LastUpdatedBy.
//
// An out-of-bounds or backward-tick violation raises invalid_tile_placement;
// an already-occupied cell raises precedence_conflict, since that case means
// another action already won the race for this target.
func (b *Board) ApplyTilePlacement(pos Position, tileType string, tick int64, actor string) (Cell, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.index(pos)
	if !ok {
		return Cell{}, b.catalog.New("invalid_tile_placement").WithDetails(map[string]interface{}{
			"reason": "out_of_bounds", "position": pos,
		})
	}

	cell := b.cells[idx]
	if !cell.IsEmpty() {
		return Cell{}, b.catalog.New("precedence_conflict").WithDetails(map[string]interface{}{
			"position": pos, "winner": cell.LastUpdatedBy,
		})
	}

	if tick < cell.LastUpdatedTick {
		return Cell{}, b.catalog.New("invalid_tile_placement").WithDetails(map[string]interface{}{
			"reason": "backward_tick", "position": pos,
		})
	}

	cell = Cell{TileType: tileType, LastUpdatedTick: tick, LastUpdatedBy: actor}
	b.cells[idx] = cell
	return cell, nil
}
