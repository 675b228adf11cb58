package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/catalog"
)

func newTestBoard(seeds []Seed) *Board {
	return NewBoard(4, 4, catalog.NewCatalog(), seeds)
}

func TestBoard_ApplyTilePlacement_Success(t *testing.T) {
	b := newTestBoard(nil)
	cell, err := b.ApplyTilePlacement(Position{X: 1, Y: 1}, "wall", 5, "p1")
	require.NoError(t, err)
	assert.Equal(t, "wall", cell.TileType)
	assert.Equal(t, int64(5), cell.LastUpdatedTick)
	assert.Equal(t, "p1", cell.LastUpdatedBy)
}

func TestBoard_ApplyTilePlacement_OutOfBounds(t *testing.T) {
	b := newTestBoard(nil)
	_, err := b.ApplyTilePlacement(Position{X: 99, Y: 0}, "wall", 1, "p1")
	require.Error(t, err)
	catErr := err.(*catalog.Error)
	assert.Equal(t, "invalid_tile_placement", catErr.Entry.Reason)
}

func TestBoard_ApplyTilePlacement_OccupiedCellIsPrecedenceConflict(t *testing.T) {
	b := newTestBoard(nil)
	_, err := b.ApplyTilePlacement(Position{X: 1, Y: 1}, "wall", 5, "p1")
	require.NoError(t, err)

	_, err = b.ApplyTilePlacement(Position{X: 1, Y: 1}, "floor", 8, "p2")
	require.Error(t, err)
	catErr := err.(*catalog.Error)
	assert.Equal(t, "precedence_conflict", catErr.Entry.Reason)

	cell, _ := b.GetCell(Position{X: 1, Y: 1})
	assert.Equal(t, "wall", cell.TileType)
	assert.Equal(t, "p1", cell.LastUpdatedBy)
}

func TestBoard_ApplyTilePlacement_BackwardTickRejected(t *testing.T) {
	b := newTestBoard([]Seed{{Position: Position{X: 0, Y: 0}, TileType: "", Tick: 10}})
	_, err := b.ApplyTilePlacement(Position{X: 0, Y: 0}, "wall", 3, "p1")
	require.Error(t, err)
	catErr := err.(*catalog.Error)
	assert.Equal(t, "invalid_tile_placement", catErr.Entry.Reason)
}

func TestBoard_GetCell_OutOfBoundsReturnsFalse(t *testing.T) {
	b := newTestBoard(nil)
	_, ok := b.GetCell(Position{X: -1, Y: 0})
	assert.False(t, ok)
}

func TestBoard_NewBoard_SeedsInitialTiles(t *testing.T) {
	b := newTestBoard([]Seed{{Position: Position{X: 2, Y: 2}, TileType: "lava", Tick: 1, Actor: "system"}})
	cell, ok := b.GetCell(Position{X: 2, Y: 2})
	require.True(t, ok)
	assert.Equal(t, "lava", cell.TileType)
}
