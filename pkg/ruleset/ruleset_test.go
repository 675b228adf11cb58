package ruleset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/catalog"
)

func newTestRegistry() *Registry {
	return NewRegistry(catalog.NewCatalog())
}

func TestRegistry_Publish_NormalizesMetadata(t *testing.T) {
	r := newTestRegistry()

	rs, err := r.Publish("1.0.0", Metadata{
		BoardWidth:  1000,
		BoardHeight: 0,
		MaxPlayers:  200,
		Tags:        []string{"Arena", "arena", "PVP", "pvp", "pvp"},
		Extras:      map[string]interface{}{"skyColor": "blue", "nested": map[string]interface{}{"a": 1}},
	})

	require.NoError(t, err)
	assert.Equal(t, 256, rs.Metadata.BoardWidth)
	assert.Equal(t, 1, rs.Metadata.BoardHeight)
	assert.Equal(t, 64, rs.Metadata.MaxPlayers)
	assert.Equal(t, "orthogonal", rs.Metadata.Adjacency)
	assert.Len(t, rs.Metadata.Tags, 2)
	assert.Equal(t, "blue", rs.Metadata.Extras["skyColor"])
	assert.NotContains(t, rs.Metadata.Extras, "nested")
}

func TestRegistry_Publish_RejectsInvalidVersion(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Publish("not-a-version", Metadata{})
	require.Error(t, err)

	catErr, ok := err.(*catalog.Error)
	require.True(t, ok)
	assert.Equal(t, "invalid_version", catErr.Entry.Reason)
}

func TestRegistry_Publish_RejectsDuplicateVersion(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Publish("1.0.0", Metadata{})
	require.NoError(t, err)

	_, err = r.Publish("1.0.0", Metadata{})
	require.Error(t, err)
	catErr, ok := err.(*catalog.Error)
	require.True(t, ok)
	assert.Equal(t, "version_conflict", catErr.Entry.Reason)
}

func TestRegistry_RequireByVersion_NotFound(t *testing.T) {
	r := newTestRegistry()
	_, err := r.RequireByVersion("9.9.9")
	require.Error(t, err)
	catErr, ok := err.(*catalog.Error)
	require.True(t, ok)
	assert.Equal(t, "not_found", catErr.Entry.Reason)
}

func TestRegistry_RequireByID_ReturnsClone(t *testing.T) {
	r := newTestRegistry()
	published, err := r.Publish("1.2.3", Metadata{Tags: []string{"a"}})
	require.NoError(t, err)

	fetched, err := r.RequireByID(published.ID)
	require.NoError(t, err)

	fetched.Metadata.Tags[0] = "mutated"

	again, err := r.RequireByID(published.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Metadata.Tags[0])
}

func TestRegistry_Latest_ReturnsMostRecentlyPublished(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Publish("1.0.0", Metadata{})
	require.NoError(t, err)
	_, err = r.Publish("2.0.0", Metadata{})
	require.NoError(t, err)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, "2.0.0", latest.Version)
}
