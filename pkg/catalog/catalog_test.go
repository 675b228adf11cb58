package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog_NoDuplicateCodes(t *testing.T) {
	c := NewCatalog()
	seen := make(map[string]bool)
	for _, e := range c.ListAll(nil) {
		require.False(t, seen[e.NumericCode], "duplicate code %s", e.NumericCode)
		seen[e.NumericCode] = true
		require.NotEmpty(t, e.HumanMessage)
	}
}

func TestCatalog_LookupByReason(t *testing.T) {
	c := NewCatalog()

	e, ok := c.LookupByReason("precedence_conflict")
	require.True(t, ok)
	assert.Equal(t, CategoryConflict, e.Category)
	assert.False(t, e.Retryable)

	_, ok = c.LookupByReason("does_not_exist")
	assert.False(t, ok)
}

func TestCatalog_LookupByNumericCode(t *testing.T) {
	c := NewCatalog()

	e, ok := c.LookupByNumericCode("E4001")
	require.True(t, ok)
	assert.Equal(t, "rate_limit_exceeded", e.Reason)
}

func TestCatalog_ListAllFilter(t *testing.T) {
	c := NewCatalog()
	cat := CategoryRateLimit

	entries := c.ListAll(&cat)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, CategoryRateLimit, e.Category)
	}
}

func TestCatalog_New_FallsBackToInternalError(t *testing.T) {
	c := NewCatalog()

	err := c.New("totally_unknown_reason")
	require.NotNil(t, err)
	assert.Equal(t, "internal_error", err.Entry.Reason)
	assert.True(t, err.Entry.Retryable)
}

func TestError_WithDetailsAndRequestID(t *testing.T) {
	c := NewCatalog()
	base := c.New("queue_full")

	withDetails := base.WithDetails(map[string]interface{}{"position": 5})
	assert.Equal(t, 5, withDetails.Details["position"])

	withReq := withDetails.WithRequestID("req-123")
	assert.Contains(t, withReq.Error(), "req-123")
}
