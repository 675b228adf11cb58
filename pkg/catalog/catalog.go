// Package catalog provides the frozen registry of domain error kinds shared
// across the realtime core. Every error-producing path looks up an Entry
// here rather than constructing ad-hoc error strings, so clients see a
// stable numeric code, category, and retryability regardless of which
// component raised the failure.
package catalog

import (
	"fmt"
	"sync"
)

// Category buckets an Entry for propagation-policy decisions (§7).
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryConflict   Category = "conflict"
	CategoryCapacity   Category = "capacity"
	CategoryRateLimit  Category = "rate_limit"
	CategoryState      Category = "state"
	CategorySecurity   Category = "security"
	CategoryInternal   Category = "internal"
)

// Entry is one frozen row of the error catalog.
type Entry struct {
	NumericCode  string
	Reason       string
	Category     Category
	Retryable    bool
	HumanMessage string
}

// Error wraps an Entry with optional request-scoped context and implements
// the standard error interface.
type Error struct {
	Entry     Entry
	Details   map[string]interface{}
	RequestID string
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request=%s)", e.Entry.NumericCode, e.Entry.HumanMessage, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Entry.NumericCode, e.Entry.HumanMessage)
}

// WithDetails returns a copy of e carrying the supplied details map.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	return &Error{Entry: e.Entry, Details: details, RequestID: e.RequestID}
}

// WithRequestID returns a copy of e carrying the supplied correlation id.
func (e *Error) WithRequestID(requestID string) *Error {
	return &Error{Entry: e.Entry, Details: e.Details, RequestID: requestID}
}

// Catalog is the frozen, thread-safe lookup table of all known entries. It
// is immutable after NewCatalog returns; lookup methods take no lock
// beyond what is needed for concurrent map reads, since the underlying maps
// are never mutated post-construction.
type Catalog struct {
	byReason map[string]Entry
	byCode   map[string]Entry
	all      []Entry
	mu       sync.RWMutex
}

// NewCatalog builds the catalog from the fixed entry set below and panics if
// any numeric code collides or any entry carries an empty human message;
// both are programming errors in this package, not runtime conditions.
func NewCatalog() *Catalog {
	c := &Catalog{
		byReason: make(map[string]Entry, len(defaultEntries)),
		byCode:   make(map[string]Entry, len(defaultEntries)),
		all:      make([]Entry, 0, len(defaultEntries)),
	}
	for _, e := range defaultEntries {
		if e.HumanMessage == "" {
			panic(fmt.Sprintf("catalog: entry %s has empty human message", e.Reason))
		}
		if _, exists := c.byCode[e.NumericCode]; exists {
			panic(fmt.Sprintf("catalog: duplicate numeric code %s", e.NumericCode))
		}
		c.byReason[e.Reason] = e
		c.byCode[e.NumericCode] = e
		c.all = append(c.all, e)
	}
	return c
}

// LookupByReason returns the entry with the given symbolic reason.
func (c *Catalog) LookupByReason(reason string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byReason[reason]
	return e, ok
}

// LookupByNumericCode returns the entry with the given numeric code.
func (c *Catalog) LookupByNumericCode(code string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byCode[code]
	return e, ok
}

// LookupByKey is an alias for LookupByReason; the catalog is keyed by
// symbolic reason, which doubles as its lookup key.
func (c *Catalog) LookupByKey(key string) (Entry, bool) {
	return c.LookupByReason(key)
}

// ListAll returns every entry, optionally filtered by category.
func (c *Catalog) ListAll(filter *Category) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if filter == nil {
		out := make([]Entry, len(c.all))
		copy(out, c.all)
		return out
	}
	out := make([]Entry, 0)
	for _, e := range c.all {
		if e.Category == *filter {
			out = append(out, e)
		}
	}
	return out
}

// New constructs an *Error for the given reason, falling back to
// internal_error if the reason is unknown so that callers never need to
// nil-check the result.
func (c *Catalog) New(reason string) *Error {
	e, ok := c.LookupByReason(reason)
	if !ok {
		e = c.byReason["internal_error"]
	}
	return &Error{Entry: e}
}

// defaultEntries is the frozen seed table. Numeric codes are stable once
// assigned; never reuse a retired code.
var defaultEntries = []Entry{
	{"E1001", "validation_failed", CategoryValidation, false, "The request could not be validated."},
	{"E1002", "invalid_tile_placement", CategoryValidation, false, "The requested tile placement is invalid."},
	{"E1003", "invalid_request", CategoryValidation, false, "The request was malformed or missing required fields."},
	{"E1004", "invalid_version", CategoryValidation, false, "The supplied version string is not valid SemVer."},

	{"E2001", "precedence_conflict", CategoryConflict, false, "Another action already claimed that target."},

	{"E3001", "queue_full", CategoryCapacity, true, "The instance queue is full; try again shortly."},
	{"E3002", "already_in_session", CategoryCapacity, false, "An active session already exists for this character."},

	{"E4001", "rate_limit_exceeded", CategoryRateLimit, true, "Too many requests; please slow down."},
	{"E4002", "chat_rate_limit_exceeded", CategoryRateLimit, true, "Too many chat messages; please slow down."},

	{"E5001", "instance_terminated", CategoryState, false, "The battle instance has ended."},
	{"E5002", "cross_instance_action", CategoryState, false, "The action targets a different instance than the session's."},
	{"E5003", "grace_period_expired", CategoryState, false, "The reconnection grace period has expired."},
	{"E5004", "missing_session", CategoryState, true, "No session was found; a full resync is required."},
	{"E5005", "gap", CategoryState, true, "A sequence gap was detected; a full resync is required."},
	{"E5006", "not_found", CategoryState, false, "The requested resource was not found."},
	{"E5007", "version_conflict", CategoryState, false, "That version has already been published."},
	{"E5008", "board_size_mismatch", CategoryState, false, "The two board states have mismatched dimensions."},
	{"E5009", "persistence_failed", CategoryState, true, "The action could not be durably recorded."},

	{"E6001", "authentication_required", CategorySecurity, false, "Authentication is required."},
	{"E6002", "version_mismatch", CategorySecurity, false, "Client build version is not supported."},
	{"E6003", "character_not_owned", CategorySecurity, false, "That character does not belong to this user."},
	{"E6004", "character_not_found", CategorySecurity, false, "That character could not be found."},
	{"E6005", "maintenance", CategorySecurity, true, "The server is in maintenance mode."},

	{"E9001", "internal_error", CategoryInternal, true, "An unexpected internal error occurred."},
	{"E9002", "timeout", CategoryInternal, true, "The operation timed out."},
}
