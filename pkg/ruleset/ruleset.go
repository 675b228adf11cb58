// Package ruleset implements the Rule Set Service (§4.6): publishing and
// looking up immutable, versioned bundles of gameplay parameters. Published
// sets never change in place; every accessor returns a deep clone so
// callers can mutate freely without corrupting the registry.
package ruleset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tilemud/core/pkg/catalog"
)

const (
	minBoardDimension = 1
	maxBoardDimension = 256
	minMaxPlayers     = 2
	maxMaxPlayers     = 64
	maxTags           = 32
	maxTagLength      = 32
	defaultAdjacency  = "orthogonal"

	// AdjacencyNone places anywhere, skipping the neighbor check entirely.
	AdjacencyNone = "none"
	// AdjacencyOrthogonal requires a placed neighbor sharing an edge.
	AdjacencyOrthogonal = "orthogonal"
	// AdjacencyAny requires a placed neighbor sharing an edge or corner.
	AdjacencyAny = "any"
)

// semverPattern is the official semver.org strict-SemVer regex. No pack
// example directly exercises a third-party semver library in application
// code (blang/semver appears only as an indirect transitive dependency
// pulled in by Kubernetes client libraries, never imported by hand-written
// code), so strict validation is hand-rolled against the canonical grammar
// instead of adding an unexercised dependency.
var semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Metadata is the caller-supplied (pre-normalization) form of a rule set's
// parameters.
type Metadata struct {
	BoardWidth  int                    `json:"boardWidth"`
	BoardHeight int                    `json:"boardHeight"`
	MaxPlayers  int                    `json:"maxPlayers"`
	Tags        []string               `json:"tags"`
	Adjacency   string                 `json:"adjacency"`
	Extras      map[string]interface{} `json:"extras,omitempty"`

	// AllowFirstPlacementAnywhere exempts the adjacency check for the very
	// first tile placed on an otherwise-empty board (§3's placement rules).
	AllowFirstPlacementAnywhere bool `json:"allowFirstPlacementAnywhere"`
}

// RuleSet is one immutable, published bundle.
type RuleSet struct {
	ID          string
	Version     string
	Metadata    Metadata
	PublishedAt time.Time
}

// Registry is the Rule Set Service: a frozen-after-publish collection of
// RuleSets, indexed by both version and id.
type Registry struct {
	mu        sync.RWMutex
	byVersion map[string]*RuleSet
	byID      map[string]*RuleSet
	catalog   *catalog.Catalog
}

// NewRegistry constructs an empty Rule Set Registry.
func NewRegistry(cat *catalog.Catalog) *Registry {
	return &Registry{
		byVersion: make(map[string]*RuleSet),
		byID:      make(map[string]*RuleSet),
		catalog:   cat,
	}
}

// Publish registers a new rule set at version, normalizing metadata first.
// It fails with invalid_version if version is not strict SemVer, and with
// version_conflict if the version is already published.
func (r *Registry) Publish(version string, metadata Metadata) (RuleSet, error) {
	if !semverPattern.MatchString(version) {
		return RuleSet{}, r.catalog.New("invalid_version").WithDetails(map[string]interface{}{
			"version": version,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byVersion[version]; exists {
		return RuleSet{}, r.catalog.New("version_conflict").WithDetails(map[string]interface{}{
			"version": version,
		})
	}

	rs := &RuleSet{
		ID:          uuid.NewString(),
		Version:     version,
		Metadata:    normalize(metadata),
		PublishedAt: time.Now().UTC(),
	}

	r.byVersion[version] = rs
	r.byID[rs.ID] = rs

	return cloneRuleSet(rs), nil
}

// RequireByVersion returns a deep clone of the rule set at version, failing
// with not_found if absent.
func (r *Registry) RequireByVersion(version string) (RuleSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rs, ok := r.byVersion[version]
	if !ok {
		return RuleSet{}, r.catalog.New("not_found").WithDetails(map[string]interface{}{"version": version})
	}
	return cloneRuleSet(rs), nil
}

// RequireByID returns a deep clone of the rule set with the given id,
// failing with not_found if absent.
func (r *Registry) RequireByID(id string) (RuleSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rs, ok := r.byID[id]
	if !ok {
		return RuleSet{}, r.catalog.New("not_found").WithDetails(map[string]interface{}{"id": id})
	}
	return cloneRuleSet(rs), nil
}

// Latest returns the most recently published rule set, if any have been
// published. Comparison is by PublishedAt, not by SemVer precedence: the
// Lobby (§4.16) resolves "current latest" this way for fresh instances.
func (r *Registry) Latest() (RuleSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *RuleSet
	for _, rs := range r.byVersion {
		if latest == nil || rs.PublishedAt.After(latest.PublishedAt) {
			latest = rs
		}
	}
	if latest == nil {
		return RuleSet{}, false
	}
	return cloneRuleSet(latest), true
}

// normalize applies the metadata normalization rules of §4.6: dimension and
// maxPlayers clamping, case-insensitive tag dedup capped at 32 entries of
// at most 32 characters, adjacency defaulting, and filtering of Extras
// down to JSON-scalar values.
func normalize(m Metadata) Metadata {
	out := Metadata{
		BoardWidth:                  clamp(m.BoardWidth, minBoardDimension, maxBoardDimension),
		BoardHeight:                 clamp(m.BoardHeight, minBoardDimension, maxBoardDimension),
		MaxPlayers:                  clamp(m.MaxPlayers, minMaxPlayers, maxMaxPlayers),
		Adjacency:                   normalizeAdjacency(m.Adjacency),
		Tags:                        dedupTags(m.Tags),
		AllowFirstPlacementAnywhere: m.AllowFirstPlacementAnywhere,
	}
	if len(m.Extras) > 0 {
		out.Extras = scalarOnly(m.Extras)
	}
	return out
}

// normalizeAdjacency defaults an empty or unrecognized value to
// defaultAdjacency rather than letting a typo'd rule set silently disable
// adjacency enforcement.
func normalizeAdjacency(adjacency string) string {
	switch adjacency {
	case AdjacencyNone, AdjacencyOrthogonal, AdjacencyAny:
		return adjacency
	default:
		return defaultAdjacency
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func dedupTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if len(tag) > maxTagLength {
			tag = tag[:maxTagLength]
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
		if len(out) == maxTags {
			break
		}
	}
	sort.Strings(out)
	return out
}

// scalarOnly filters extras down to JSON-scalar values (string, number,
// bool, nil); nested objects/arrays are dropped rather than silently
// round-tripped, since §4.6 specifies "JSON-scalar only".
func scalarOnly(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch v.(type) {
		case string, bool, nil, float64, int, int64:
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// cloneRuleSet deep-clones a RuleSet via a JSON round trip, matching the
// Snapshot Service's approach (§4.11) to the same "callers must be safe to
// mutate" requirement, rather than hand-writing a field-by-field copier
// that would silently go stale as Metadata grows fields.
func cloneRuleSet(rs *RuleSet) RuleSet {
	data, err := json.Marshal(rs)
	if err != nil {
		// Metadata is restricted to JSON-marshalable scalars by normalize;
		// a marshal failure here indicates a programming error upstream.
		panic(fmt.Sprintf("ruleset: unmarshalable rule set %q: %v", rs.Version, err))
	}
	var out RuleSet
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("ruleset: clone round trip failed for %q: %v", rs.Version, err))
	}
	return out
}
