// Package item provides shared domain types used across contextmem packages.
// This package exists to break import cycles between the store, extractor,
// consolidator, and ranker. Types here are foundational data structures with
// no dependencies on the persistence or embedding layers.
package item

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// KINDS AND SUBTYPES
// =============================================================================

// Kind distinguishes the two memory item variants plus the artifact namespace
// used for identifier minting.
type Kind string

const (
	KindSemantic Kind = "semantic"
	KindEpisodic Kind = "episodic"
	KindArtifact Kind = "artifact"
)

// Prefix returns the identifier prefix for the kind ("S", "E", "A").
func (k Kind) Prefix() string {
	switch k {
	case KindSemantic:
		return "S"
	case KindEpisodic:
		return "E"
	case KindArtifact:
		return "A"
	}
	return "?"
}

// Subtype refines a kind into the concrete item categories.
type Subtype string

const (
	// Semantic subtypes: durable knowledge.
	SubtypeDecision    Subtype = "decision"
	SubtypeRequirement Subtype = "requirement"
	SubtypeConstraint  Subtype = "constraint"
	SubtypeTask        Subtype = "task"
	SubtypeEntity      Subtype = "entity"
	SubtypePreference  Subtype = "preference"

	// Episodic subtypes: time-bounded events.
	SubtypeError       Subtype = "error"
	SubtypeLog         Subtype = "log"
	SubtypeTestFailure Subtype = "test_failure"
	SubtypeAttempt     Subtype = "attempt"
	SubtypeObservation Subtype = "observation"
)

// KindOf returns the kind a subtype belongs to.
func KindOf(st Subtype) Kind {
	switch st {
	case SubtypeDecision, SubtypeRequirement, SubtypeConstraint, SubtypeTask, SubtypeEntity, SubtypePreference:
		return KindSemantic
	case SubtypeError, SubtypeLog, SubtypeTestFailure, SubtypeAttempt, SubtypeObservation:
		return KindEpisodic
	}
	return KindSemantic
}

// InitialSalience returns the extraction-time base salience for a subtype.
func InitialSalience(st Subtype) float64 {
	switch st {
	case SubtypeDecision:
		return 0.8
	case SubtypeRequirement:
		return 0.75
	case SubtypeConstraint:
		return 0.7
	case SubtypeTask:
		return 0.6
	case SubtypeError:
		return 0.75
	case SubtypeTestFailure:
		return 0.8
	case SubtypeLog:
		return 0.4
	case SubtypeEntity:
		return 0.5
	case SubtypePreference:
		return 0.55
	}
	return 0.5
}

// =============================================================================
// ITEM STATE
// =============================================================================

// State is the item lifecycle state.
type State string

const (
	StateActive     State = "active"
	StateSuperseded State = "superseded"
	StateRetired    State = "retired"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// FormatID renders a minted sequence number as a stable identifier
// ("S42", "E7", "A1"). Numbers start at 1 per workspace per kind.
func FormatID(k Kind, n int64) string {
	return k.Prefix() + strconv.FormatInt(n, 10)
}

// ParseID splits an identifier into its kind and sequence number.
func ParseID(id string) (Kind, int64, error) {
	if len(id) < 2 {
		return "", 0, fmt.Errorf("malformed identifier %q", id)
	}
	var k Kind
	switch id[0] {
	case 'S':
		k = KindSemantic
	case 'E':
		k = KindEpisodic
	case 'A':
		k = KindArtifact
	default:
		return "", 0, fmt.Errorf("malformed identifier %q: unknown prefix", id)
	}
	n, err := strconv.ParseInt(id[1:], 10, 64)
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("malformed identifier %q", id)
	}
	return k, n, nil
}

// =============================================================================
// CORE ENTITIES
// =============================================================================

// SpanRef points into an artifact by byte offsets.
type SpanRef struct {
	ArtifactID string `json:"artifact_id"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// Item is the atomic unit of memory. Semantic and episodic variants share
// this envelope and are distinguished by Kind + Subtype; Payload carries
// subtype-specific attributes (tags, diff coordinates, revisions).
type Item struct {
	Workspace      string
	ID             string
	Thread         string
	Kind           Kind
	Subtype        Subtype
	Summary        string
	Body           string
	Salience       float64
	UsageCount     int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	RetiredAt      *time.Time
	State          State
	Payload        map[string]any
	Span           SpanRef
	ContentHash    uint64
	// EmbeddingModel is empty while the item is embedding_pending.
	EmbeddingModel string
}

// Pending reports whether the item still awaits an embedding.
func (it *Item) Pending() bool { return it.EmbeddingModel == "" }

// Artifact is the immutable raw source a cluster of items was extracted from.
type Artifact struct {
	Workspace   string
	ID          string
	Thread      string
	ContentType ContentType
	Body        string
	CreatedAt   time.Time
}

// ContentType tags the raw material format of an artifact.
type ContentType string

const (
	ContentChat ContentType = "chat"
	ContentDiff ContentType = "diff"
	ContentLogs ContentType = "logs"
)

// LinkType is the typed edge relation between two items.
type LinkType string

const (
	LinkDuplicateOf LinkType = "duplicate_of"
	LinkSupersedes  LinkType = "supersedes"
	LinkRefersTo    LinkType = "refers_to"
	LinkCausedBy    LinkType = "caused_by"
)

// Link is a typed directed edge between two items in the same workspace.
type Link struct {
	Workspace string
	From      string
	To        string
	Type      LinkType
	CreatedAt time.Time
}

// Signal classifies client feedback on an item.
type Signal string

const (
	SignalHelpful    Signal = "helpful"
	SignalNotHelpful Signal = "not_helpful"
	SignalOutdated   Signal = "outdated"
	SignalDuplicate  Signal = "duplicate"
)

// ValidSignal reports whether s is a recognized feedback signal.
func ValidSignal(s Signal) bool {
	switch s {
	case SignalHelpful, SignalNotHelpful, SignalOutdated, SignalDuplicate:
		return true
	}
	return false
}

// FeedbackRecord is one entry of the append-only feedback journal.
type FeedbackRecord struct {
	Workspace string
	ItemID    string
	Signal    Signal
	Magnitude float64
	At        time.Time
	Actor     string
}

// =============================================================================
// CANDIDATES AND MUTATIONS
// =============================================================================

// Candidate is an extracted item that has not yet been persisted.
// The consolidator decides whether it becomes a new item, merges into an
// existing one, or is dropped as a duplicate.
type Candidate struct {
	Subtype  Subtype
	Summary  string
	Body     string
	Salience float64
	Span     SpanRef
	Payload  map[string]any
	// Refs holds S###/E### identifiers mentioned in the body; they become
	// refers_to links once the candidate is persisted.
	Refs []string
}

// Kind returns the kind implied by the candidate's subtype.
func (c Candidate) Kind() Kind { return KindOf(c.Subtype) }

// Mutation is a typed update applied atomically to a single item.
// Nil pointer fields are left untouched; delta fields saturate at bounds.
type Mutation struct {
	Summary        *string
	Body           *string
	SalienceDelta  float64
	UsageIncrement int64
	Retired        bool
	Superseded     bool
	TouchAccess    bool
	Payload        map[string]any
	EmbeddingModel *string
}

// ClampSalience saturates a salience value into [0, 1].
func ClampSalience(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// =============================================================================
// FILTERS
// =============================================================================

// Filter restricts retrieval and search to a subset of items.
// The zero value means thread-local scope is decided by the caller and
// retired items are excluded.
type Filter struct {
	Thread          string
	IncludeKinds    []Kind
	ExcludeSubtypes []Subtype
	IncludeRetired  bool
	CrossThread     bool
}

// AllowsKind reports whether the filter admits items of kind k.
func (f Filter) AllowsKind(k Kind) bool {
	if len(f.IncludeKinds) == 0 {
		return true
	}
	for _, ik := range f.IncludeKinds {
		if ik == k {
			return true
		}
	}
	return false
}

// AllowsSubtype reports whether the filter admits items of subtype st.
func (f Filter) AllowsSubtype(st Subtype) bool {
	for _, ex := range f.ExcludeSubtypes {
		if ex == st {
			return false
		}
	}
	return true
}

// ParseKind validates a kind name from an external caller.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindSemantic:
		return KindSemantic, nil
	case KindEpisodic:
		return KindEpisodic, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}
