// Package types defines core data structures for the teambook collaboration store.
package types

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Limits shared by validation, storage backends, and the kernel.
const (
	MaxContentLength    = 5000 // note and message content cap
	MaxSummaryLength    = 200  // note summary cap
	MaxMessageSummary   = 400  // message summary cap
	MaxResults          = 100
	DefaultRecent       = 30
	MaxTags             = 20
	MaxTeambookName     = 50
	MaxChannelName      = 50
	MaxAIIDLength       = 100
	BatchMax            = 50
	TemporalEdges       = 3
	SessionGapMinutes   = 30
	PageRankIterations  = 20
	PageRankDamping     = 0.85
	PageRankCacheSecs   = 300
	PageRankMinNotes    = 50
	OperationLogKeep    = 500 // per-teambook operation rows kept by sweeps
)

// PrivateTeambook is the sentinel scope used when no teambook is active.
const PrivateTeambook = "_private"

// Note is a durable text record in the collaboration graph.
type Note struct {
	ID                   int64     `json:"id"`
	Content              string    `json:"content"`
	Summary              string    `json:"summary,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	Pinned               bool      `json:"pinned,omitempty"`
	Author               string    `json:"author"`
	Owner                string    `json:"owner,omitempty"` // empty = unowned/claimable
	Teambook             string    `json:"teambook,omitempty"`
	Type                 NoteType  `json:"type,omitempty"`
	ParentID             *int64    `json:"parent_id,omitempty"`
	Created              time.Time `json:"created"`
	SessionID            *int64    `json:"session_id,omitempty"`
	LinkedItems          []string  `json:"linked_items,omitempty"`
	PageRank             float64   `json:"pagerank,omitempty"`
	RepresentationPolicy Policy    `json:"representation_policy,omitempty"`
	Metadata             string    `json:"metadata,omitempty"` // JSON object, opaque to storage
	HasVector            bool      `json:"has_vector,omitempty"`
	TamperHash           string    `json:"-"` // recomputed on every mutation, never imported
}

// ComputeTamperHash creates a deterministic hash over the note's semantic
// fields. Server-assigned fields (ID, Created, PageRank, HasVector) are
// excluded so the hash survives round-trips through any backend.
func (n *Note) ComputeTamperHash() string {
	h := sha256.New()

	h.Write([]byte(n.Content))
	h.Write([]byte{0})
	h.Write([]byte(n.Summary))
	h.Write([]byte{0})
	for _, t := range n.Tags {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	if n.Pinned {
		h.Write([]byte("pinned"))
	}
	h.Write([]byte{0})
	h.Write([]byte(n.Owner))
	h.Write([]byte{0})
	h.Write([]byte(n.Teambook))
	h.Write([]byte{0})
	for _, li := range n.LinkedItems {
		h.Write([]byte(li))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	h.Write([]byte(n.RepresentationPolicy.OrDefault()))
	h.Write([]byte{0})
	h.Write([]byte(n.Metadata))
	h.Write([]byte{0})
	h.Write([]byte(n.Type))
	h.Write([]byte{0})
	if n.ParentID != nil {
		h.Write([]byte(fmt.Sprintf("%d", *n.ParentID)))
	}
	h.Write([]byte{0})

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks the note's field values before a write.
func (n *Note) Validate() error {
	if len(n.Content) == 0 {
		return fmt.Errorf("content is required")
	}
	if len(n.Content) > MaxContentLength {
		return fmt.Errorf("content must be %d characters or less (got %d)", MaxContentLength, len(n.Content))
	}
	if len(n.Summary) > MaxSummaryLength {
		return fmt.Errorf("summary must be %d characters or less (got %d)", MaxSummaryLength, len(n.Summary))
	}
	if len(n.Tags) > MaxTags {
		return fmt.Errorf("at most %d tags allowed (got %d)", MaxTags, len(n.Tags))
	}
	if !n.RepresentationPolicy.IsValid() {
		return fmt.Errorf("invalid representation policy: %s", n.RepresentationPolicy)
	}
	return nil
}

// SetDefaults applies defaults for fields omitted by the caller.
func (n *Note) SetDefaults() {
	if n.Type == "" {
		n.Type = NoteGeneral
	}
	if n.RepresentationPolicy == "" {
		n.RepresentationPolicy = PolicyDefault
	}
	for i, t := range n.Tags {
		n.Tags[i] = strings.ToLower(strings.TrimSpace(t))
	}
}

// NoteType categorizes a note. The set is open: well-known values below,
// free-form values accepted up to 50 characters.
type NoteType string

// Well-known note types
const (
	NoteGeneral   NoteType = "general"
	NoteTask      NoteType = "task"
	NoteDM        NoteType = "dm"
	NoteEvolution NoteType = "evolution"
	NoteProject   NoteType = "project"
)

// IsValid accepts any non-empty type name up to 50 characters, or empty
// (which defaults to general).
func (t NoteType) IsValid() bool {
	return len(t) <= 50
}

// Policy controls how note content is stored.
type Policy string

// Representation policies
const (
	PolicyDefault  Policy = "default"  // compress when beneficial
	PolicyVerbatim Policy = "verbatim" // store exactly as written
)

// IsValid checks the policy value, treating empty as default.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyDefault, PolicyVerbatim, "":
		return true
	}
	return false
}

// OrDefault resolves the empty policy to PolicyDefault.
func (p Policy) OrDefault() Policy {
	if p == "" {
		return PolicyDefault
	}
	return p
}

// Compress reports whether content stored under this policy may be compressed.
func (p Policy) Compress() bool {
	return p.OrDefault() != PolicyVerbatim
}

// Edge is a typed, weighted, directed relationship between two notes.
// Temporal validity (ValidFrom/ValidTo) lets readers ask what the graph
// looked like at a point in time; a nil ValidTo means the edge is open.
type Edge struct {
	FromID       int64      `json:"from_id"`
	ToID         int64      `json:"to_id"`
	Type         EdgeType   `json:"type"`
	Weight       float64    `json:"weight"`
	Created      time.Time  `json:"created"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	SourceNoteID *int64     `json:"source_note_id,omitempty"`
	Metadata     string     `json:"metadata,omitempty"`
}

// EdgeType categorizes the relationship between two notes.
type EdgeType string

// Edge type constants. Temporal, session, and entity edges are written
// symmetrically; reference/referenced_by form an asymmetric pair.
const (
	EdgeTemporal     EdgeType = "temporal"
	EdgeReference    EdgeType = "reference"
	EdgeReferencedBy EdgeType = "referenced_by"
	EdgeSession      EdgeType = "session"
	EdgeEntity       EdgeType = "entity"
)

// Edge weights by type.
const (
	WeightTemporal  = 1.0
	WeightReference = 2.0
	WeightSession   = 1.5
	WeightEntity    = 1.2
)

// IsValid checks the edge type value.
func (t EdgeType) IsValid() bool {
	switch t {
	case EdgeTemporal, EdgeReference, EdgeReferencedBy, EdgeSession, EdgeEntity:
		return true
	}
	return false
}

// Symmetric reports whether edges of this type are written in both directions.
func (t EdgeType) Symmetric() bool {
	switch t {
	case EdgeTemporal, EdgeSession, EdgeEntity:
		return true
	}
	return false
}

// Entity is an auto-extracted token (tool name, @mention, known noun)
// linked to the notes that mention it.
type Entity struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"` // tool, known, mention
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MentionCount int       `json:"mention_count"`
}

// EntityFact is a structured subject-relation-object triple with temporal
// validity. A new fact with an invalidating relation closes prior open facts
// for the same (subject, relation).
type EntityFact struct {
	ID           int64      `json:"id"`
	Subject      string     `json:"subject"`
	Relation     string     `json:"relation"`
	Object       string     `json:"object"`
	Confidence   float64    `json:"confidence"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	SourceNoteID int64      `json:"source_note_id,omitempty"`
}

// Session is a contiguous authoring window. Notes join the previous session
// when written within SessionGapMinutes of the prior note.
type Session struct {
	ID        int64     `json:"id"`
	Started   time.Time `json:"started"`
	Ended     time.Time `json:"ended"`
	NoteCount int       `json:"note_count"`
}

// Teambook is a named workspace scoping every other entity.
type Teambook struct {
	Name       string    `json:"name"`
	Creator    string    `json:"creator,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// ValidTeambookName checks the workspace naming rule: alphanumeric plus
// dash/underscore, up to MaxTeambookName characters. The private sentinel
// is accepted.
func ValidTeambookName(name string) bool {
	if name == PrivateTeambook {
		return true
	}
	if name == "" || len(name) > MaxTeambookName {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// NoteFilter selects notes for read/recall queries.
type NoteFilter struct {
	Teambook   string
	Query      string // full-text match over content/summary
	Tag        string
	Owner      *string // nil = any, pointer to "" = unowned
	Type       NoteType
	PinnedOnly bool
	All        bool // include other teambooks
	After      *time.Time
	Before     *time.Time
	IDs        []int64
	Limit      int
	Mode       ReadMode
}

// ReadMode determines result ordering for note reads.
type ReadMode string

// Read modes
const (
	// ModeRecent orders by created desc.
	ModeRecent ReadMode = "recent"
	// ModeImportant orders by pinned desc, pagerank desc, created desc.
	ModeImportant ReadMode = "important"
	// ModeHybrid blends full-text, graph, and pagerank scores (recall path).
	ModeHybrid ReadMode = "hybrid"
)

// IsValid checks the read mode value, treating empty as hybrid.
func (m ReadMode) IsValid() bool {
	switch m {
	case ModeRecent, ModeImportant, ModeHybrid, "":
		return true
	}
	return false
}

// Statistics provides aggregate metrics for a teambook.
type Statistics struct {
	TotalNotes     int       `json:"total_notes"`
	PinnedNotes    int       `json:"pinned_notes"`
	TotalEdges     int       `json:"total_edges"`
	TotalEntities  int       `json:"total_entities"`
	TotalMessages  int       `json:"total_messages"`
	UnreadMessages int       `json:"unread_messages"`
	ActiveLocks    int       `json:"active_locks"`
	PendingTasks   int       `json:"pending_tasks"`
	ActiveWatches  int       `json:"active_watches"`
	LastWrite      time.Time `json:"last_write,omitempty"`
}

// OperationRecord is one row of the per-teambook operation log, backing
// activity queries and the status snapshot.
type OperationRecord struct {
	ID         int64     `json:"id"`
	Operation  string    `json:"operation"`
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"ts"`
	DurationMS int64     `json:"dur_ms,omitempty"`
}
