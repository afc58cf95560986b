package common

import "time"

// Scope is the visibility tier of a graph or memory item.
//
// ScopeUser content is visible only to its owner, ScopeTwin content only
// within that twin's context, and ScopeGlobal content to everyone.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeTwin   Scope = "twin"
	ScopeGlobal Scope = "global"
)

// SourceType identifies where a text unit originated.
type SourceType string

const (
	SourceChat      SourceType = "chat"
	SourceDocument  SourceType = "document"
	SourceCalendar  SourceType = "calendar"
	SourceSocial    SourceType = "social"
	SourceStatement SourceType = "statement"
)

// TextUnit is one chunk of source text submitted to the pipeline.
// Units are immutable once created; the pipeline tracks its progress
// through the memory tiers via ProcessingFlags.
type TextUnit struct {
	ID             string     `json:"id" validate:"required"`
	Text           string     `json:"text" validate:"required"`
	SourceType     SourceType `json:"source_type" validate:"required,oneof=chat document calendar social statement"`
	OwnerID        string     `json:"owner_id,omitempty"`
	Scope          Scope      `json:"scope" validate:"required,oneof=user twin global"`
	ConversationID string     `json:"conversation_id,omitempty"`
	AuthoredByUser bool       `json:"authored_by_user,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// CandidateEntity is raw extractor output before filtering.
type CandidateEntity struct {
	Text        string  `json:"text"`
	Type        string  `json:"type"`
	NativeLabel string  `json:"native_label,omitempty"`
	Confidence  float64 `json:"confidence"`
	Span        [2]int  `json:"span,omitempty"`
	Evidence    string  `json:"evidence,omitempty"`
}

// FilteredEntity is a candidate that survived the entity filter.
// Confidence is always within [0,1].
type FilteredEntity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Important  bool    `json:"important"`
}

// CandidateRelationship is raw extractor output linking two candidate
// entities by name. It is dropped unless both endpoints survive filtering.
type CandidateRelationship struct {
	SourceText   string  `json:"source_text"`
	TargetText   string  `json:"target_text"`
	RelationType string  `json:"relation_type"`
	Fact         string  `json:"fact"`
	Confidence   float64 `json:"confidence"`
}

// GraphNode is a persisted entity. Nodes are never duplicated for the
// same (name, type, scope, owner) tuple; find-or-create reuses the UUID.
type GraphNode struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Scope     Scope     `json:"scope"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// GraphEdge is a persisted relationship with temporal validity.
// A nil ValidTo means the edge is currently valid; logical deletion
// closes the edge by setting ValidTo instead of removing the row.
type GraphEdge struct {
	UUID       string     `json:"uuid"`
	Type       string     `json:"type"`
	SourceUUID string     `json:"source_uuid"`
	TargetUUID string     `json:"target_uuid"`
	Fact       string     `json:"fact"`
	Scope      Scope      `json:"scope"`
	OwnerID    string     `json:"owner_id"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
}

// TraitType categorizes a single piece of evidence about a user.
type TraitType string

const (
	TraitSkill      TraitType = "skill"
	TraitInterest   TraitType = "interest"
	TraitPreference TraitType = "preference"
	TraitDislike    TraitType = "dislike"
	TraitAttribute  TraitType = "attribute"
)

// Trait is a single typed, confidence-scored statement about a user.
// Traits are produced per text unit, merged into the UserProfile, and
// then discarded.
type Trait struct {
	Type        TraitType  `json:"type"`
	Name        string     `json:"name"`
	Category    string     `json:"category,omitempty"`
	Confidence  float64    `json:"confidence"`
	Evidence    string     `json:"evidence"`
	SourceType  SourceType `json:"source_type"`
	SourceID    string     `json:"source_id"`
	ExtractedAt time.Time  `json:"extracted_at"`
}

// Key returns the merge key for a trait: category.name for preferences,
// name otherwise, always paired with the trait type.
func (t Trait) Key() string {
	if t.Type == TraitPreference && t.Category != "" {
		return string(t.Type) + "|" + t.Category + "." + t.Name
	}
	return string(t.Type) + "|" + t.Name
}

// ProfileValue is one merged value inside a UserProfile, carrying its
// provenance and the timestamp of the last update.
type ProfileValue struct {
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Value       string    `json:"value,omitempty"`
	Confidence  float64   `json:"confidence"`
	Evidence    string    `json:"evidence"`
	Source      string    `json:"source"`
	LastUpdated time.Time `json:"last_updated"`
}

// UserProfile is the aggregated, queryable model of one user. There is
// exactly one profile per user; every trait merge mutates it.
type UserProfile struct {
	OwnerID            string                             `json:"owner_id"`
	Preferences        map[string]map[string]ProfileValue `json:"preferences"`
	Interests          map[string]ProfileValue            `json:"interests"`
	Skills             map[string]ProfileValue            `json:"skills"`
	Dislikes           map[string]ProfileValue            `json:"dislikes"`
	Attributes         []ProfileValue                     `json:"attributes"`
	KeyRelationships   []ProfileValue                     `json:"key_relationships"`
	CommunicationStyle string                             `json:"communication_style,omitempty"`
	UpdatedAt          time.Time                          `json:"updated_at"`
}

// MemoryTier identifies the retention tier of a memory record.
type MemoryTier string

const (
	TierRaw     MemoryTier = "raw"
	TierSummary MemoryTier = "summary"
)

// MemoryRecord is a vector-store entry. Raw entries expire via TTL;
// summary entries are durable.
type MemoryRecord struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	OwnerID  string            `json:"owner_id"`
	Scope    Scope             `json:"scope"`
	Tier     MemoryTier        `json:"tier"`
	Metadata map[string]string `json:"metadata,omitempty"`
	TTL      time.Duration     `json:"ttl,omitempty"`
}

// ProcessingFlags are per-unit idempotence markers. Each flag is set
// exactly once its corresponding side effect durably completes and is
// never reset without an explicit re-processing request.
type ProcessingFlags struct {
	ProcessedInMemory  bool `json:"processed_in_memory"`
	ProcessedInSummary bool `json:"processed_in_summary"`
	ProcessedInGraph   bool `json:"processed_in_graph"`
}

// ProcessResult summarizes one pipeline run over a text unit. Non-fatal
// failures are collected in Errors instead of aborting the batch.
type ProcessResult struct {
	EntitiesCreated      int      `json:"entities_created"`
	RelationshipsCreated int      `json:"relationships_created"`
	TraitsApplied        int      `json:"traits_applied"`
	Errors               []string `json:"errors,omitempty"`
}
