package store

import (
	"context"
	"errors"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("not found")

// GraphStorage persists and queries the scoped temporal knowledge
// graph. Implementations must enforce a uniqueness constraint on
// (name, type, scope, owner) so concurrent find-or-create converges.
type GraphStorage interface {
	// FindNode returns the node for (name, type, scope, owner) or
	// ErrNotFound.
	FindNode(ctx context.Context, name, nodeType string, scope common.Scope, ownerID string) (*common.GraphNode, error)
	// CreateNode inserts the node and returns its UUID. When a
	// concurrent writer created the same identity first, the existing
	// UUID is returned instead of a duplicate.
	CreateNode(ctx context.Context, node *common.GraphNode) (string, error)
	// FindOpenEdges returns currently-valid edges (ValidTo is null)
	// between the named endpoints with the given type and scope.
	FindOpenEdges(ctx context.Context, sourceName, targetName, relType string, scope common.Scope, ownerID string) ([]common.GraphEdge, error)
	// CreateEdge inserts an edge with open validity and returns its UUID.
	CreateEdge(ctx context.Context, edge *common.GraphEdge) (string, error)
	// SetEdgeValidTo closes the edge's validity window (logical delete).
	SetEdgeValidTo(ctx context.Context, uuid string) error
	// DeleteEdge physically removes the edge row. Administrative cleanup
	// only.
	DeleteEdge(ctx context.Context, uuid string) error
	// SearchNodes returns nodes whose name matches the query within the
	// caller's accessible content: own user-scoped nodes plus global
	// ones. Twin-scoped nodes are returned only when twinOwnerID is set.
	SearchNodes(ctx context.Context, query, ownerID, twinOwnerID string, limit int) ([]common.GraphNode, error)
}

// VectorStorage persists embedded memory records.
type VectorStorage interface {
	// AddMemory inserts a record with its embedding and returns the
	// record ID. Raw-tier records carry a TTL after which they expire.
	AddMemory(ctx context.Context, record *common.MemoryRecord, embedding []float32) (string, error)
	// SearchMemory returns the closest unexpired records for the owner.
	SearchMemory(ctx context.Context, embedding []float32, ownerID string, scope common.Scope, limit int) ([]common.MemoryRecord, error)
	// GetConversationSummary returns the evolving summary record for a
	// conversation, or ErrNotFound when none exists yet.
	GetConversationSummary(ctx context.Context, conversationID string) (*common.MemoryRecord, error)
	// UpsertConversationSummary replaces the conversation's summary
	// record and embedding in place, creating it on first use.
	UpsertConversationSummary(ctx context.Context, conversationID string, record *common.MemoryRecord, embedding []float32) (string, error)
	// PurgeExpired removes raw-tier records past their TTL and returns
	// how many were dropped.
	PurgeExpired(ctx context.Context) (int64, error)
}

// ProfileStorage persists user profiles as single documents.
type ProfileStorage interface {
	// GetProfile returns the profile or nil when the user has none yet.
	GetProfile(ctx context.Context, ownerID string) (*common.UserProfile, error)
	SaveProfile(ctx context.Context, profile *common.UserProfile) error
}

// UnitStorage persists text units and their processing flags.
type UnitStorage interface {
	// SaveUnit inserts a unit if it does not exist. Replays are no-ops.
	SaveUnit(ctx context.Context, unit common.TextUnit) error
	GetUnit(ctx context.Context, unitID string) (*common.TextUnit, error)
	GetFlags(ctx context.Context, unitID string) (common.ProcessingFlags, error)
	// MarkProcessed sets one processing flag. Flags only move from
	// false to true; setting an already-set flag is a no-op.
	MarkProcessed(ctx context.Context, unitID string, flag ProcessingStage) error
	// CountUnsummarized returns how many units of a conversation still
	// have processed_in_summary = false.
	CountUnsummarized(ctx context.Context, conversationID string) (int, error)
	// GetUnsummarized returns a conversation's unsummarized units in
	// chronological order.
	GetUnsummarized(ctx context.Context, conversationID string) ([]common.TextUnit, error)
}

// ProcessingStage names one of the per-unit idempotence flags.
type ProcessingStage string

const (
	StageMemory  ProcessingStage = "memory"
	StageSummary ProcessingStage = "summary"
	StageGraph   ProcessingStage = "graph"
)

// Storage is the full persistence surface the pipeline needs.
type Storage interface {
	GraphStorage
	VectorStorage
	ProfileStorage
	UnitStorage
}
