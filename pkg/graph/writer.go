package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/internal/util"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"
)

// Writer performs the node and edge writes for the pipeline. Node
// creation is find-or-create keyed on (name, type, scope, owner), so
// repeated mentions of the same entity converge on a single node.
type Writer struct {
	storage store.GraphStorage
	cfg     common.PipelineConfig
}

func NewWriter(storage store.GraphStorage, cfg common.PipelineConfig) *Writer {
	return &Writer{storage: storage, cfg: cfg}
}

// UpsertNode returns the UUID of the node for the entity, creating it
// when it does not exist yet. The second return reports whether a new
// node was written. Storage failures are retried with backoff.
func (w *Writer) UpsertNode(ctx context.Context, entity common.FilteredEntity, scope common.Scope, ownerID string) (string, bool, error) {
	name := strings.TrimSpace(entity.Text)
	if name == "" {
		return "", false, fmt.Errorf("entity name is empty")
	}
	if scope != common.ScopeGlobal && ownerID == "" {
		return "", false, fmt.Errorf("owner is required for %s scope", scope)
	}

	created := false
	uuid, err := util.RetryWithBackoff(ctx, w.cfg.MaxRetries, 500*time.Millisecond, func(ctx context.Context) (string, error) {
		created = false
		existing, err := w.storage.FindNode(ctx, name, entity.Type, scope, ownerID)
		if err == nil {
			return existing.UUID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}

		created = true
		return w.storage.CreateNode(ctx, &common.GraphNode{
			Name:      name,
			Type:      entity.Type,
			Scope:     scope,
			OwnerID:   ownerID,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		return "", false, err
	}
	return uuid, created, nil
}

// UpsertEdge writes one relationship edge with open validity. Endpoint
// UUIDs are taken from nodes, keyed by lowercased entity name, falling
// back to a storage lookup. A missing endpoint is a validation failure,
// not a storage failure, and the caller should skip the relationship
// and continue the batch.
func (w *Writer) UpsertEdge(ctx context.Context, rel common.CandidateRelationship, nodes map[string]string, scope common.Scope, ownerID string) (string, error) {
	source, err := w.resolveEndpoint(ctx, rel.SourceText, nodes, scope, ownerID)
	if err != nil {
		return "", fmt.Errorf("source %q: %w", rel.SourceText, err)
	}
	target, err := w.resolveEndpoint(ctx, rel.TargetText, nodes, scope, ownerID)
	if err != nil {
		return "", fmt.Errorf("target %q: %w", rel.TargetText, err)
	}

	return util.RetryWithBackoff(ctx, w.cfg.MaxRetries, 500*time.Millisecond, func(ctx context.Context) (string, error) {
		return w.storage.CreateEdge(ctx, &common.GraphEdge{
			Type:       rel.RelationType,
			SourceUUID: source,
			TargetUUID: target,
			Fact:       rel.Fact,
			Scope:      scope,
			OwnerID:    ownerID,
			ValidFrom:  time.Now(),
		})
	})
}

func (w *Writer) resolveEndpoint(ctx context.Context, name string, nodes map[string]string, scope common.Scope, ownerID string) (string, error) {
	if uuid, ok := nodes[strings.ToLower(strings.TrimSpace(name))]; ok && uuid != "" {
		return uuid, nil
	}
	return w.findEndpoint(ctx, name, scope, ownerID)
}

// findEndpoint resolves a node UUID by name without knowing its type.
func (w *Writer) findEndpoint(ctx context.Context, name string, scope common.Scope, ownerID string) (string, error) {
	twinOwner := ""
	if scope == common.ScopeTwin {
		twinOwner = ownerID
	}
	nodes, err := w.storage.SearchNodes(ctx, strings.TrimSpace(name), ownerID, twinOwner, 5)
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if strings.EqualFold(n.Name, strings.TrimSpace(name)) && n.Scope == scope {
			return n.UUID, nil
		}
	}
	return "", store.ErrNotFound
}

// DeleteEdge closes or removes an edge. Logical deletion sets the
// validity end so the edge survives as history; physical deletion is
// for administrative cleanup only.
func (w *Writer) DeleteEdge(ctx context.Context, uuid string, logical bool) error {
	if uuid == "" {
		return fmt.Errorf("edge uuid is empty")
	}
	if logical {
		return w.storage.SetEdgeValidTo(ctx, uuid)
	}
	logger.Warn("physically deleting edge", "uuid", uuid)
	return w.storage.DeleteEdge(ctx, uuid)
}
