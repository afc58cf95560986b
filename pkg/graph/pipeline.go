package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	aiclient "github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/extract"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"
)

// ProcessUnit runs one text unit through the full pipeline: extraction,
// entity and relationship filtering, graph writes, trait merging and
// the raw memory tier. Each stage is gated on its processing flag, so
// re-delivering an already-processed unit is a no-op.
//
// Extraction failures leave the unit's flags untouched and are reported
// in the returned error so the caller can retry the unit later. Nothing
// is committed to the graph for a unit whose extraction failed.
func (c *PipelineClient) ProcessUnit(ctx context.Context, unit common.TextUnit) (*common.ProcessResult, error) {
	if unit.ID == "" || strings.TrimSpace(unit.Text) == "" {
		return nil, fmt.Errorf("unit id and text are required")
	}
	if unit.OwnerID == "" && unit.Scope != common.ScopeGlobal {
		return nil, fmt.Errorf("owner is required for %s scope", unit.Scope)
	}

	flags, err := c.storage.GetFlags(ctx, unit.ID)
	if errors.Is(err, store.ErrNotFound) {
		if err := c.storage.SaveUnit(ctx, unit); err != nil {
			return nil, fmt.Errorf("saving unit %s: %w", unit.ID, err)
		}
		flags = common.ProcessingFlags{}
	} else if err != nil {
		return nil, fmt.Errorf("loading flags for unit %s: %w", unit.ID, err)
	}

	result := &common.ProcessResult{}

	if !flags.ProcessedInGraph {
		if err := c.processGraph(ctx, unit, result); err != nil {
			return result, err
		}
	} else {
		logger.Debug("unit already processed in graph, skipping", "unit", unit.ID)
	}

	if !flags.ProcessedInMemory {
		if err := c.memory.AddRaw(ctx, unit); err != nil {
			return result, fmt.Errorf("adding unit %s to memory: %w", unit.ID, err)
		}
	}

	return result, nil
}

// processGraph performs the extraction and graph stage of one unit and
// marks it processed on success.
func (c *PipelineClient) processGraph(ctx context.Context, unit common.TextUnit, result *common.ProcessResult) error {
	extCtx, cancel := context.WithTimeout(ctx, c.cfg.ExtractionTimeout)
	defer cancel()

	entityCands, relCands, err := aiclient.CallExtractAI(extCtx, c.provider, unit.Text, nil, c.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("extraction for unit %s: %w", unit.ID, err)
	}

	entities, droppedEntities := extract.FilterEntities(entityCands, c.cfg)
	for _, d := range droppedEntities {
		logger.Debug("dropped entity candidate",
			"unit", unit.ID, "text", d.Candidate.Text, "reason", d.Reason)
	}

	relationships, droppedRels, err := extract.FilterRelationships(
		ctx, relCands, entities, c.storage, unit.Scope, unit.OwnerID, c.cfg)
	if err != nil {
		return fmt.Errorf("relationship dedupe for unit %s: %w", unit.ID, err)
	}
	for _, d := range droppedRels {
		logger.Debug("dropped relationship candidate",
			"unit", unit.ID, "fact", d.Candidate.Fact, "reason", d.Reason)
	}

	nodes := make(map[string]string, len(entities))
	for _, entity := range entities {
		uuid, created, err := c.writer.UpsertNode(ctx, entity, unit.Scope, unit.OwnerID)
		if err != nil {
			return fmt.Errorf("writing node %q: %w", entity.Text, err)
		}
		nodes[strings.ToLower(entity.Text)] = uuid
		if created {
			result.EntitiesCreated++
		}
	}

	for _, rel := range relationships {
		if _, err := c.writer.UpsertEdge(ctx, rel, nodes, unit.Scope, unit.OwnerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn("skipping relationship with unresolved endpoint",
					"unit", unit.ID, "fact", rel.Fact, "error", err)
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			return fmt.Errorf("writing edge for unit %s: %w", unit.ID, err)
		}
		result.RelationshipsCreated++
	}

	// Traits describe a specific user; ownerless global content has no
	// profile to merge into.
	if unit.OwnerID != "" {
		traits, err := extract.ExtractTraits(extCtx, unit, c.provider, c.cfg)
		if err != nil {
			return fmt.Errorf("trait extraction for unit %s: %w", unit.ID, err)
		}
		if len(traits) > 0 {
			applied, err := c.merger.Apply(ctx, unit.OwnerID, traits)
			if err != nil {
				return fmt.Errorf("merging traits for unit %s: %w", unit.ID, err)
			}
			result.TraitsApplied = applied
		}
	}

	if err := c.storage.MarkProcessed(ctx, unit.ID, store.StageGraph); err != nil {
		return fmt.Errorf("marking unit %s processed: %w", unit.ID, err)
	}

	logger.Info("processed unit in graph",
		"unit", unit.ID,
		"entities", result.EntitiesCreated,
		"relationships", result.RelationshipsCreated,
		"traits", result.TraitsApplied)
	return nil
}

// ProcessUnits runs a batch of units concurrently, bounded by the
// configured parallelism. Per-unit failures abort the batch; results
// for units processed before the failure are still returned.
func (c *PipelineClient) ProcessUnits(ctx context.Context, units []common.TextUnit) (*common.ProcessResult, error) {
	aggregate := &common.ProcessResult{}
	var mu sync.Mutex

	group, gCtx := errgroup.WithContext(ctx)
	limit := c.cfg.ParallelUnits
	if limit <= 0 {
		limit = 1
	}
	group.SetLimit(limit)

	for _, unit := range units {
		group.Go(func() error {
			res, err := c.ProcessUnit(gCtx, unit)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			aggregate.EntitiesCreated += res.EntitiesCreated
			aggregate.RelationshipsCreated += res.RelationshipsCreated
			aggregate.TraitsApplied += res.TraitsApplied
			aggregate.Errors = append(aggregate.Errors, res.Errors...)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return aggregate, err
	}
	return aggregate, nil
}

// NeedsSummarization reports whether the conversation has accumulated
// enough unsummarized units to roll into its summary.
func (c *PipelineClient) NeedsSummarization(ctx context.Context, conversationID string) (bool, error) {
	return c.memory.NeedsSummarization(ctx, conversationID)
}

// SummarizeConversation folds the conversation's unsummarized units
// into its evolving summary.
func (c *PipelineClient) SummarizeConversation(ctx context.Context, conversationID string) error {
	return c.memory.SummarizeConversation(ctx, conversationID)
}
