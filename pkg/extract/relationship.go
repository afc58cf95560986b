package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/internal/util"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
)

// RelDropReason explains why a candidate relationship was not emitted.
type RelDropReason string

const (
	RelDropMissingSource  RelDropReason = "missing_source_entity"
	RelDropMissingTarget  RelDropReason = "missing_target_entity"
	RelDropRunDuplicate   RelDropReason = "duplicate_in_run"
	RelDropGraphDuplicate RelDropReason = "duplicate_in_graph"
	RelDropBatchCap       RelDropReason = "batch_cap_reached"
)

// DroppedRelationship pairs a rejected candidate with its reason.
type DroppedRelationship struct {
	Candidate common.CandidateRelationship
	Reason    RelDropReason
}

// EdgeLookup fetches the currently-valid edges between two named nodes.
// Implementations filter to edges with a nil ValidTo.
type EdgeLookup interface {
	FindOpenEdges(ctx context.Context, sourceName, targetName, relType string, scope common.Scope, ownerID string) ([]common.GraphEdge, error)
}

// FilterRelationships validates and deduplicates candidate
// relationships for one text unit.
//
// A candidate survives when both endpoints are among the filtered
// entities, its (source, target, type) triple has not already been
// emitted in this run, and no currently-valid edge between the same
// endpoints carries a near-identical fact. Reaching the batch cap stops
// processing without error.
//
// Lookup failures are retried with backoff; after exhaustion the whole
// batch fails rather than risking silent duplicates.
func FilterRelationships(
	ctx context.Context,
	cands []common.CandidateRelationship,
	survivors []common.FilteredEntity,
	lookup EdgeLookup,
	scope common.Scope,
	ownerID string,
	cfg common.PipelineConfig,
) ([]common.CandidateRelationship, []DroppedRelationship, error) {
	known := make(map[string]bool, len(survivors))
	for _, s := range survivors {
		known[normalizeName(s.Text)] = true
	}

	kept := make([]common.CandidateRelationship, 0, len(cands))
	dropped := make([]DroppedRelationship, 0)
	seen := make(map[string]bool, len(cands))

	for _, cand := range cands {
		if cfg.MaxRelationshipsPerBatch > 0 && len(kept) >= cfg.MaxRelationshipsPerBatch {
			dropped = append(dropped, DroppedRelationship{cand, RelDropBatchCap})
			continue
		}

		if !known[normalizeName(cand.SourceText)] {
			dropped = append(dropped, DroppedRelationship{cand, RelDropMissingSource})
			continue
		}
		if !known[normalizeName(cand.TargetText)] {
			dropped = append(dropped, DroppedRelationship{cand, RelDropMissingTarget})
			continue
		}

		triple := tripleKey(cand.SourceText, cand.TargetText, cand.RelationType)
		if seen[triple] {
			dropped = append(dropped, DroppedRelationship{cand, RelDropRunDuplicate})
			continue
		}
		seen[triple] = true

		existing, err := util.RetryWithBackoff(ctx, cfg.MaxRetries, 500*time.Millisecond, func(rCtx context.Context) ([]common.GraphEdge, error) {
			return lookup.FindOpenEdges(rCtx, cand.SourceText, cand.TargetText, cand.RelationType, scope, ownerID)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("edge lookup for %s: %w", triple, err)
		}

		duplicate := false
		for _, edge := range existing {
			if JaccardSimilarity(cand.Fact, edge.Fact) >= cfg.FactSimilarityThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			dropped = append(dropped, DroppedRelationship{cand, RelDropGraphDuplicate})
			continue
		}

		kept = append(kept, cand)
	}
	return kept, dropped, nil
}

// JaccardSimilarity computes token-set Jaccard similarity between two
// facts. Tokens are lowercased; repeated tokens count once.
func JaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		out[tok] = true
	}
	return out
}

func tripleKey(source, target, relType string) string {
	return normalizeName(source) + "|" + normalizeName(target) + "|" + strings.ToUpper(strings.TrimSpace(relType))
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
