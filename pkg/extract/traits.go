package extract

import (
	"context"
	"math"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger"
)

// ExtractTraits asks the provider for trait candidates in one text unit
// and weights them into final confidences.
//
// Final confidence = base confidence from the provider, scaled by the
// source-reliability weight for the unit's origin and by a recency
// factor that decays for stale evidence. Traits below the confidence
// gate are dropped before merging.
func ExtractTraits(
	ctx context.Context,
	unit common.TextUnit,
	provider ai.ExtractionAIClient,
	cfg common.PipelineConfig,
) ([]common.Trait, error) {
	candidates, err := ai.CallTraitAI(ctx, provider, unit, cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	reliability := cfg.Reliability(unit.SourceType, unit.AuthoredByUser)
	recency := RecencyFactor(unit.Timestamp, time.Now(), cfg.RecencyHalfLifeDays)

	kept := make([]common.Trait, 0, len(candidates))
	for _, trait := range candidates {
		base := trait.Confidence
		if base <= 0 || base > 1 {
			logger.Warn("dropping trait with out-of-range confidence", "name", trait.Name, "confidence", base)
			continue
		}

		trait.Confidence = clamp01(base * reliability * recency)
		if trait.Confidence < cfg.MinEntityConfidence {
			logger.Debug("dropping low-confidence trait",
				"name", trait.Name,
				"type", trait.Type,
				"confidence", trait.Confidence,
			)
			continue
		}
		kept = append(kept, trait)
	}
	return kept, nil
}

// RecencyFactor returns the decay weight for evidence observed at the
// given time. Fresh evidence weighs 1.0; older evidence halves every
// halfLifeDays. A non-positive half-life disables decay.
func RecencyFactor(observedAt, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 || observedAt.IsZero() {
		return 1.0
	}
	age := now.Sub(observedAt)
	if age <= 0 {
		return 1.0
	}
	ageDays := age.Hours() / 24
	return math.Pow(0.5, ageDays/halfLifeDays)
}
