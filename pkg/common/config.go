package common

import "time"

// PipelineConfig carries the tunable thresholds of the extraction
// pipeline. It is built once at startup and passed through unchanged;
// nothing in the pipeline mutates it.
type PipelineConfig struct {
	// MinEntityConfidence gates both filtered entities and traits.
	MinEntityConfidence float64
	// MaxEntitiesPerUnit caps survivors per text unit after ranking.
	MaxEntitiesPerUnit int
	// MaxRelationshipsPerBatch caps emitted relationships per unit.
	MaxRelationshipsPerBatch int
	// SummarizationMessageThreshold is the unsummarized-message count
	// that triggers automatic summarization of a conversation.
	SummarizationMessageThreshold int
	// FactSimilarityThreshold is the token-set Jaccard similarity above
	// which a candidate relationship is treated as a duplicate of an
	// existing edge.
	FactSimilarityThreshold float64
	// SourceReliability weights trait confidence per source type.
	SourceReliability map[SourceType]float64
	// ThirdPartyDocumentReliability is used instead of the document
	// weight when the document was not authored by the user.
	ThirdPartyDocumentReliability float64
	// RecencyHalfLifeDays controls the decay applied to stale
	// re-confirmations of a trait.
	RecencyHalfLifeDays float64
	// RawMemoryTTL bounds how long raw-tier memory records live.
	RawMemoryTTL time.Duration
	// ExtractionTimeout bounds every provider call.
	ExtractionTimeout time.Duration
	// MaxRetries bounds provider and store retry loops.
	MaxRetries int
	// ParallelUnits limits concurrent unit processing per worker.
	ParallelUnits int
}

// DefaultPipelineConfig returns the pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MinEntityConfidence:           0.6,
		MaxEntitiesPerUnit:            20,
		MaxRelationshipsPerBatch:      40,
		SummarizationMessageThreshold: 20,
		FactSimilarityThreshold:       0.5,
		SourceReliability: map[SourceType]float64{
			SourceStatement: 0.9,
			SourceChat:      0.8,
			SourceDocument:  0.8,
			SourceCalendar:  0.75,
			SourceSocial:    0.6,
		},
		ThirdPartyDocumentReliability: 0.7,
		RecencyHalfLifeDays:           90,
		RawMemoryTTL:                  30 * 24 * time.Hour,
		ExtractionTimeout:             2 * time.Minute,
		MaxRetries:                    3,
		ParallelUnits:                 4,
	}
}

// Reliability returns the source weight for a unit, falling back to the
// chat weight when the source type is unknown.
func (c PipelineConfig) Reliability(src SourceType, authoredByUser bool) float64 {
	if src == SourceDocument && !authoredByUser {
		return c.ThirdPartyDocumentReliability
	}
	if w, ok := c.SourceReliability[src]; ok {
		return w
	}
	return c.SourceReliability[SourceChat]
}
