package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/extract"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger"
)

// MultiSource marks a profile value confirmed by more than one piece of
// evidence.
const MultiSource = "multi-source"

// attributeSimilarity is the token-set Jaccard similarity above which
// two free-form attributes are treated as the same statement.
const attributeSimilarity = 0.8

// MergeOutcome describes what a single trait merge did to the profile.
type MergeOutcome string

const (
	OutcomeInserted MergeOutcome = "inserted"
	OutcomeReplaced MergeOutcome = "replaced"
	OutcomeMerged   MergeOutcome = "merged"
	OutcomeRejected MergeOutcome = "rejected"
)

// Storage persists user profiles. Get returns nil when no profile
// exists yet for the owner.
type Storage interface {
	GetProfile(ctx context.Context, ownerID string) (*common.UserProfile, error)
	SaveProfile(ctx context.Context, profile *common.UserProfile) error
}

// Locker serializes work under a named lease. The profile merger uses
// it to guarantee single-writer-at-a-time semantics per user.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Merger folds extracted traits into per-user profiles.
type Merger struct {
	store  Storage
	locker Locker
	cfg    common.PipelineConfig
}

// NewMergerParams configures a Merger.
type NewMergerParams struct {
	Store  Storage
	Locker Locker
	Config common.PipelineConfig
}

// NewMerger creates a profile merger.
func NewMerger(params NewMergerParams) (*Merger, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	return &Merger{
		store:  params.Store,
		locker: params.Locker,
		cfg:    params.Config,
	}, nil
}

// Apply merges a batch of traits into the owner's profile under the
// per-user lease. The whole batch is applied in one read-modify-write
// so a trait is never half-applied. Returns the number of traits that
// changed the profile.
func (m *Merger) Apply(ctx context.Context, ownerID string, traits []common.Trait) (int, error) {
	if len(traits) == 0 {
		return 0, nil
	}

	applied := 0
	err := m.locker.WithLease(ctx, "profile:"+ownerID, func(lCtx context.Context) error {
		profile, err := m.store.GetProfile(lCtx, ownerID)
		if err != nil {
			return fmt.Errorf("load profile for %s: %w", ownerID, err)
		}
		if profile == nil {
			profile = NewProfile(ownerID)
		}

		for _, trait := range traits {
			outcome := MergeTrait(profile, trait)
			switch outcome {
			case OutcomeRejected:
				logger.Info("profile merge rejected lower-confidence trait",
					"owner", ownerID,
					"key", trait.Key(),
					"confidence", trait.Confidence,
				)
			default:
				applied++
			}
		}

		profile.UpdatedAt = time.Now()
		if err := m.store.SaveProfile(lCtx, profile); err != nil {
			return fmt.Errorf("save profile for %s: %w", ownerID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// NewProfile returns an empty profile for the owner with all keyed
// buckets allocated.
func NewProfile(ownerID string) *common.UserProfile {
	return &common.UserProfile{
		OwnerID:     ownerID,
		Preferences: map[string]map[string]common.ProfileValue{},
		Interests:   map[string]common.ProfileValue{},
		Skills:      map[string]common.ProfileValue{},
		Dislikes:    map[string]common.ProfileValue{},
	}
}

// MergeTrait applies the confidence-weighted merge policy for one trait
// against the profile in place. It is pure apart from the mutation of
// profile and is deterministic for a given arrival order.
//
// Keyed traits (skill, interest, preference, dislike) merge against the
// existing value under the same key: a strictly higher confidence
// replaces, a confidence within 0.1 merges evidence with a small boost,
// anything lower is rejected for audit. Attributes accumulate in a flat
// list unless near-identical text already exists.
func MergeTrait(profile *common.UserProfile, trait common.Trait) MergeOutcome {
	if trait.Type == common.TraitAttribute {
		return mergeAttribute(profile, trait)
	}

	bucket := keyedBucket(profile, trait)
	if bucket == nil {
		return OutcomeRejected
	}

	key := strings.ToLower(strings.TrimSpace(trait.Name))
	existing, ok := bucket[key]
	if !ok {
		bucket[key] = valueFromTrait(trait)
		return OutcomeInserted
	}

	delta := trait.Confidence - existing.Confidence
	switch {
	case delta >= -0.1 && delta <= 0.1:
		merged := existing
		merged.Evidence = concatEvidence(existing.Evidence, trait.Evidence)
		merged.Confidence = capConfidence(max(existing.Confidence, trait.Confidence) + 0.05)
		merged.Source = MultiSource
		merged.LastUpdated = trait.ExtractedAt
		bucket[key] = merged
		return OutcomeMerged
	case delta > 0:
		bucket[key] = valueFromTrait(trait)
		return OutcomeReplaced
	default:
		return OutcomeRejected
	}
}

func mergeAttribute(profile *common.UserProfile, trait common.Trait) MergeOutcome {
	for i, existing := range profile.Attributes {
		if extract.JaccardSimilarity(existing.Name, trait.Name) >= attributeSimilarity {
			delta := trait.Confidence - existing.Confidence
			switch {
			case delta >= -0.1 && delta <= 0.1:
				merged := existing
				merged.Evidence = concatEvidence(existing.Evidence, trait.Evidence)
				merged.Confidence = capConfidence(max(existing.Confidence, trait.Confidence) + 0.05)
				merged.Source = MultiSource
				merged.LastUpdated = trait.ExtractedAt
				profile.Attributes[i] = merged
				return OutcomeMerged
			case delta > 0:
				profile.Attributes[i] = valueFromTrait(trait)
				return OutcomeReplaced
			default:
				return OutcomeRejected
			}
		}
	}
	profile.Attributes = append(profile.Attributes, valueFromTrait(trait))
	return OutcomeInserted
}

func keyedBucket(profile *common.UserProfile, trait common.Trait) map[string]common.ProfileValue {
	switch trait.Type {
	case common.TraitSkill:
		return profile.Skills
	case common.TraitInterest:
		return profile.Interests
	case common.TraitDislike:
		return profile.Dislikes
	case common.TraitPreference:
		category := strings.ToLower(strings.TrimSpace(trait.Category))
		if category == "" {
			category = "general"
		}
		if profile.Preferences[category] == nil {
			profile.Preferences[category] = map[string]common.ProfileValue{}
		}
		return profile.Preferences[category]
	default:
		return nil
	}
}

func valueFromTrait(trait common.Trait) common.ProfileValue {
	return common.ProfileValue{
		Name:        strings.ToLower(strings.TrimSpace(trait.Name)),
		Category:    trait.Category,
		Confidence:  trait.Confidence,
		Evidence:    trait.Evidence,
		Source:      string(trait.SourceType),
		LastUpdated: trait.ExtractedAt,
	}
}

func concatEvidence(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}

func capConfidence(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}
