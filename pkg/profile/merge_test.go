package profile

import (
	"context"
	"testing"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
)

func traitAt(traitType common.TraitType, name string, confidence float64, evidence string) common.Trait {
	return common.Trait{
		Type:        traitType,
		Name:        name,
		Confidence:  confidence,
		Evidence:    evidence,
		SourceType:  common.SourceChat,
		SourceID:    "unit-1",
		ExtractedAt: time.Now(),
	}
}

func TestMergeTrait_CloseConfidenceMerges(t *testing.T) {
	profile := NewProfile("user-1")

	first := traitAt(common.TraitPreference, "spicy food", 0.72, "ordered extra chili")
	first.Category = "food"
	if got := MergeTrait(profile, first); got != OutcomeInserted {
		t.Fatalf("first merge outcome = %q, want inserted", got)
	}

	second := traitAt(common.TraitPreference, "spicy food", 0.78, "asked for the hot menu")
	second.Category = "food"
	if got := MergeTrait(profile, second); got != OutcomeMerged {
		t.Fatalf("second merge outcome = %q, want merged", got)
	}

	value := profile.Preferences["food"]["spicy food"]
	if value.Confidence < 0.829 || value.Confidence > 0.831 {
		t.Fatalf("merged confidence = %v, want 0.83", value.Confidence)
	}
	if value.Source != MultiSource {
		t.Fatalf("merged source = %q, want %q", value.Source, MultiSource)
	}
	if value.Evidence != "ordered extra chili; asked for the hot menu" {
		t.Fatalf("unexpected evidence: %q", value.Evidence)
	}
}

func TestMergeTrait_HigherConfidenceReplaces(t *testing.T) {
	profile := NewProfile("user-1")

	MergeTrait(profile, traitAt(common.TraitSkill, "go", 0.65, "old evidence"))
	if got := MergeTrait(profile, traitAt(common.TraitSkill, "go", 0.9, "new evidence")); got != OutcomeReplaced {
		t.Fatalf("outcome = %q, want replaced", got)
	}

	value := profile.Skills["go"]
	if value.Confidence != 0.9 || value.Evidence != "new evidence" {
		t.Fatalf("replace did not take: %+v", value)
	}
}

func TestMergeTrait_LowerConfidenceRejected(t *testing.T) {
	profile := NewProfile("user-1")

	MergeTrait(profile, traitAt(common.TraitInterest, "hiking", 0.9, "weekly hikes"))
	if got := MergeTrait(profile, traitAt(common.TraitInterest, "hiking", 0.6, "mentioned once")); got != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", got)
	}

	value := profile.Interests["hiking"]
	if value.Confidence != 0.9 || value.Evidence != "weekly hikes" {
		t.Fatalf("rejected trait mutated profile: %+v", value)
	}
}

func TestMergeTrait_AttributesFlatListUnlessNearIdentical(t *testing.T) {
	profile := NewProfile("user-1")

	MergeTrait(profile, traitAt(common.TraitAttribute, "lives in Berlin", 0.8, "moved last year"))
	MergeTrait(profile, traitAt(common.TraitAttribute, "works remotely", 0.8, "home office setup"))
	if len(profile.Attributes) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(profile.Attributes))
	}

	// Near-identical text merges instead of appending.
	if got := MergeTrait(profile, traitAt(common.TraitAttribute, "lives in berlin", 0.82, "confirmed in chat")); got != OutcomeMerged {
		t.Fatalf("outcome = %q, want merged", got)
	}
	if len(profile.Attributes) != 2 {
		t.Fatalf("near-identical attribute duplicated the list: %d entries", len(profile.Attributes))
	}
}

func TestMergeTrait_Deterministic(t *testing.T) {
	sequence := []common.Trait{
		traitAt(common.TraitSkill, "python", 0.7, "a"),
		traitAt(common.TraitSkill, "python", 0.75, "b"),
		traitAt(common.TraitSkill, "python", 0.95, "c"),
		traitAt(common.TraitSkill, "python", 0.5, "d"),
	}

	first := NewProfile("user-1")
	second := NewProfile("user-1")
	for _, trait := range sequence {
		MergeTrait(first, trait)
		MergeTrait(second, trait)
	}

	a := first.Skills["python"]
	b := second.Skills["python"]
	if a.Confidence != b.Confidence || a.Evidence != b.Evidence || a.Source != b.Source {
		t.Fatalf("same sequence produced different values: %+v vs %+v", a, b)
	}
}

type fakeProfileStore struct {
	profiles map[string]*common.UserProfile
	saves    int
}

func (f *fakeProfileStore) GetProfile(ctx context.Context, ownerID string) (*common.UserProfile, error) {
	return f.profiles[ownerID], nil
}

func (f *fakeProfileStore) SaveProfile(ctx context.Context, profile *common.UserProfile) error {
	if f.profiles == nil {
		f.profiles = map[string]*common.UserProfile{}
	}
	f.profiles[profile.OwnerID] = profile
	f.saves++
	return nil
}

type passthroughLocker struct {
	keys []string
}

func (l *passthroughLocker) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.keys = append(l.keys, key)
	return fn(ctx)
}

func TestMerger_ApplyBatch(t *testing.T) {
	store := &fakeProfileStore{}
	locker := &passthroughLocker{}
	merger, err := NewMerger(NewMergerParams{
		Store:  store,
		Locker: locker,
		Config: common.DefaultPipelineConfig(),
	})
	if err != nil {
		t.Fatalf("NewMerger: %v", err)
	}

	traits := []common.Trait{
		traitAt(common.TraitInterest, "hiking", 0.8, "weekend trips"),
		traitAt(common.TraitSkill, "go", 0.85, "ships services"),
	}
	applied, err := merger.Apply(context.Background(), "user-1", traits)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}
	if store.saves != 1 {
		t.Fatalf("expected single read-modify-write save, got %d", store.saves)
	}
	if len(locker.keys) != 1 || locker.keys[0] != "profile:user-1" {
		t.Fatalf("unexpected lease keys: %v", locker.keys)
	}

	profile := store.profiles["user-1"]
	if profile == nil || len(profile.Interests) != 1 || len(profile.Skills) != 1 {
		t.Fatalf("profile not populated: %+v", profile)
	}
}

func TestMerger_ApplyEmptyBatchSkipsLock(t *testing.T) {
	store := &fakeProfileStore{}
	locker := &passthroughLocker{}
	merger, _ := NewMerger(NewMergerParams{
		Store:  store,
		Locker: locker,
		Config: common.DefaultPipelineConfig(),
	})

	applied, err := merger.Apply(context.Background(), "user-1", nil)
	if err != nil || applied != 0 {
		t.Fatalf("Apply(nil) = (%d, %v), want (0, nil)", applied, err)
	}
	if len(locker.keys) != 0 || store.saves != 0 {
		t.Fatal("empty batch should not touch the lock or the store")
	}
}
