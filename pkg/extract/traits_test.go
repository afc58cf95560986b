package extract

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
)

// fakeTraitClient answers GenerateCompletionWithFormat with a canned
// JSON payload.
type fakeTraitClient struct {
	payload string
}

func (f *fakeTraitClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (f *fakeTraitClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return json.Unmarshal([]byte(f.payload), out)
}

func (f *fakeTraitClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return make([]float32, 4), nil
}

func (f *fakeTraitClient) ResetMetrics()               {}
func (f *fakeTraitClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func TestExtractTraits_WeightsAndGate(t *testing.T) {
	cfg := common.DefaultPipelineConfig()
	client := &fakeTraitClient{payload: `{"traits": [
		{"type": "interest", "name": "hiking", "confidence": 0.95, "evidence": "enjoys hiking"},
		{"type": "skill", "name": "go", "confidence": 0.5, "evidence": "writes go"}
	]}`}

	unit := common.TextUnit{
		ID:         "unit-1",
		Text:       "Alice enjoys hiking and writes Go.",
		SourceType: common.SourceChat,
		OwnerID:    "user-1",
		Scope:      common.ScopeUser,
		Timestamp:  time.Now(),
	}

	traits, err := ExtractTraits(context.Background(), unit, client, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 0.95 base x 0.8 chat reliability x ~1.0 recency = 0.76 survives;
	// 0.5 x 0.8 = 0.4 falls below the gate.
	if len(traits) != 1 {
		t.Fatalf("expected 1 trait to survive the gate, got %d", len(traits))
	}
	got := traits[0]
	if got.Name != "hiking" || got.Type != common.TraitInterest {
		t.Fatalf("unexpected trait: %+v", got)
	}
	if got.Confidence < 0.75 || got.Confidence > 0.77 {
		t.Fatalf("weighted confidence = %v, want ~0.76", got.Confidence)
	}
	if got.SourceID != "unit-1" || got.SourceType != common.SourceChat {
		t.Fatalf("trait provenance not carried: %+v", got)
	}
}

func TestExtractTraits_ThirdPartyDocumentReliability(t *testing.T) {
	cfg := common.DefaultPipelineConfig()
	client := &fakeTraitClient{payload: `{"traits": [
		{"type": "skill", "name": "kubernetes", "confidence": 0.9, "evidence": "runs clusters"}
	]}`}

	unit := common.TextUnit{
		ID:         "unit-2",
		Text:       "The report credits her Kubernetes work.",
		SourceType: common.SourceDocument,
		OwnerID:    "user-1",
		Scope:      common.ScopeUser,
		Timestamp:  time.Now(),
	}

	traits, err := ExtractTraits(context.Background(), unit, client, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traits) != 1 {
		t.Fatalf("expected 1 trait, got %d", len(traits))
	}
	// 0.9 x 0.7 third-party document weight = 0.63.
	if traits[0].Confidence < 0.62 || traits[0].Confidence > 0.64 {
		t.Fatalf("confidence = %v, want ~0.63", traits[0].Confidence)
	}
}

func TestRecencyFactor(t *testing.T) {
	now := time.Now()

	if got := RecencyFactor(now, now, 90); got != 1.0 {
		t.Errorf("fresh evidence factor = %v, want 1.0", got)
	}
	if got := RecencyFactor(time.Time{}, now, 90); got != 1.0 {
		t.Errorf("zero timestamp factor = %v, want 1.0", got)
	}
	if got := RecencyFactor(now.Add(-90*24*time.Hour), now, 90); got < 0.49 || got > 0.51 {
		t.Errorf("one half-life factor = %v, want ~0.5", got)
	}
	if got := RecencyFactor(now.Add(-180*24*time.Hour), now, 0); got != 1.0 {
		t.Errorf("disabled decay factor = %v, want 1.0", got)
	}
}
