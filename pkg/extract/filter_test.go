package extract

import (
	"testing"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
)

func TestFilterEntities_RejectionRules(t *testing.T) {
	cfg := common.DefaultPipelineConfig()

	tests := []struct {
		name       string
		cand       common.CandidateEntity
		wantKept   bool
		wantReason DropReason
	}{
		{
			name:       "blacklisted pronoun",
			cand:       common.CandidateEntity{Text: "this", Type: "Unknown", Confidence: 0.65},
			wantKept:   false,
			wantReason: DropBlacklisted,
		},
		{
			name:     "acronym bypasses length and confidence gate",
			cand:     common.CandidateEntity{Text: "AI", Type: "Unknown", Confidence: 0.55},
			wantKept: true,
		},
		{
			name:       "single character",
			cand:       common.CandidateEntity{Text: "x", Type: "Unknown", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropTooShort,
		},
		{
			name:       "purely numeric",
			cand:       common.CandidateEntity{Text: "12345", Type: "Unknown", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropNumeric,
		},
		{
			name:     "numeric date is exempt",
			cand:     common.CandidateEntity{Text: "2024-01-15", Type: "Date", Confidence: 0.9},
			wantKept: true,
		},
		{
			name:       "url",
			cand:       common.CandidateEntity{Text: "https://example.com/page", Type: "Unknown", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropURL,
		},
		{
			name:       "email",
			cand:       common.CandidateEntity{Text: "alice@example.com", Type: "Person", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropEmail,
		},
		{
			name:       "markdown fragment",
			cand:       common.CandidateEntity{Text: "**bold**", Type: "Unknown", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropMarkdown,
		},
		{
			name:       "punctuation only",
			cand:       common.CandidateEntity{Text: "---", Type: "Unknown", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropPunctuation,
		},
		{
			name:       "emoticon",
			cand:       common.CandidateEntity{Text: ":)", Type: "Unknown", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropEmoji,
		},
		{
			name:       "emoji",
			cand:       common.CandidateEntity{Text: "\U0001F600\U0001F389", Type: "Unknown", Confidence: 0.9},
			wantKept:   false,
			wantReason: DropEmoji,
		},
		{
			name:     "chinese location",
			cand:     common.CandidateEntity{Text: "北京", Type: "Location", Confidence: 0.9},
			wantKept: true,
		},
		{
			name:     "chinese person name",
			cand:     common.CandidateEntity{Text: "李明", Type: "Person", Confidence: 0.95},
			wantKept: true,
		},
		{
			name:     "japanese landmark",
			cand:     common.CandidateEntity{Text: "東京タワー", Type: "Unknown", Confidence: 0.85},
			wantKept: true,
		},
		{
			name:       "low confidence",
			cand:       common.CandidateEntity{Text: "widget", Type: "Unknown", Confidence: 0.4},
			wantKept:   false,
			wantReason: DropLowConfidence,
		},
		{
			name:     "important type survives blacklist-length territory",
			cand:     common.CandidateEntity{Text: "it", Type: "Organization", Confidence: 0.8},
			wantKept: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, dropped := FilterEntities([]common.CandidateEntity{tt.cand}, cfg)
			if tt.wantKept {
				if len(kept) != 1 {
					t.Fatalf("expected candidate to survive, got dropped: %+v", dropped)
				}
				return
			}
			if len(kept) != 0 {
				t.Fatalf("expected candidate to be dropped, got survivor: %+v", kept[0])
			}
			if len(dropped) != 1 || dropped[0].Reason != tt.wantReason {
				t.Fatalf("expected drop reason %q, got %+v", tt.wantReason, dropped)
			}
		})
	}
}

func TestFilterEntities_ConfidenceComputation(t *testing.T) {
	cfg := common.DefaultPipelineConfig()

	// No provider confidence: 0.7 base +0.15 important type +0.1 leading
	// uppercase = 0.95 for "Alice"; "Acme Corp" additionally gets the
	// length bonus but caps against the same important-type path.
	kept, _ := FilterEntities([]common.CandidateEntity{
		{Text: "Alice", Type: "Person"},
		{Text: "Acme Corp", Type: "Organization"},
	}, cfg)
	if len(kept) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(kept))
	}
	for _, e := range kept {
		if e.Confidence < 0 || e.Confidence > 1 {
			t.Fatalf("confidence out of bounds: %+v", e)
		}
		if !e.Important {
			t.Fatalf("expected important type flag: %+v", e)
		}
	}

	byName := map[string]common.FilteredEntity{}
	for _, e := range kept {
		byName[e.Text] = e
	}
	if got := byName["Alice"].Confidence; !approxEqual(got, 0.95) {
		t.Fatalf("Alice confidence = %v, want 0.95", got)
	}
	if got := byName["Acme Corp"].Confidence; !approxEqual(got, 1.0) {
		t.Fatalf("Acme Corp confidence = %v, want 1.0", got)
	}
}

func approxEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func TestFilterEntities_NativeLabelBoost(t *testing.T) {
	cfg := common.DefaultPipelineConfig()

	// 0.7 base +0.1 native person label +0.05 length +0.1 uppercase.
	kept, _ := FilterEntities([]common.CandidateEntity{
		{Text: "Margaret", Type: "Character", NativeLabel: "PERSON"},
	}, cfg)
	if len(kept) != 1 {
		t.Fatalf("expected survivor, got none")
	}
	if got := kept[0].Confidence; !approxEqual(got, 0.95) {
		t.Fatalf("confidence = %v, want 0.95", got)
	}
}

func TestFilterEntities_RankingAndCap(t *testing.T) {
	cfg := common.DefaultPipelineConfig()
	cfg.MaxEntitiesPerUnit = 2

	kept, _ := FilterEntities([]common.CandidateEntity{
		{Text: "Alpha", Type: "Product", Confidence: 0.7},
		{Text: "Beta Systems", Type: "Organization", Confidence: 0.9},
		{Text: "Gamma", Type: "Product", Confidence: 0.9},
	}, cfg)
	if len(kept) != 2 {
		t.Fatalf("expected cap at 2, got %d", len(kept))
	}
	// Ties on confidence break toward the longer text.
	if kept[0].Text != "Beta Systems" || kept[1].Text != "Gamma" {
		t.Fatalf("unexpected ranking: %+v", kept)
	}
}

func TestCanonicalEntityType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PERSON", "Person"},
		{"ORG", "Organization"},
		{"GPE", "Location"},
		{"custom_type", "custom_type"},
	}
	for _, tt := range tests {
		if got := CanonicalEntityType(tt.in); got != tt.want {
			t.Errorf("CanonicalEntityType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
