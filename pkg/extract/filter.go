package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
)

// DropReason explains why a candidate entity was rejected. The filter
// itself does not log; callers are expected to log each drop with its
// reason for auditability.
type DropReason string

const (
	DropBlacklisted   DropReason = "blacklisted"
	DropTooShort      DropReason = "too_short"
	DropNumeric       DropReason = "numeric"
	DropMarkdown      DropReason = "markdown_syntax"
	DropPunctuation   DropReason = "punctuation_only"
	DropEmoji         DropReason = "emoji"
	DropURL           DropReason = "url"
	DropEmail         DropReason = "email"
	DropLowConfidence DropReason = "low_confidence"
)

// DroppedEntity pairs a rejected candidate with its rejection reason.
type DroppedEntity struct {
	Candidate common.CandidateEntity
	Reason    DropReason
}

// importantTypes are canonical entity types that are never dropped for
// being short or blacklisted.
var importantTypes = map[string]bool{
	"Person":       true,
	"Organization": true,
	"Location":     true,
	"Product":      true,
	"Event":        true,
	"Date":         true,
	"Time":         true,
}

// stopwords is the minimal blacklist of non-referential tokens that
// extractors habitually mislabel as entities.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "he": true, "she": true, "they": true, "we": true,
	"you": true, "i": true, "me": true, "him": true, "her": true, "them": true,
	"here": true, "there": true, "now": true, "then": true,
	"thing": true, "things": true, "something": true, "someone": true,
	"yes": true, "no": true, "ok": true, "okay": true,
}

// nativePersonOrgPlace matches provider-native labels that indicate a
// person, organization or place when the canonical type is not already
// in the important set.
var nativePersonOrgPlace = map[string]bool{
	"PERSON": true, "PER": true,
	"ORG": true, "ORGANIZATION": true, "NORP": true,
	"GPE": true, "LOC": true, "FAC": true, "PLACE": true,
}

var (
	reURL         = regexp.MustCompile(`^(https?://|www\.)\S+$`)
	reEmail       = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	reNumeric     = regexp.MustCompile(`^[0-9][0-9.,:/\-]*$`)
	reMarkdown    = regexp.MustCompile("\\*\\*|__|~~|```|^#{1,6}\\s|^[-*+]\\s|\\[[^\\]]*\\]\\([^)]*\\)")
	reEmoticon    = regexp.MustCompile(`^[:;=8][-^']?[)(\[\]DPpOo3/\\|]{1,3}$`)
	rePunctSpaces = regexp.MustCompile(`^[\p{P}\p{S}\s]+$`)
)

// FilterEntities applies blacklist, format and confidence rules to raw
// extractor output. It is a pure function: survivors come back ranked
// by confidence then text length and capped at cfg.MaxEntitiesPerUnit,
// and every rejected candidate comes back with a reason.
func FilterEntities(cands []common.CandidateEntity, cfg common.PipelineConfig) ([]common.FilteredEntity, []DroppedEntity) {
	survivors := make([]common.FilteredEntity, 0, len(cands))
	dropped := make([]DroppedEntity, 0)

	for _, cand := range cands {
		text := strings.TrimSpace(cand.Text)
		if text == "" {
			dropped = append(dropped, DroppedEntity{cand, DropTooShort})
			continue
		}

		entityType := CanonicalEntityType(cand.Type)
		important := importantTypes[entityType]
		acronym := isAcronym(text)
		dateLike := entityType == "Date" || entityType == "Time"

		if reason, drop := formatReject(text, dateLike); drop {
			dropped = append(dropped, DroppedEntity{cand, reason})
			continue
		}

		if !important && !acronym {
			if stopwords[strings.ToLower(text)] {
				dropped = append(dropped, DroppedEntity{cand, DropBlacklisted})
				continue
			}
			if len([]rune(text)) == 1 && !dateLike {
				dropped = append(dropped, DroppedEntity{cand, DropTooShort})
				continue
			}
		}

		confidence := cand.Confidence
		if confidence == 0 {
			confidence = computeConfidence(text, entityType, cand.NativeLabel)
		}
		confidence = clamp01(confidence)

		// Acronyms like "AI" routinely score low despite being
		// high-value entities, so they bypass the gate.
		if confidence < cfg.MinEntityConfidence && !acronym {
			dropped = append(dropped, DroppedEntity{cand, DropLowConfidence})
			continue
		}

		survivors = append(survivors, common.FilteredEntity{
			Text:       text,
			Type:       entityType,
			Confidence: confidence,
			Important:  important,
		})
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Confidence != survivors[j].Confidence {
			return survivors[i].Confidence > survivors[j].Confidence
		}
		return len(survivors[i].Text) > len(survivors[j].Text)
	})
	if cfg.MaxEntitiesPerUnit > 0 && len(survivors) > cfg.MaxEntitiesPerUnit {
		survivors = survivors[:cfg.MaxEntitiesPerUnit]
	}
	return survivors, dropped
}

// formatReject applies the structural rejection rules that no exemption
// overrides: markdown fragments, punctuation runs, emoji, URLs, emails
// and bare numbers.
func formatReject(text string, dateLike bool) (DropReason, bool) {
	switch {
	case reURL.MatchString(text):
		return DropURL, true
	case reEmail.MatchString(text):
		return DropEmail, true
	case reMarkdown.MatchString(text):
		return DropMarkdown, true
	case rePunctSpaces.MatchString(text):
		return DropPunctuation, true
	case reEmoticon.MatchString(text), isEmoji(text):
		return DropEmoji, true
	case reNumeric.MatchString(text) && !dateLike:
		return DropNumeric, true
	}
	return "", false
}

// computeConfidence derives a confidence for candidates whose provider
// did not supply one.
func computeConfidence(text, entityType, nativeLabel string) float64 {
	confidence := 0.7
	if importantTypes[entityType] {
		confidence += 0.15
	} else if nativePersonOrgPlace[strings.ToUpper(nativeLabel)] {
		confidence += 0.1
	}
	if len([]rune(text)) > 5 {
		confidence += 0.05
	}
	if first := []rune(text)[0]; unicode.IsUpper(first) {
		confidence += 0.1
	}
	return clamp01(confidence)
}

// CanonicalEntityType maps provider-native labels onto the canonical
// type vocabulary. Unknown labels pass through unchanged so callers can
// still persist provider-specific types.
func CanonicalEntityType(label string) string {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PERSON", "PER":
		return "Person"
	case "ORG", "ORGANIZATION", "COMPANY":
		return "Organization"
	case "GPE", "LOC", "LOCATION", "FAC", "PLACE":
		return "Location"
	case "PRODUCT", "WORK_OF_ART":
		return "Product"
	case "EVENT":
		return "Event"
	case "DATE":
		return "Date"
	case "TIME":
		return "Time"
	default:
		return strings.TrimSpace(label)
	}
}

func isAcronym(text string) bool {
	runes := []rune(text)
	if len(runes) < 2 || len(runes) > 3 {
		return false
	}
	for _, r := range runes {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// emojiRunes covers the pictographic blocks: miscellaneous symbols,
// dingbats, symbols-and-arrows, and the supplementary emoji planes.
// CJK and other non-Latin scripts are outside these ranges and pass.
var emojiRunes = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x2600, Hi: 0x27BF, Stride: 1},
		{Lo: 0x2B00, Hi: 0x2BFF, Stride: 1},
		{Lo: 0xFE0E, Hi: 0xFE0F, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1F000, Hi: 0x1FAFF, Stride: 1},
	},
}

func isEmoji(text string) bool {
	for _, r := range text {
		if unicode.IsSpace(r) || r == 0x200D {
			continue
		}
		if !unicode.Is(emojiRunes, r) {
			return false
		}
	}
	return text != ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
