package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	gUtil "github.com/lishiyo/digital-twin-mem0-sub000/internal/util"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
)

// DefaultEntityTypes is the extraction vocabulary used when the caller
// does not supply one.
var DefaultEntityTypes = []string{
	"PERSON", "ORGANIZATION", "LOCATION", "PRODUCT", "EVENT",
	"DATE", "TIME", "CONCEPT", "CREATIVE_WORK",
}

type extractEntity struct {
	Text        string  `json:"text" jsonschema_description:"The entity exactly as it appears in the text"`
	Type        string  `json:"type" jsonschema_description:"One of the provided entity types, or UNKNOWN"`
	Confidence  float64 `json:"confidence" jsonschema_description:"Certainty that this is a real, meaningful entity, between 0 and 1"`
	Evidence    string  `json:"evidence" jsonschema_description:"Shortest fragment of the text supporting the entity"`
	NativeLabel string  `json:"native_label,omitempty" jsonschema_description:"The model's own label for the entity when it differs from type"`
}

type extractRelationship struct {
	SourceText   string  `json:"source_text" jsonschema_description:"Source entity text, exactly as reported in the entities list"`
	TargetText   string  `json:"target_text" jsonschema_description:"Target entity text, exactly as reported in the entities list"`
	RelationType string  `json:"relation_type" jsonschema_description:"Short UPPER_SNAKE_CASE relationship label"`
	Fact         string  `json:"fact" jsonschema_description:"One natural-language sentence stating the relationship"`
	Confidence   float64 `json:"confidence" jsonschema_description:"Certainty that the relationship is stated or strongly implied, between 0 and 1"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text"`
}

type extractTrait struct {
	Type       string  `json:"type" jsonschema_description:"One of: skill, interest, preference, dislike, attribute"`
	Name       string  `json:"name" jsonschema_description:"Short lowercase noun phrase naming the trait"`
	Category   string  `json:"category,omitempty" jsonschema_description:"Preference category such as food or communication, preferences only"`
	Confidence float64 `json:"confidence" jsonschema_description:"Certainty that the trait belongs to the user, between 0 and 1"`
	Evidence   string  `json:"evidence" jsonschema_description:"Fragment of the text supporting the trait"`
}

type traitResponse struct {
	Traits []extractTrait `json:"traits" jsonschema_description:"Personal traits of the user found in the text"`
}

// CallExtractAI runs entity and relationship extraction over one text unit.
// Returned candidates are unfiltered; the entity filter decides what
// survives. Malformed provider output surfaces as an error so the caller
// can leave the unit unprocessed for retry.
func CallExtractAI(
	ctx context.Context,
	client ExtractionAIClient,
	text string,
	entityTypes []string,
	maxRetries int,
) ([]common.CandidateEntity, []common.CandidateRelationship, error) {
	if client == nil {
		return nil, nil, fmt.Errorf("ai client is nil")
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil, nil
	}
	if len(entityTypes) == 0 {
		entityTypes = DefaultEntityTypes
	}

	systemPrompt := fmt.Sprintf(ExtractPrompt, strings.Join(entityTypes, ","))

	var res extractResponse
	err := gUtil.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		return client.GenerateCompletionWithFormat(
			ctx,
			"extract_entities_and_relationships",
			"Extract entities and relationships from a provided text.",
			text,
			&res,
			WithSystemPrompts(systemPrompt),
		)
	})
	if err != nil {
		return nil, nil, err
	}

	entities := make([]common.CandidateEntity, 0, len(res.Entities))
	for _, e := range res.Entities {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		entities = append(entities, common.CandidateEntity{
			Text:        strings.TrimSpace(e.Text),
			Type:        strings.ToUpper(strings.TrimSpace(e.Type)),
			NativeLabel: e.NativeLabel,
			Confidence:  e.Confidence,
			Evidence:    e.Evidence,
		})
	}

	relations := make([]common.CandidateRelationship, 0, len(res.Relationships))
	for _, r := range res.Relationships {
		if strings.TrimSpace(r.SourceText) == "" || strings.TrimSpace(r.TargetText) == "" {
			continue
		}
		relations = append(relations, common.CandidateRelationship{
			SourceText:   strings.TrimSpace(r.SourceText),
			TargetText:   strings.TrimSpace(r.TargetText),
			RelationType: strings.ToUpper(strings.TrimSpace(r.RelationType)),
			Fact:         strings.TrimSpace(r.Fact),
			Confidence:   r.Confidence,
		})
	}

	return entities, relations, nil
}

// CallTraitAI extracts trait candidates about the unit's owner. The
// returned traits carry the provider's base confidence; source reliability
// and recency weighting are applied by the trait extractor.
func CallTraitAI(
	ctx context.Context,
	client ExtractionAIClient,
	unit common.TextUnit,
	maxRetries int,
) ([]common.Trait, error) {
	if client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if strings.TrimSpace(unit.Text) == "" {
		return nil, nil
	}

	systemPrompt := fmt.Sprintf(TraitPrompt, unit.OwnerID)

	var res traitResponse
	err := gUtil.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		return client.GenerateCompletionWithFormat(
			ctx,
			"extract_user_traits",
			"Extract personal traits of the user from a provided text.",
			unit.Text,
			&res,
			WithSystemPrompts(systemPrompt),
		)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	traits := make([]common.Trait, 0, len(res.Traits))
	for _, t := range res.Traits {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			continue
		}
		traitType := common.TraitType(strings.ToLower(strings.TrimSpace(t.Type)))
		switch traitType {
		case common.TraitSkill, common.TraitInterest, common.TraitPreference,
			common.TraitDislike, common.TraitAttribute:
		default:
			traitType = common.TraitAttribute
		}
		traits = append(traits, common.Trait{
			Type:        traitType,
			Name:        name,
			Category:    strings.ToLower(strings.TrimSpace(t.Category)),
			Confidence:  t.Confidence,
			Evidence:    t.Evidence,
			SourceType:  unit.SourceType,
			SourceID:    unit.ID,
			ExtractedAt: now,
		})
	}

	return traits, nil
}

// CallSummaryAI combines the previous summary with a batch of new messages
// into an updated summary. Messages must be passed oldest first; the
// provider is instructed to keep previous-summary content ahead of the new
// batch so the result stays chronologically ordered.
func CallSummaryAI(
	ctx context.Context,
	client ExtractionAIClient,
	previousSummary string,
	newMessages []string,
	maxRetries int,
) (string, error) {
	if client == nil {
		return "", fmt.Errorf("ai client is nil")
	}
	if len(newMessages) == 0 {
		return previousSummary, nil
	}

	prev := strings.TrimSpace(previousSummary)
	if prev == "" {
		prev = "(none)"
	}
	prompt := fmt.Sprintf(SummaryPrompt, prev, strings.Join(newMessages, "\n"))

	summary, err := gUtil.RetryWithContext(ctx, maxRetries, func(ctx context.Context) (string, error) {
		return client.GenerateCompletion(ctx, prompt, WithTemperature(0.2))
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}
