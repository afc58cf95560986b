// Package memory manages the raw and summary retention tiers. Raw
// memories are individually embedded text units with a bounded TTL;
// summaries are one evolving document per conversation. Permanent
// knowledge (graph nodes, edges, profile values) is handled by the
// graph and profile packages and never expires.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	aiclient "github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"
)

// Storage is the slice of the store the memory manager needs.
type Storage interface {
	AddMemory(ctx context.Context, record *common.MemoryRecord, embedding []float32) (string, error)
	GetConversationSummary(ctx context.Context, conversationID string) (*common.MemoryRecord, error)
	UpsertConversationSummary(ctx context.Context, conversationID string, record *common.MemoryRecord, embedding []float32) (string, error)
	GetFlags(ctx context.Context, unitID string) (common.ProcessingFlags, error)
	MarkProcessed(ctx context.Context, unitID string, flag store.ProcessingStage) error
	MarkSummarized(ctx context.Context, unitIDs []string) error
	CountUnsummarized(ctx context.Context, conversationID string) (int, error)
	GetUnsummarized(ctx context.Context, conversationID string) ([]common.TextUnit, error)
}

// Locker serializes summarization per conversation.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Manager moves text units through the raw and summary tiers.
type Manager struct {
	store    Storage
	provider aiclient.ExtractionAIClient
	locker   Locker
	cfg      common.PipelineConfig
}

// NewManagerParams configures a Manager.
type NewManagerParams struct {
	Store    Storage
	Provider aiclient.ExtractionAIClient
	Locker   Locker
	Config   common.PipelineConfig
}

// NewManager creates a tiered memory manager.
func NewManager(params NewManagerParams) (*Manager, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	return &Manager{
		store:    params.Store,
		provider: params.Provider,
		locker:   params.Locker,
		cfg:      params.Config,
	}, nil
}

// AddRaw embeds one text unit into the raw tier with the configured TTL
// and marks it processed. Units already processed in memory are skipped,
// which makes re-invocation a cheap no-op.
func (m *Manager) AddRaw(ctx context.Context, unit common.TextUnit) error {
	flags, err := m.store.GetFlags(ctx, unit.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load flags for %s: %w", unit.ID, err)
	}
	if flags.ProcessedInMemory {
		logger.Debug("raw memory already written, skipping", "unit", unit.ID)
		return nil
	}

	embedding, err := m.provider.GenerateEmbedding(ctx, []byte(unit.Text))
	if err != nil {
		return fmt.Errorf("embed unit %s: %w", unit.ID, err)
	}

	record := &common.MemoryRecord{
		Content: unit.Text,
		OwnerID: unit.OwnerID,
		Scope:   unit.Scope,
		Tier:    common.TierRaw,
		Metadata: map[string]string{
			"source_type":     string(unit.SourceType),
			"source_id":       unit.ID,
			"conversation_id": unit.ConversationID,
			"timestamp":       unit.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
		TTL: m.cfg.RawMemoryTTL,
	}
	if _, err := m.store.AddMemory(ctx, record, embedding); err != nil {
		return fmt.Errorf("write raw memory for %s: %w", unit.ID, err)
	}

	// Flag only after the durable write; a crash in between leaves the
	// flag false and the unit is reprocessed (at-least-once).
	if err := m.store.MarkProcessed(ctx, unit.ID, store.StageMemory); err != nil {
		return fmt.Errorf("mark memory flag for %s: %w", unit.ID, err)
	}
	return nil
}

// NeedsSummarization reports whether a conversation has accumulated
// enough unsummarized messages to trigger a summary pass.
func (m *Manager) NeedsSummarization(ctx context.Context, conversationID string) (bool, error) {
	count, err := m.store.CountUnsummarized(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return count >= m.cfg.SummarizationMessageThreshold, nil
}

// SummarizeConversation regenerates the conversation's evolving summary
// from the previous summary plus all unsummarized messages, oldest
// first. The whole pass runs under the per-conversation lease and the
// unsummarized set is re-read under the lock, so concurrent workers
// cannot interleave and a pass with zero new messages is a no-op.
func (m *Manager) SummarizeConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is empty")
	}

	return m.locker.WithLease(ctx, "summary:"+conversationID, func(lCtx context.Context) error {
		units, err := m.store.GetUnsummarized(lCtx, conversationID)
		if err != nil {
			return fmt.Errorf("load unsummarized units for %s: %w", conversationID, err)
		}
		if len(units) == 0 {
			logger.Debug("no new messages, summary unchanged", "conversation", conversationID)
			return nil
		}

		previous := ""
		prevRecord, err := m.store.GetConversationSummary(lCtx, conversationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load summary for %s: %w", conversationID, err)
		}
		if prevRecord != nil {
			previous = prevRecord.Content
		}

		messages := make([]string, 0, len(units))
		ids := make([]string, 0, len(units))
		for _, unit := range units {
			if strings.TrimSpace(unit.Text) != "" {
				messages = append(messages, unit.Text)
			}
			ids = append(ids, unit.ID)
		}

		newSummary, err := aiclient.CallSummaryAI(lCtx, m.provider, previous, messages, m.cfg.MaxRetries)
		if err != nil {
			return fmt.Errorf("summarize %s: %w", conversationID, err)
		}

		embedding, err := m.provider.GenerateEmbedding(lCtx, []byte(newSummary))
		if err != nil {
			return fmt.Errorf("embed summary for %s: %w", conversationID, err)
		}

		record := &common.MemoryRecord{
			Content: newSummary,
			OwnerID: units[0].OwnerID,
			Scope:   units[0].Scope,
			Tier:    common.TierSummary,
			Metadata: map[string]string{
				"conversation_id": conversationID,
				"message_count":   fmt.Sprintf("%d", len(units)),
			},
		}
		if prevRecord != nil {
			record.ID = prevRecord.ID
		}
		if _, err := m.store.UpsertConversationSummary(lCtx, conversationID, record, embedding); err != nil {
			return fmt.Errorf("write summary for %s: %w", conversationID, err)
		}

		if err := m.store.MarkSummarized(lCtx, ids); err != nil {
			return fmt.Errorf("mark summary flags for %s: %w", conversationID, err)
		}

		logger.Info("conversation summary regenerated",
			"conversation", conversationID,
			"messages", len(units),
		)
		return nil
	})
}
