package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator"
	"github.com/rabbitmq/amqp091-go"

	"github.com/lishiyo/digital-twin-mem0-sub000/internal/util"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/graph"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger"
)

var validate = validator.New()

// QueueUnitMsg carries one text unit through the process queue.
type QueueUnitMsg struct {
	Unit common.TextUnit `json:"unit"`
}

// QueueDocumentMsg carries a whole document. The worker chunks it into
// sentence-aligned units before running the pipeline.
type QueueDocumentMsg struct {
	Text           string            `json:"text" validate:"required"`
	SourceType     common.SourceType `json:"source_type" validate:"required,oneof=chat document calendar social statement"`
	OwnerID        string            `json:"owner_id" validate:"required"`
	Scope          common.Scope      `json:"scope" validate:"required,oneof=user twin global"`
	ConversationID string            `json:"conversation_id,omitempty"`
	AuthoredByUser bool              `json:"authored_by_user,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
}

// QueueSummaryMsg requests a summarization pass over one conversation.
type QueueSummaryMsg struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// ProcessUnitMessage handles one process_queue delivery: run the unit
// through the pipeline and, when its conversation crossed the
// summarization threshold, enqueue a summary job.
func ProcessUnitMessage(
	ctx context.Context,
	client *graph.PipelineClient,
	ch *amqp091.Channel,
	msg string,
) error {
	data := new(QueueUnitMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("invalid unit message: %w", err)
	}
	if err := validate.Struct(data.Unit); err != nil {
		return fmt.Errorf("invalid unit message: %w", err)
	}
	if data.Unit.Scope != common.ScopeGlobal && data.Unit.OwnerID == "" {
		return fmt.Errorf("invalid unit message: owner_id is required for %s scope", data.Unit.Scope)
	}

	result, err := client.ProcessUnit(ctx, data.Unit)
	if err != nil {
		return err
	}
	logger.Info("[Queue] Unit processed",
		"unit", data.Unit.ID,
		"entities", result.EntitiesCreated,
		"relationships", result.RelationshipsCreated,
		"traits", result.TraitsApplied,
		"errors", len(result.Errors))

	maybeEnqueueSummary(ctx, client, ch, data.Unit.ConversationID)
	return nil
}

// ProcessDocumentMessage handles one document_queue delivery: chunk the
// document and run every chunk through the pipeline.
func ProcessDocumentMessage(
	ctx context.Context,
	client *graph.PipelineClient,
	ch *amqp091.Channel,
	msg string,
) error {
	data := new(QueueDocumentMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("invalid document message: %w", err)
	}
	if err := validate.Struct(data); err != nil {
		return fmt.Errorf("invalid document message: %w", err)
	}

	timestamp := data.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	template := common.TextUnit{
		SourceType:     data.SourceType,
		OwnerID:        data.OwnerID,
		Scope:          data.Scope,
		ConversationID: data.ConversationID,
		AuthoredByUser: data.AuthoredByUser,
		Timestamp:      timestamp,
	}

	encoder := util.GetEnvString("AI_TOKEN_ENCODING", "o200k_base")
	units, err := graph.ChunkDocument(data.Text, template, encoder, data.MaxTokens)
	if err != nil {
		return fmt.Errorf("chunking document: %w", err)
	}
	if len(units) == 0 {
		logger.Warn("[Queue] Document produced no units", "owner", data.OwnerID)
		return nil
	}

	result, err := client.ProcessUnits(ctx, units)
	if err != nil {
		return err
	}
	logger.Info("[Queue] Document processed",
		"owner", data.OwnerID,
		"units", len(units),
		"entities", result.EntitiesCreated,
		"relationships", result.RelationshipsCreated,
		"traits", result.TraitsApplied,
		"errors", len(result.Errors))

	maybeEnqueueSummary(ctx, client, ch, data.ConversationID)
	return nil
}

// ProcessSummaryMessage handles one summary_queue delivery.
func ProcessSummaryMessage(
	ctx context.Context,
	client *graph.PipelineClient,
	msg string,
) error {
	data := new(QueueSummaryMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("invalid summary message: %w", err)
	}
	if err := validate.Struct(data); err != nil {
		return fmt.Errorf("invalid summary message: %w", err)
	}

	return client.SummarizeConversation(ctx, data.ConversationID)
}

// maybeEnqueueSummary publishes a summary job when the conversation has
// enough unsummarized units. Failures are logged, not returned; the next
// unit of the conversation triggers the check again.
func maybeEnqueueSummary(
	ctx context.Context,
	client *graph.PipelineClient,
	ch *amqp091.Channel,
	conversationID string,
) {
	if conversationID == "" {
		return
	}

	need, err := client.NeedsSummarization(ctx, conversationID)
	if err != nil {
		logger.Warn("[Queue] Summarization check failed", "conversation", conversationID, "err", err)
		return
	}
	if !need {
		return
	}

	body, err := json.Marshal(QueueSummaryMsg{ConversationID: conversationID})
	if err != nil {
		logger.Warn("[Queue] Failed to encode summary job", "conversation", conversationID, "err", err)
		return
	}
	if err := PublishFIFO(ch, SummaryQueue, body); err != nil {
		logger.Warn("[Queue] Failed to enqueue summary job", "conversation", conversationID, "err", err)
		return
	}
	logger.Info("[Queue] Summary job enqueued", "conversation", conversationID)
}
