package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/lishiyo/digital-twin-mem0-sub000/internal/util"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pgvector/pgvector-go"
)

const addMemorySQL = `
INSERT INTO memory_records (id, content, owner_id, scope, tier, conversation_id, metadata, embedding, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
	CASE WHEN $9::bigint > 0 THEN now() + ($9::bigint * interval '1 millisecond') ELSE NULL END)
RETURNING id;
`

const searchMemorySQL = `
SELECT id, content, owner_id, scope, tier, metadata
FROM memory_records
WHERE owner_id = $1 AND scope = $2
  AND (expires_at IS NULL OR expires_at > now())
ORDER BY embedding <=> $3
LIMIT $4;
`

const getSummarySQL = `
SELECT id, content, owner_id, scope, tier, metadata
FROM memory_records
WHERE conversation_id = $1 AND tier = 'summary';
`

const upsertSummarySQL = `
INSERT INTO memory_records (id, content, owner_id, scope, tier, conversation_id, metadata, embedding)
VALUES ($1, $2, $3, $4, 'summary', $5, $6, $7)
ON CONFLICT (conversation_id) WHERE tier = 'summary' DO UPDATE
SET content = EXCLUDED.content,
    metadata = EXCLUDED.metadata,
    embedding = EXCLUDED.embedding
RETURNING id;
`

const purgeExpiredSQL = `
DELETE FROM memory_records
WHERE expires_at IS NOT NULL AND expires_at <= now();
`

// AddMemory inserts a record with its embedding. Records with a
// positive TTL expire and are reclaimed by PurgeExpired.
func (s *TwinDBStorage) AddMemory(ctx context.Context, record *common.MemoryRecord, embedding []float32) (string, error) {
	if record == nil {
		return "", fmt.Errorf("record is nil")
	}
	id := record.ID
	if id == "" {
		var err error
		id, err = gonanoid.New()
		if err != nil {
			return "", err
		}
	}

	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	var returned string
	err := s.conn.QueryRow(ctx, addMemorySQL,
		id,
		util.SanitizePostgresText(record.Content),
		record.OwnerID,
		record.Scope,
		record.Tier,
		metadata["conversation_id"],
		metadata,
		pgvector.NewVector(embedding),
		record.TTL.Milliseconds(),
	).Scan(&returned)
	if err != nil {
		return "", err
	}
	return returned, nil
}

// SearchMemory returns the closest unexpired records for the owner and
// scope, nearest first.
func (s *TwinDBStorage) SearchMemory(ctx context.Context, embedding []float32, ownerID string, scope common.Scope, limit int) ([]common.MemoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.conn.Query(ctx, searchMemorySQL, ownerID, scope, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []common.MemoryRecord
	for rows.Next() {
		var record common.MemoryRecord
		if err := rows.Scan(&record.ID, &record.Content, &record.OwnerID, &record.Scope, &record.Tier, &record.Metadata); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetConversationSummary returns the evolving summary record for a
// conversation.
func (s *TwinDBStorage) GetConversationSummary(ctx context.Context, conversationID string) (*common.MemoryRecord, error) {
	var record common.MemoryRecord
	err := s.conn.QueryRow(ctx, getSummarySQL, conversationID).Scan(
		&record.ID, &record.Content, &record.OwnerID, &record.Scope, &record.Tier, &record.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// UpsertConversationSummary replaces the conversation's single summary
// record in place. There is never more than one summary row per
// conversation.
func (s *TwinDBStorage) UpsertConversationSummary(ctx context.Context, conversationID string, record *common.MemoryRecord, embedding []float32) (string, error) {
	if record == nil {
		return "", fmt.Errorf("record is nil")
	}
	id := record.ID
	if id == "" {
		var err error
		id, err = gonanoid.New()
		if err != nil {
			return "", err
		}
	}

	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	var returned string
	err := s.conn.QueryRow(ctx, upsertSummarySQL,
		id,
		util.SanitizePostgresText(record.Content),
		record.OwnerID,
		record.Scope,
		conversationID,
		metadata,
		pgvector.NewVector(embedding),
	).Scan(&returned)
	if err != nil {
		return "", err
	}
	return returned, nil
}

// PurgeExpired drops raw-tier records whose TTL has elapsed.
func (s *TwinDBStorage) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.conn.Exec(ctx, purgeExpiredSQL)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
