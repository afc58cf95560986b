package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/lishiyo/digital-twin-mem0-sub000/internal/util"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const saveUnitSQL = `
INSERT INTO text_units (id, text, source_type, owner_id, scope, conversation_id, authored_by_user, unit_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING;
`

const getUnitSQL = `
SELECT id, text, source_type, owner_id, scope, conversation_id, authored_by_user, unit_timestamp
FROM text_units
WHERE id = $1;
`

const getFlagsSQL = `
SELECT processed_in_memory, processed_in_summary, processed_in_graph
FROM text_units
WHERE id = $1;
`

const countUnsummarizedSQL = `
SELECT count(*) FROM text_units
WHERE conversation_id = $1 AND processed_in_summary = false;
`

const getUnsummarizedSQL = `
SELECT id, text, source_type, owner_id, scope, conversation_id, authored_by_user, unit_timestamp
FROM text_units
WHERE conversation_id = $1 AND processed_in_summary = false
ORDER BY unit_timestamp ASC, id ASC;
`

// SaveUnit inserts a text unit. Re-submitting the same unit ID is a
// no-op so ingestion retries are safe.
func (s *TwinDBStorage) SaveUnit(ctx context.Context, unit common.TextUnit) error {
	_, err := s.conn.Exec(ctx, saveUnitSQL,
		unit.ID,
		util.SanitizePostgresText(unit.Text),
		unit.SourceType,
		unit.OwnerID,
		unit.Scope,
		unit.ConversationID,
		unit.AuthoredByUser,
		unit.Timestamp,
	)
	return err
}

// GetUnit loads one text unit.
func (s *TwinDBStorage) GetUnit(ctx context.Context, unitID string) (*common.TextUnit, error) {
	var unit common.TextUnit
	err := s.conn.QueryRow(ctx, getUnitSQL, unitID).Scan(
		&unit.ID, &unit.Text, &unit.SourceType, &unit.OwnerID, &unit.Scope,
		&unit.ConversationID, &unit.AuthoredByUser, &unit.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &unit, nil
}

// GetFlags returns the unit's processing flags.
func (s *TwinDBStorage) GetFlags(ctx context.Context, unitID string) (common.ProcessingFlags, error) {
	var flags common.ProcessingFlags
	err := s.conn.QueryRow(ctx, getFlagsSQL, unitID).Scan(
		&flags.ProcessedInMemory, &flags.ProcessedInSummary, &flags.ProcessedInGraph,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return flags, store.ErrNotFound
		}
		return flags, err
	}
	return flags, nil
}

// MarkProcessed sets one processing flag to true. The flag never moves
// back to false here; re-marking is a no-op.
func (s *TwinDBStorage) MarkProcessed(ctx context.Context, unitID string, flag store.ProcessingStage) error {
	var column string
	switch flag {
	case store.StageMemory:
		column = "processed_in_memory"
	case store.StageSummary:
		column = "processed_in_summary"
	case store.StageGraph:
		column = "processed_in_graph"
	default:
		return fmt.Errorf("unknown processing stage: %s", flag)
	}

	sql := `UPDATE text_units SET ` + column + ` = true WHERE id = $1;`
	_, err := s.conn.Exec(ctx, sql, unitID)
	return err
}

// MarkSummarized sets processed_in_summary for a batch of units in one
// statement so the summary flag flips atomically with respect to the
// batch.
func (s *TwinDBStorage) MarkSummarized(ctx context.Context, unitIDs []string) error {
	if len(unitIDs) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx,
		`UPDATE text_units SET processed_in_summary = true WHERE id = ANY($1);`,
		unitIDs,
	)
	return err
}

// CountUnsummarized counts units of a conversation still awaiting
// summarization.
func (s *TwinDBStorage) CountUnsummarized(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.conn.QueryRow(ctx, countUnsummarizedSQL, conversationID).Scan(&count)
	return count, err
}

// GetUnsummarized returns a conversation's unsummarized units oldest
// first.
func (s *TwinDBStorage) GetUnsummarized(ctx context.Context, conversationID string) ([]common.TextUnit, error) {
	rows, err := s.conn.Query(ctx, getUnsummarizedSQL, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []common.TextUnit
	for rows.Next() {
		var unit common.TextUnit
		if err := rows.Scan(
			&unit.ID, &unit.Text, &unit.SourceType, &unit.OwnerID, &unit.Scope,
			&unit.ConversationID, &unit.AuthoredByUser, &unit.Timestamp,
		); err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}
