// Package pgx implements the store interfaces on PostgreSQL with
// pgvector for embedding search.
package pgx

import (
	"context"
	"strconv"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// TwinDBStorage implements store.Storage using PostgreSQL with pgvector.
type TwinDBStorage struct {
	conn pgxIConn
}

// NewTwinDBStorage creates a storage backed by an existing connection
// or pool.
func NewTwinDBStorage(conn pgxIConn) *TwinDBStorage {
	return &TwinDBStorage{conn: conn}
}

// EnsureSchema creates the pipeline tables when they do not exist yet.
// Embedding dimensionality must match the configured embedding model.
func (s *TwinDBStorage) EnsureSchema(ctx context.Context, embeddingDim int) error {
	if embeddingDim <= 0 {
		embeddingDim = 1536
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			uuid       text PRIMARY KEY,
			name       text NOT NULL,
			type       text NOT NULL,
			scope      text NOT NULL,
			owner_id   text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS graph_nodes_identity_idx
			ON graph_nodes (lower(name), type, scope, owner_id);`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			uuid        text PRIMARY KEY,
			type        text NOT NULL,
			source_uuid text NOT NULL REFERENCES graph_nodes(uuid),
			target_uuid text NOT NULL REFERENCES graph_nodes(uuid),
			fact        text NOT NULL,
			scope       text NOT NULL,
			owner_id    text NOT NULL,
			valid_from  timestamptz NOT NULL DEFAULT now(),
			valid_to    timestamptz
		);`,
		`CREATE INDEX IF NOT EXISTS graph_edges_endpoints_idx
			ON graph_edges (source_uuid, target_uuid, type, scope) WHERE valid_to IS NULL;`,
		`CREATE TABLE IF NOT EXISTS text_units (
			id                   text PRIMARY KEY,
			text                 text NOT NULL,
			source_type          text NOT NULL,
			owner_id             text NOT NULL,
			scope                text NOT NULL,
			conversation_id      text NOT NULL DEFAULT '',
			authored_by_user     boolean NOT NULL DEFAULT false,
			unit_timestamp       timestamptz NOT NULL,
			processed_in_memory  boolean NOT NULL DEFAULT false,
			processed_in_summary boolean NOT NULL DEFAULT false,
			processed_in_graph   boolean NOT NULL DEFAULT false
		);`,
		`CREATE INDEX IF NOT EXISTS text_units_conversation_idx
			ON text_units (conversation_id, processed_in_summary);`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id              text PRIMARY KEY,
			content         text NOT NULL,
			owner_id        text NOT NULL,
			scope           text NOT NULL,
			tier            text NOT NULL,
			conversation_id text NOT NULL DEFAULT '',
			metadata        jsonb NOT NULL DEFAULT '{}'::jsonb,
			embedding       vector(` + strconv.Itoa(embeddingDim) + `),
			created_at      timestamptz NOT NULL DEFAULT now(),
			expires_at      timestamptz
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_records_summary_idx
			ON memory_records (conversation_id) WHERE tier = 'summary';`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			owner_id   text PRIMARY KEY,
			profile    jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS twin_locks (
			lock_key   text PRIMARY KEY,
			locked_by  text NOT NULL,
			expires_at timestamptz NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
