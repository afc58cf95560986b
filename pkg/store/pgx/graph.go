package pgx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/internal/util"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const findNodeSQL = `
SELECT uuid, name, type, scope, owner_id, created_at
FROM graph_nodes
WHERE lower(name) = lower($1) AND type = $2 AND scope = $3 AND owner_id = $4;
`

const createNodeSQL = `
INSERT INTO graph_nodes (uuid, name, type, scope, owner_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (lower(name), type, scope, owner_id) DO UPDATE SET name = EXCLUDED.name
RETURNING uuid;
`

const findOpenEdgesSQL = `
SELECT e.uuid, e.type, e.source_uuid, e.target_uuid, e.fact, e.scope, e.owner_id, e.valid_from, e.valid_to
FROM graph_edges e
JOIN graph_nodes src ON src.uuid = e.source_uuid
JOIN graph_nodes dst ON dst.uuid = e.target_uuid
WHERE lower(src.name) = lower($1)
  AND lower(dst.name) = lower($2)
  AND e.type = $3
  AND e.scope = $4
  AND e.owner_id = $5
  AND e.valid_to IS NULL;
`

const createEdgeSQL = `
INSERT INTO graph_edges (uuid, type, source_uuid, target_uuid, fact, scope, owner_id, valid_from)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
RETURNING uuid;
`

const setEdgeValidToSQL = `
UPDATE graph_edges SET valid_to = now()
WHERE uuid = $1 AND valid_to IS NULL;
`

const deleteEdgeSQL = `
DELETE FROM graph_edges WHERE uuid = $1;
`

const searchNodesSQL = `
SELECT uuid, name, type, scope, owner_id, created_at
FROM graph_nodes
WHERE name ILIKE '%' || $1 || '%'
  AND (
	(scope = 'user' AND owner_id = $2)
	OR scope = 'global'
	OR ($3 <> '' AND scope = 'twin' AND owner_id = $3)
  )
ORDER BY created_at DESC
LIMIT $4;
`

// FindNode looks a node up by its identity tuple. Name matching is
// case-insensitive so "acme corp" and "Acme Corp" converge to one node.
func (s *TwinDBStorage) FindNode(ctx context.Context, name, nodeType string, scope common.Scope, ownerID string) (*common.GraphNode, error) {
	var node common.GraphNode
	err := s.conn.QueryRow(ctx, findNodeSQL,
		util.SanitizePostgresText(strings.TrimSpace(name)), nodeType, scope, ownerID,
	).Scan(&node.UUID, &node.Name, &node.Type, &node.Scope, &node.OwnerID, &node.CreatedAt)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &node, nil
}

// CreateNode inserts a node. A concurrent insert of the same identity
// resolves through the uniqueness constraint and returns the winning
// UUID.
func (s *TwinDBStorage) CreateNode(ctx context.Context, node *common.GraphNode) (string, error) {
	if node == nil {
		return "", fmt.Errorf("node is nil")
	}
	uuid := node.UUID
	if uuid == "" {
		var err error
		uuid, err = gonanoid.New()
		if err != nil {
			return "", err
		}
	}

	var returned string
	err := s.conn.QueryRow(ctx, createNodeSQL,
		uuid,
		util.SanitizePostgresText(strings.TrimSpace(node.Name)),
		node.Type,
		node.Scope,
		node.OwnerID,
	).Scan(&returned)
	if err != nil {
		return "", err
	}
	return returned, nil
}

// FindOpenEdges returns the currently-valid edges between two named
// endpoints for the given type, scope and owner.
func (s *TwinDBStorage) FindOpenEdges(ctx context.Context, sourceName, targetName, relType string, scope common.Scope, ownerID string) ([]common.GraphEdge, error) {
	rows, err := s.conn.Query(ctx, findOpenEdgesSQL,
		util.SanitizePostgresText(strings.TrimSpace(sourceName)),
		util.SanitizePostgresText(strings.TrimSpace(targetName)),
		relType, scope, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []common.GraphEdge
	for rows.Next() {
		var edge common.GraphEdge
		var validTo *time.Time
		if err := rows.Scan(
			&edge.UUID, &edge.Type, &edge.SourceUUID, &edge.TargetUUID,
			&edge.Fact, &edge.Scope, &edge.OwnerID, &edge.ValidFrom, &validTo,
		); err != nil {
			return nil, err
		}
		edge.ValidTo = validTo
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// CreateEdge inserts an edge with an open validity window.
func (s *TwinDBStorage) CreateEdge(ctx context.Context, edge *common.GraphEdge) (string, error) {
	if edge == nil {
		return "", fmt.Errorf("edge is nil")
	}
	uuid := edge.UUID
	if uuid == "" {
		var err error
		uuid, err = gonanoid.New()
		if err != nil {
			return "", err
		}
	}

	var returned string
	err := s.conn.QueryRow(ctx, createEdgeSQL,
		uuid,
		edge.Type,
		edge.SourceUUID,
		edge.TargetUUID,
		util.SanitizePostgresText(edge.Fact),
		edge.Scope,
		edge.OwnerID,
	).Scan(&returned)
	if err != nil {
		return "", err
	}
	return returned, nil
}

// SetEdgeValidTo closes the edge's validity window (logical delete).
func (s *TwinDBStorage) SetEdgeValidTo(ctx context.Context, uuid string) error {
	_, err := s.conn.Exec(ctx, setEdgeValidToSQL, uuid)
	return err
}

// DeleteEdge physically removes the edge row.
func (s *TwinDBStorage) DeleteEdge(ctx context.Context, uuid string) error {
	_, err := s.conn.Exec(ctx, deleteEdgeSQL, uuid)
	return err
}

// SearchNodes returns matching nodes the caller may see: their own
// user-scoped nodes plus global ones, and a twin's nodes only when its
// owner is explicitly requested.
func (s *TwinDBStorage) SearchNodes(ctx context.Context, query, ownerID, twinOwnerID string, limit int) ([]common.GraphNode, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.conn.Query(ctx, searchNodesSQL,
		util.SanitizePostgresText(strings.TrimSpace(query)), ownerID, twinOwnerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []common.GraphNode
	for rows.Next() {
		var node common.GraphNode
		if err := rows.Scan(&node.UUID, &node.Name, &node.Type, &node.Scope, &node.OwnerID, &node.CreatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
