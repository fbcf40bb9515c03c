package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/store"
)

// NodeStore implements store.NodeStore using PostgreSQL.
type NodeStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *NodeStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// LockRegistry takes a table lock that conflicts with itself and with
// writes, so checks made against List hold until commit.
func (s *NodeStore) LockRegistry(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	if _, err := s.tx.ExecContext(ctx, `LOCK TABLE nodes IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("locking nodes: %w", err)
	}
	return nil
}

// Register registers a new node or updates an existing one.
func (s *NodeStore) Register(ctx context.Context, node *models.NodeRecord) error {
	if err := store.ValidateNode(node); err != nil {
		return err
	}

	query := `
		INSERT INTO nodes (id, parent_id, hostname, address, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			hostname = EXCLUDED.hostname,
			address = EXCLUDED.address
		RETURNING registered_at`

	if node.RegisteredAt.IsZero() {
		node.RegisteredAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		int64(node.ID),
		int64(node.ParentID),
		node.Hostname,
		node.Address,
		node.RegisteredAt,
	).Scan(&node.RegisteredAt)
	if err != nil {
		return fmt.Errorf("registering node: %w", err)
	}

	s.logger.Debug("node registered", "node_id", node.ID, "parent_id", node.ParentID)
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id models.NodeID) (*models.NodeRecord, error) {
	query := `
		SELECT id, parent_id, hostname, address, registered_at
		FROM nodes
		WHERE id = $1`

	node, err := scanNode(s.conn().QueryRowContext(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return node, nil
}

// List retrieves all nodes ordered by ascending ID.
func (s *NodeStore) List(ctx context.Context) ([]models.NodeRecord, error) {
	query := `
		SELECT id, parent_id, hostname, address, registered_at
		FROM nodes
		ORDER BY id ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]models.NodeRecord, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// Delete removes a node.
func (s *NodeStore) Delete(ctx context.Context, id models.NodeID) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.NodeRecord, error) {
	var id, parentID int64
	node := &models.NodeRecord{}
	if err := row.Scan(&id, &parentID, &node.Hostname, &node.Address, &node.RegisteredAt); err != nil {
		return nil, err
	}
	node.ID = models.NodeID(id)
	node.ParentID = models.NodeID(parentID)
	return node, nil
}
