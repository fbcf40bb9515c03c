// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/narvanalabs/topology-console/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidRecord is returned when a record fails basic field validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// NodeStore defines operations for the node registry.
type NodeStore interface {
	// Register creates a node or updates an existing one with the same ID.
	Register(ctx context.Context, node *models.NodeRecord) error
	// Get retrieves a node by ID.
	Get(ctx context.Context, id models.NodeID) (*models.NodeRecord, error)
	// List retrieves every registered node, ordered by ascending ID.
	List(ctx context.Context) ([]models.NodeRecord, error)
	// Delete removes a node.
	Delete(ctx context.Context, id models.NodeID) error
	// LockRegistry blocks other transactions from writing the registry
	// until the current transaction ends. Outside a transaction it is a no-op.
	LockRegistry(ctx context.Context) error
}

// EventStore defines operations for the append-only install event log.
type EventStore interface {
	// Append adds an event to the log, assigning its ID and timestamp if unset.
	Append(ctx context.Context, event *models.EventRecord) error
	// List retrieves events in append order. With no group keys every event
	// is returned.
	List(ctx context.Context, groupKeys ...string) ([]models.EventRecord, error)
	// Groups returns the distinct group keys present in the log, sorted.
	Groups(ctx context.Context) ([]string, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Nodes returns the NodeStore for node registry operations.
	Nodes() NodeStore
	// Events returns the EventStore for event log operations.
	Events() EventStore

	// WithTx executes the given function within a transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// ValidateNode checks the fields a NodeRecord must carry before it is stored.
func ValidateNode(node *models.NodeRecord) error {
	if node == nil {
		return ErrInvalidRecord
	}
	if !node.ID.Valid() {
		return fmt.Errorf("%w: node id %s is negative", ErrInvalidRecord, node.ID)
	}
	if !node.IsRoot() && !node.ParentID.Valid() {
		return fmt.Errorf("%w: parent id %s is neither a node id nor the root marker", ErrInvalidRecord, node.ParentID)
	}
	if node.ParentID == node.ID {
		return fmt.Errorf("%w: node %s is its own parent", ErrInvalidRecord, node.ID)
	}
	return nil
}

// ValidateEvent checks the fields an EventRecord must carry before it is
// appended.
func ValidateEvent(event *models.EventRecord) error {
	if event == nil {
		return ErrInvalidRecord
	}
	if !event.NodeID.Valid() {
		return fmt.Errorf("%w: node id %s is negative", ErrInvalidRecord, event.NodeID)
	}
	if event.GroupKey == "" {
		return fmt.Errorf("%w: group key is required", ErrInvalidRecord)
	}
	if event.Status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidRecord)
	}
	return nil
}
