package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/store"
)

// EventStore implements store.EventStore using PostgreSQL.
type EventStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *EventStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append adds an event to the install event log.
func (s *EventStore) Append(ctx context.Context, event *models.EventRecord) error {
	if err := store.ValidateEvent(event); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.ReportedAt.IsZero() {
		event.ReportedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO install_events (id, node_id, group_key, status, reported_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.conn().ExecContext(ctx, query,
		event.ID,
		int64(event.NodeID),
		event.GroupKey,
		string(event.Status),
		event.ReportedAt,
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// List retrieves events in append order, restricted to groupKeys when given.
func (s *EventStore) List(ctx context.Context, groupKeys ...string) ([]models.EventRecord, error) {
	query := `
		SELECT id, node_id, group_key, status, reported_at
		FROM install_events`
	var args []any
	if len(groupKeys) > 0 {
		query += ` WHERE group_key = ANY($1)`
		args = append(args, pq.Array(groupKeys))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := make([]models.EventRecord, 0)
	for rows.Next() {
		var ev models.EventRecord
		var nodeID int64
		var status string
		if err := rows.Scan(&ev.ID, &nodeID, &ev.GroupKey, &status, &ev.ReportedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.NodeID = models.NodeID(nodeID)
		ev.Status = models.StatusLabel(status)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// Groups returns the distinct group keys in the log.
func (s *EventStore) Groups(ctx context.Context) ([]string, error) {
	var groups []string
	err := s.conn().QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(DISTINCT group_key ORDER BY group_key), '{}') FROM install_events`,
	).Scan(pq.Array(&groups))
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	if groups == nil {
		groups = []string{}
	}
	return groups, nil
}
