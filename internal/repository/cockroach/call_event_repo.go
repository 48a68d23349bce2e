package cockroach

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"heartlink-backend/internal/domain"
)

// CallEventRepository handles the append-only call event log.
// Rows are never updated or deleted.
type CallEventRepository struct {
	pool *pgxpool.Pool
}

// NewCallEventRepository creates a new call event repository
func NewCallEventRepository(pool *pgxpool.Pool) *CallEventRepository {
	return &CallEventRepository{pool: pool}
}

// Record appends an event outside of any lifecycle transaction.
// Used for signaling events, which do not change call state.
func (r *CallEventRepository) Record(ctx context.Context, event *domain.CallEvent) error {
	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	query := `
		INSERT INTO call_events (event_id, call_id, event_type, user_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		event.EventID,
		event.CallID,
		event.EventType,
		event.UserID,
		metadata,
	).Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record call event: %w", err)
	}

	return nil
}

// ListByCall retrieves a call's event stream in creation order
func (r *CallEventRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit, offset int) ([]*domain.CallEvent, error) {
	query := `
		SELECT event_id, call_id, event_type, user_id, metadata, created_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, callID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.CallEvent, 0)
	for rows.Next() {
		event := &domain.CallEvent{}
		var metadata []byte
		err := rows.Scan(
			&event.EventID,
			&event.CallID,
			&event.EventType,
			&event.UserID,
			&metadata,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call events: %w", err)
	}

	return events, nil
}

// insertEvent appends a lifecycle event inside an open transaction so the
// event commits or rolls back together with the status change it records
func insertEvent(ctx context.Context, tx pgx.Tx, callID uuid.UUID, eventType domain.EventType, userID *uuid.UUID, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	query := `
		INSERT INTO call_events (event_id, call_id, event_type, user_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`

	if _, err := tx.Exec(ctx, query, uuid.New(), callID, eventType, userID, meta); err != nil {
		return fmt.Errorf("failed to insert call event: %w", err)
	}

	return nil
}
