package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"heartlink-backend/internal/domain"
)

const callColumns = `call_id, match_id, caller_id, receiver_id, call_type, status,
	       created_at, started_at, ended_at, duration_seconds`

// CallRepository handles call persistence in CockroachDB.
//
// All state transitions are compare-and-swap UPDATEs keyed on the expected
// prior status, committed in the same transaction as the audit event, so
// concurrent attempts on one call serialize and exactly one observes the
// prior state.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call in status "ringing" and logs the "initiated"
// event atomically. The insert is guarded against a concurrent active call
// on the same match: the check and the insert run in one statement, so two
// racing initiations cannot both succeed. Returns domain.ErrActiveCallExists when
// the guard rejects the row. Transient serialization aborts are retried.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	return withTxRetry(ctx, func(ctx context.Context) error {
		return r.create(ctx, call)
	})
}

func (r *CallRepository) create(ctx context.Context, call *domain.Call) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO calls (call_id, match_id, caller_id, receiver_id, call_type, status, created_at)
		SELECT $1, $2, $3, $4, $5, $6, now()
		WHERE NOT EXISTS (
			SELECT 1 FROM calls
			WHERE match_id = $2 AND status IN ('ringing', 'ongoing')
		)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, query,
		call.CallID,
		call.MatchID,
		call.CallerID,
		call.ReceiverID,
		call.CallType,
		call.Status,
	).Scan(&call.CreatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrActiveCallExists
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	if err := insertEvent(ctx, tx, call.CallID, domain.EventInitiated, &call.CallerID, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call creation: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// FindActiveForMatch returns the ringing/ongoing call for a match, or nil
// if the match has no active call
func (r *CallRepository) FindActiveForMatch(ctx context.Context, matchID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE match_id = $1 AND status IN ('ringing', 'ongoing')
		ORDER BY created_at DESC
		LIMIT 1
	`

	call, err := scanCall(r.pool.QueryRow(ctx, query, matchID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active call: %w", err)
	}

	return call, nil
}

// Accept transitions a ringing call to ongoing, stamps started_at, and logs
// the "accepted" event atomically. Returns domain.ErrStatusConflict if the call is
// no longer ringing (concurrent decline/miss wins the race).
func (r *CallRepository) Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ongoing', started_at = now()
		WHERE call_id = $1 AND status = 'ringing'
		RETURNING ` + callColumns

	return r.transition(ctx, callID, query, domain.EventAccepted, &userID)
}

// Decline transitions a ringing call to declined, stamps ended_at, and logs
// the "declined" event atomically. Returns domain.ErrStatusConflict on a lost race.
func (r *CallRepository) Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'declined', ended_at = now()
		WHERE call_id = $1 AND status = 'ringing'
		RETURNING ` + callColumns

	return r.transition(ctx, callID, query, domain.EventDeclined, &userID)
}

// MarkMissed transitions a ringing call to missed (hang-up before answer or
// ring timeout). actingUser is nil when the system expires the call.
// No duration is recorded. Returns domain.ErrStatusConflict on a lost race.
func (r *CallRepository) MarkMissed(ctx context.Context, callID uuid.UUID, actingUser *uuid.UUID) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'missed', ended_at = now()
		WHERE call_id = $1 AND status = 'ringing'
		RETURNING ` + callColumns

	return r.transition(ctx, callID, query, domain.EventMissed, actingUser)
}

// EndOngoing transitions an ongoing call to ended, stamps ended_at, computes
// the duration in whole seconds from started_at, and logs the "ended" event
// atomically. Returns domain.ErrStatusConflict on a lost race.
func (r *CallRepository) EndOngoing(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    ended_at = now(),
		    duration_seconds = EXTRACT(EPOCH FROM (now() - started_at))::INT
		WHERE call_id = $1 AND status = 'ongoing'
		RETURNING ` + callColumns

	return r.transition(ctx, callID, query, domain.EventEnded, &userID)
}

// ListStaleRinging returns calls that have been ringing for longer than the
// given age in seconds, for the ring-timeout policy
func (r *CallRepository) ListStaleRinging(ctx context.Context, olderThanSeconds int) ([]*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE status = 'ringing' AND created_at < now() - ($1 * INTERVAL '1 second')
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, olderThanSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale ringing calls: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// GetUserCalls retrieves a user's call history, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// transition runs a compare-and-swap status update and the matching event
// append in one transaction, retrying serialization aborts. A zero-row
// update means the expected-status guard failed; the caller gets
// domain.ErrStatusConflict and can reload the row to observe who won.
func (r *CallRepository) transition(ctx context.Context, callID uuid.UUID, query string, eventType domain.EventType, actingUser *uuid.UUID) (*domain.Call, error) {
	var call *domain.Call
	err := withTxRetry(ctx, func(ctx context.Context) error {
		var txErr error
		call, txErr = r.transitionOnce(ctx, callID, query, eventType, actingUser)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

func (r *CallRepository) transitionOnce(ctx context.Context, callID uuid.UUID, query string, eventType domain.EventType, actingUser *uuid.UUID) (*domain.Call, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	call, err := scanCall(tx.QueryRow(ctx, query, callID))
	if err != nil {
		if err == pgx.ErrNoRows {
			// Distinguish a missing call from a lost race
			var exists bool
			if checkErr := r.pool.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM calls WHERE call_id = $1)`, callID,
			).Scan(&exists); checkErr != nil {
				return nil, fmt.Errorf("failed to check call existence: %w", checkErr)
			}
			if !exists {
				return nil, domain.ErrNotFound
			}
			return nil, domain.ErrStatusConflict
		}
		return nil, fmt.Errorf("failed to transition call: %w", err)
	}

	if err := insertEvent(ctx, tx, callID, eventType, actingUser, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return call, nil
}

// rowScanner covers both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*domain.Call, error) {
	call := &domain.Call{}
	err := row.Scan(
		&call.CallID,
		&call.MatchID,
		&call.CallerID,
		&call.ReceiverID,
		&call.CallType,
		&call.Status,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}
	return call, nil
}

func collectCalls(rows pgx.Rows) ([]*domain.Call, error) {
	calls := make([]*domain.Call, 0)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}

	return calls, nil
}
