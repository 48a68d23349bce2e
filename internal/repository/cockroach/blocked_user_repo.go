package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BlockedUserRepository checks block relationships between users
type BlockedUserRepository struct {
	pool *pgxpool.Pool
}

// NewBlockedUserRepository creates a new blocked user repository
func NewBlockedUserRepository(pool *pgxpool.Pool) *BlockedUserRepository {
	return &BlockedUserRepository{pool: pool}
}

// IsBlockedBetween reports whether either user has blocked the other.
// A block in either direction prevents new calls between the pair.
func (r *BlockedUserRepository) IsBlockedBetween(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM blocked_users
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)
	`

	var blocked bool
	if err := r.pool.QueryRow(ctx, query, userA, userB).Scan(&blocked); err != nil {
		return false, fmt.Errorf("failed to check block status: %w", err)
	}

	return blocked, nil
}
