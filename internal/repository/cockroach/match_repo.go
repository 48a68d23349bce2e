package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"heartlink-backend/internal/domain"
)

// MatchRepository reads matches created by the matching subsystem
type MatchRepository struct {
	pool *pgxpool.Pool
}

// NewMatchRepository creates a new match repository
func NewMatchRepository(pool *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{pool: pool}
}

// GetByID retrieves a match by ID
func (r *MatchRepository) GetByID(ctx context.Context, matchID uuid.UUID) (*domain.Match, error) {
	query := `
		SELECT match_id, user_a, user_b, created_at
		FROM matches
		WHERE match_id = $1
	`

	match := &domain.Match{}
	err := r.pool.QueryRow(ctx, query, matchID).Scan(
		&match.MatchID,
		&match.UserA,
		&match.UserB,
		&match.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get match: %w", err)
	}

	return match, nil
}
