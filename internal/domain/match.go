package domain

import (
	"time"

	"github.com/google/uuid"
)

// Match is the durable pairing of two users who mutually expressed interest.
// It is owned by the matching subsystem; this service only reads it.
type Match struct {
	MatchID   uuid.UUID `json:"match_id"`
	UserA     uuid.UUID `json:"user_a"`
	UserB     uuid.UUID `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// HasUser reports whether userID is one of the two match parties
func (m *Match) HasUser(userID uuid.UUID) bool {
	return m.UserA == userID || m.UserB == userID
}

// OtherUser returns the match party opposite to userID.
// The caller must have verified membership with HasUser first.
func (m *Match) OtherUser(userID uuid.UUID) uuid.UUID {
	if m.UserA == userID {
		return m.UserB
	}
	return m.UserA
}
