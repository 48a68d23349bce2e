package push

import (
	"context"
	"fmt"

	"heartlink-backend/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal, low
	Sound    string            `json:"sound,omitempty"`
	Badge    *int              `json:"badge,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user's device
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens.
// Tokens are keyed by their value; the value is what providers report back
// when a token goes stale.
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, tokenStr string) (*Token, error)
	Delete(ctx context.Context, tokenStr string) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
	MarkInactive(ctx context.Context, tokenStr string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push notification token for a user's device.
// Re-registering an existing token reactivates it and refreshes its device
// metadata.
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UpdatedAt = token.UpdatedAt
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		if err := s.repo.Store(ctx, existing); err != nil {
			return err
		}
		// Hand the persisted row back so the caller sees the stored ID
		*token = *existing
		return nil
	}

	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, tokenStr string) error {
	return s.repo.Delete(ctx, tokenStr)
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID uuid.UUID) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// GetTokenByValue looks up a registered token by its value, returning nil
// when unknown
func (s *Service) GetTokenByValue(ctx context.Context, tokenStr string) (*Token, error) {
	return s.repo.GetByToken(ctx, tokenStr)
}

// SendIncomingCall sends a high-priority push for a ringing call so the
// receiver's device can surface the native incoming-call UI
func (s *Service) SendIncomingCall(ctx context.Context, receiverID uuid.UUID, callID, matchID, callerID uuid.UUID, callType string) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     "Someone you matched with is calling you",
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":      "call",
			"call_id":   callID.String(),
			"match_id":  matchID.String(),
			"caller_id": callerID.String(),
			"call_type": callType,
		},
	}

	return s.sendToUser(ctx, notification, receiverID)
}

// SendMissedCall notifies the receiver that a ringing call went unanswered
func (s *Service) SendMissedCall(ctx context.Context, receiverID uuid.UUID, callID, matchID, callerID uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     "You missed a call from one of your matches",
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":      "missed_call",
			"call_id":   callID.String(),
			"match_id":  matchID.String(),
			"caller_id": callerID.String(),
		},
	}

	return s.sendToUser(ctx, notification, receiverID)
}

// sendToUser delivers a notification to every active device token of a user
// and deactivates tokens the provider reports as invalid
func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID uuid.UUID) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}

	if len(active) == 0 {
		logger.Debug("No active push tokens for user",
			zap.String("user_id", userID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("user_id", userID.String()),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, tokenStr); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.Error(err))
		}
	}
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}
