package push

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"heartlink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Store(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Token), args.Error(1)
}

func (m *MockTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*Token, error) {
	args := m.Called(ctx, tokenStr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Token), args.Error(1)
}

func (m *MockTokenRepository) Delete(ctx context.Context, tokenStr string) error {
	args := m.Called(ctx, tokenStr)
	return args.Error(0)
}

func (m *MockTokenRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	args := m.Called(ctx, tokenStr)
	return args.Error(0)
}

func TestRegisterToken_NewTokenStored(t *testing.T) {
	repo := &MockTokenRepository{}
	svc := NewService(&MockProvider{}, repo)

	token := &Token{
		UserID:   uuid.New(),
		Token:    "device-token-abc",
		Type:     TokenTypeFCM,
		Platform: "android",
		Active:   true,
	}

	repo.On("GetByToken", mock.Anything, "device-token-abc").Return(nil, nil)
	repo.On("Store", mock.Anything, token).Return(nil)

	err := svc.RegisterToken(context.Background(), token)

	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRegisterToken_ReRegistrationReturnsStoredIdentity(t *testing.T) {
	repo := &MockTokenRepository{}
	svc := NewService(&MockProvider{}, repo)

	userID := uuid.New()
	storedID := uuid.New()
	existing := &Token{
		ID:        storedID,
		UserID:    userID,
		Token:     "device-token-abc",
		Type:      TokenTypeAPNs,
		DeviceID:  "old-device",
		Platform:  "ios",
		Active:    false,
		CreatedAt: 1700000000,
		UpdatedAt: 1700000000,
	}

	repo.On("GetByToken", mock.Anything, "device-token-abc").Return(existing, nil)
	repo.On("Store", mock.Anything, mock.MatchedBy(func(tok *Token) bool {
		return tok.ID == storedID && tok.Active && tok.DeviceID == "new-device"
	})).Return(nil)

	token := &Token{
		UserID:    userID,
		Token:     "device-token-abc",
		Type:      TokenTypeAPNs,
		DeviceID:  "new-device",
		Platform:  "ios",
		Active:    true,
		UpdatedAt: 1700000500,
	}

	err := svc.RegisterToken(context.Background(), token)

	require.NoError(t, err)
	assert.Equal(t, storedID, token.ID, "caller should see the persisted token ID")
	assert.Equal(t, int64(1700000000), token.CreatedAt)
	assert.Equal(t, "new-device", token.DeviceID)
	assert.True(t, token.Active)
	repo.AssertExpectations(t)
}

func TestRegisterToken_ReRegistrationStoreError(t *testing.T) {
	repo := &MockTokenRepository{}
	svc := NewService(&MockProvider{}, repo)

	existing := &Token{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Token:  "device-token-abc",
		Type:   TokenTypeFCM,
	}

	repo.On("GetByToken", mock.Anything, "device-token-abc").Return(existing, nil)
	repo.On("Store", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	token := &Token{
		UserID: existing.UserID,
		Token:  "device-token-abc",
		Type:   TokenTypeFCM,
	}

	err := svc.RegisterToken(context.Background(), token)

	assert.Error(t, err)
	assert.Equal(t, uuid.Nil, token.ID, "failed re-registration must not claim an identity")
}
