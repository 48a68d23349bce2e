package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"heartlink-backend/internal/domain"
	apperrors "heartlink-backend/pkg/errors"
	"heartlink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	m.Run()
}

// Mocks

type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) FindActiveForMatch(ctx context.Context, matchID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, matchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) MarkMissed(ctx context.Context, callID uuid.UUID, actingUser *uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID, actingUser)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) EndOngoing(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) ListStaleRinging(ctx context.Context, olderThanSeconds int) ([]*domain.Call, error) {
	args := m.Called(ctx, olderThanSeconds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockCallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

type MockMatchRepository struct {
	mock.Mock
}

func (m *MockMatchRepository) GetByID(ctx context.Context, matchID uuid.UUID) (*domain.Match, error) {
	args := m.Called(ctx, matchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Match), args.Error(1)
}

type MockBlockRepository struct {
	mock.Mock
}

func (m *MockBlockRepository) IsBlockedBetween(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}

// MockDispatcher records dispatched notifications synchronously so tests
// can assert on recipients and payloads
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(userID uuid.UUID, notification *domain.CallNotification) {
	m.Called(userID, notification)
}

// Fixtures

type fixture struct {
	calls      *MockCallRepository
	matches    *MockMatchRepository
	blocks     *MockBlockRepository
	dispatcher *MockDispatcher
	service    *Service

	caller   uuid.UUID
	receiver uuid.UUID
	matchID  uuid.UUID
	match    *domain.Match
}

func newFixture() *fixture {
	f := &fixture{
		calls:      new(MockCallRepository),
		matches:    new(MockMatchRepository),
		blocks:     new(MockBlockRepository),
		dispatcher: new(MockDispatcher),
		caller:     uuid.New(),
		receiver:   uuid.New(),
		matchID:    uuid.New(),
	}
	f.match = &domain.Match{
		MatchID:   f.matchID,
		UserA:     f.caller,
		UserB:     f.receiver,
		CreatedAt: time.Now(),
	}
	f.service = NewService(f.calls, f.matches, f.blocks, f.dispatcher, nil)
	return f
}

func (f *fixture) ringingCall() *domain.Call {
	return &domain.Call{
		CallID:     uuid.New(),
		MatchID:    f.matchID,
		CallerID:   f.caller,
		ReceiverID: f.receiver,
		CallType:   domain.CallTypeAudio,
		Status:     domain.CallStatusRinging,
		CreatedAt:  time.Now(),
	}
}

func statusCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	return apperrors.GetAppError(err).StatusCode
}

// Initiate

func TestInitiate_CreatesRingingCallAndNotifiesReceiver(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.matches.On("GetByID", ctx, f.matchID).Return(f.match, nil)
	f.blocks.On("IsBlockedBetween", ctx, f.caller, f.receiver).Return(false, nil)
	f.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Return(nil)
	f.dispatcher.On("Dispatch", f.receiver, mock.MatchedBy(func(n *domain.CallNotification) bool {
		return n.Kind == domain.NotifyCallInitiated &&
			n.MatchID == f.matchID &&
			n.CallerID == f.caller &&
			n.CallType == domain.CallTypeAudio
	})).Return()

	call, err := f.service.Initiate(ctx, f.caller, f.matchID, domain.CallTypeAudio)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, f.caller, call.CallerID)
	assert.Equal(t, f.receiver, call.ReceiverID)
	assert.NotEqual(t, uuid.Nil, call.CallID)

	f.calls.AssertExpectations(t)
	f.dispatcher.AssertExpectations(t)
}

func TestInitiate_InvalidCallType(t *testing.T) {
	f := newFixture()

	_, err := f.service.Initiate(context.Background(), f.caller, f.matchID, "carrier-pigeon")

	assert.Equal(t, 422, statusCode(t, err))
	f.calls.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestInitiate_MatchNotFound(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.matches.On("GetByID", ctx, f.matchID).Return(nil, domain.ErrNotFound)

	_, err := f.service.Initiate(ctx, f.caller, f.matchID, domain.CallTypeVideo)

	assert.Equal(t, 404, statusCode(t, err))
}

func TestInitiate_CallerNotInMatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	stranger := uuid.New()

	f.matches.On("GetByID", ctx, f.matchID).Return(f.match, nil)

	_, err := f.service.Initiate(ctx, stranger, f.matchID, domain.CallTypeAudio)

	assert.Equal(t, 403, statusCode(t, err))
	f.calls.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestInitiate_BlockedPair(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.matches.On("GetByID", ctx, f.matchID).Return(f.match, nil)
	f.blocks.On("IsBlockedBetween", ctx, f.caller, f.receiver).Return(true, nil)

	_, err := f.service.Initiate(ctx, f.caller, f.matchID, domain.CallTypeAudio)

	assert.Equal(t, 403, statusCode(t, err))
	f.calls.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestInitiate_ActiveCallAlreadyExists(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.matches.On("GetByID", ctx, f.matchID).Return(f.match, nil)
	f.blocks.On("IsBlockedBetween", ctx, f.caller, f.receiver).Return(false, nil)
	f.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Return(domain.ErrActiveCallExists)

	_, err := f.service.Initiate(ctx, f.caller, f.matchID, domain.CallTypeAudio)

	assert.Equal(t, 409, statusCode(t, err))
	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

// Accept

func TestAccept_TransitionsToOngoingAndNotifiesCaller(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()
	started := time.Now()
	ongoing := *ringing
	ongoing.Status = domain.CallStatusOngoing
	ongoing.StartedAt = &started

	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)
	f.calls.On("Accept", ctx, ringing.CallID, f.receiver).Return(&ongoing, nil)
	f.dispatcher.On("Dispatch", f.caller, mock.MatchedBy(func(n *domain.CallNotification) bool {
		return n.Kind == domain.NotifyCallAccepted && n.CallID == ringing.CallID
	})).Return()

	call, err := f.service.Accept(ctx, f.receiver, ringing.CallID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, call.Status)
	assert.NotNil(t, call.StartedAt)
	f.dispatcher.AssertExpectations(t)
}

func TestAccept_CallerCannotAcceptOwnCall(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()

	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)

	_, err := f.service.Accept(ctx, f.caller, ringing.CallID)

	assert.Equal(t, 403, statusCode(t, err))
	f.calls.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything, mock.Anything)
}

func TestAccept_StrangerRejectedRegardlessOfStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	stranger := uuid.New()

	for _, status := range []domain.CallStatus{
		domain.CallStatusRinging,
		domain.CallStatusOngoing,
		domain.CallStatusEnded,
	} {
		call := f.ringingCall()
		call.Status = status
		f.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

		_, err := f.service.Accept(ctx, stranger, call.CallID)

		assert.Equal(t, 403, statusCode(t, err), "status %s", status)
	}
}

func TestAccept_AlreadyDeclined(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	call := f.ringingCall()
	call.Status = domain.CallStatusDeclined

	f.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := f.service.Accept(ctx, f.receiver, call.CallID)

	assert.Equal(t, 409, statusCode(t, err))
}

func TestAccept_LosesRaceToConcurrentTransition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()

	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)
	f.calls.On("Accept", ctx, ringing.CallID, f.receiver).Return(nil, domain.ErrStatusConflict)

	_, err := f.service.Accept(ctx, f.receiver, ringing.CallID)

	assert.Equal(t, 409, statusCode(t, err))
	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestAccept_CallNotFound(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	callID := uuid.New()

	f.calls.On("GetByID", ctx, callID).Return(nil, domain.ErrNotFound)

	_, err := f.service.Accept(ctx, f.receiver, callID)

	assert.Equal(t, 404, statusCode(t, err))
}

// Decline

func TestDecline_TransitionsToDeclinedAndNotifiesCaller(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()
	ended := time.Now()
	declined := *ringing
	declined.Status = domain.CallStatusDeclined
	declined.EndedAt = &ended

	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)
	f.calls.On("Decline", ctx, ringing.CallID, f.receiver).Return(&declined, nil)
	f.dispatcher.On("Dispatch", f.caller, mock.MatchedBy(func(n *domain.CallNotification) bool {
		return n.Kind == domain.NotifyCallDeclined && n.CallID == ringing.CallID
	})).Return()

	call, err := f.service.Decline(ctx, f.receiver, ringing.CallID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, call.Status)
	assert.Nil(t, call.DurationSeconds)
	f.dispatcher.AssertExpectations(t)
}

func TestDecline_OnlyReceiverMayDecline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()

	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)

	_, err := f.service.Decline(ctx, f.caller, ringing.CallID)

	assert.Equal(t, 403, statusCode(t, err))
}

// End

func TestEnd_OngoingCallComputesDurationAndNotifiesBoth(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	started := time.Now().Add(-90 * time.Second)
	endedAt := time.Now()
	duration := 90

	ongoing := f.ringingCall()
	ongoing.Status = domain.CallStatusOngoing
	ongoing.StartedAt = &started

	ended := *ongoing
	ended.Status = domain.CallStatusEnded
	ended.EndedAt = &endedAt
	ended.DurationSeconds = &duration

	f.calls.On("GetByID", ctx, ongoing.CallID).Return(ongoing, nil)
	f.calls.On("EndOngoing", ctx, ongoing.CallID, f.caller).Return(&ended, nil)

	isEndedNotification := func(n *domain.CallNotification) bool {
		return n.Kind == domain.NotifyCallEnded &&
			n.DurationSeconds != nil && *n.DurationSeconds == 90 &&
			n.EndedBy != nil && *n.EndedBy == f.caller
	}
	f.dispatcher.On("Dispatch", f.caller, mock.MatchedBy(isEndedNotification)).Return()
	f.dispatcher.On("Dispatch", f.receiver, mock.MatchedBy(isEndedNotification)).Return()

	call, err := f.service.End(ctx, f.caller, ongoing.CallID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, call.Status)
	require.NotNil(t, call.DurationSeconds)
	assert.Equal(t, 90, *call.DurationSeconds)
	f.dispatcher.AssertExpectations(t)
}

func TestEnd_RingingCallBecomesMissed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()
	endedAt := time.Now()
	missed := *ringing
	missed.Status = domain.CallStatusMissed
	missed.EndedAt = &endedAt

	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)
	f.calls.On("MarkMissed", ctx, ringing.CallID, &f.caller).Return(&missed, nil)
	f.dispatcher.On("Dispatch", f.receiver, mock.MatchedBy(func(n *domain.CallNotification) bool {
		return n.Kind == domain.NotifyCallMissed && n.CallID == ringing.CallID
	})).Return()

	call, err := f.service.End(ctx, f.caller, ringing.CallID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, call.Status)
	assert.Nil(t, call.DurationSeconds)
	f.dispatcher.AssertExpectations(t)
	// The acting caller does not get a missed notification
	f.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestEnd_AlreadyTerminalIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	duration := 42
	call := f.ringingCall()
	call.Status = domain.CallStatusEnded
	call.DurationSeconds = &duration

	f.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	first, err := f.service.End(ctx, f.caller, call.CallID)
	require.NoError(t, err)

	second, err := f.service.End(ctx, f.receiver, call.CallID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.DurationSeconds, *second.DurationSeconds)
	f.calls.AssertNotCalled(t, "EndOngoing", mock.Anything, mock.Anything, mock.Anything)
	f.calls.AssertNotCalled(t, "MarkMissed", mock.Anything, mock.Anything, mock.Anything)
	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestEnd_RetriesOnLostRaceThenIdempotentSuccess(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()
	declined := *ringing
	declined.Status = domain.CallStatusDeclined

	// First read sees ringing, the CAS loses to a concurrent decline, the
	// reload observes the terminal state
	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil).Once()
	f.calls.On("MarkMissed", ctx, ringing.CallID, &f.caller).Return(nil, domain.ErrStatusConflict).Once()
	f.calls.On("GetByID", ctx, ringing.CallID).Return(&declined, nil).Once()

	call, err := f.service.End(ctx, f.caller, ringing.CallID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, call.Status)
	f.calls.AssertExpectations(t)
}

func TestEnd_NotParticipant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ringing := f.ringingCall()

	f.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)

	_, err := f.service.End(ctx, uuid.New(), ringing.CallID)

	assert.Equal(t, 403, statusCode(t, err))
}

// Ring timeout

func TestExpireRinging_MarksStaleCallsMissedAsSystem(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	stale := f.ringingCall()
	endedAt := time.Now()
	missed := *stale
	missed.Status = domain.CallStatusMissed
	missed.EndedAt = &endedAt

	f.calls.On("ListStaleRinging", ctx, 60).Return([]*domain.Call{stale}, nil)
	f.calls.On("MarkMissed", ctx, stale.CallID, (*uuid.UUID)(nil)).Return(&missed, nil)
	f.dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(n *domain.CallNotification) bool {
		return n.Kind == domain.NotifyCallMissed
	})).Return()

	expired, err := f.service.ExpireRinging(ctx, 60*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	f.calls.AssertExpectations(t)
}

func TestExpireRinging_SkipsCallsThatLostTheRace(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	stale := f.ringingCall()

	f.calls.On("ListStaleRinging", ctx, 60).Return([]*domain.Call{stale}, nil)
	f.calls.On("MarkMissed", ctx, stale.CallID, (*uuid.UUID)(nil)).Return(nil, domain.ErrStatusConflict)

	expired, err := f.service.ExpireRinging(ctx, 60*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

// Reads

func TestGetCall_ParticipantOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	call := f.ringingCall()

	f.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	got, err := f.service.GetCall(ctx, f.receiver, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, call.CallID, got.CallID)

	_, err = f.service.GetCall(ctx, uuid.New(), call.CallID)
	assert.Equal(t, 403, statusCode(t, err))
}

func TestActiveForMatch_ReturnsNilWhenQuiet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.matches.On("GetByID", ctx, f.matchID).Return(f.match, nil)
	f.calls.On("FindActiveForMatch", ctx, f.matchID).Return(nil, nil)

	call, err := f.service.ActiveForMatch(ctx, f.caller, f.matchID)

	require.NoError(t, err)
	assert.Nil(t, call)
}

func TestActiveForMatch_NonMemberRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.matches.On("GetByID", ctx, f.matchID).Return(f.match, nil)

	_, err := f.service.ActiveForMatch(ctx, uuid.New(), f.matchID)

	assert.Equal(t, 403, statusCode(t, err))
	f.calls.AssertNotCalled(t, "FindActiveForMatch", mock.Anything, mock.Anything)
}

func TestHistory_PassesPagination(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	calls := []*domain.Call{f.ringingCall()}

	f.calls.On("GetUserCalls", ctx, userID, 20, 40).Return(calls, nil)

	got, err := f.service.History(ctx, userID, 20, 40)

	require.NoError(t, err)
	assert.Len(t, got, 1)
	f.calls.AssertExpectations(t)
}
