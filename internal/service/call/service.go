package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heartlink-backend/internal/dispatch"
	"heartlink-backend/internal/domain"
	apperrors "heartlink-backend/pkg/errors"
	"heartlink-backend/pkg/logger"
	"heartlink-backend/pkg/metrics"
)

// CallRepository is the durable call store with atomic transitions
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	FindActiveForMatch(ctx context.Context, matchID uuid.UUID) (*domain.Call, error)
	Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	MarkMissed(ctx context.Context, callID uuid.UUID, actingUser *uuid.UUID) (*domain.Call, error)
	EndOngoing(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	ListStaleRinging(ctx context.Context, olderThanSeconds int) ([]*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// MatchRepository resolves matches owned by the matching subsystem
type MatchRepository interface {
	GetByID(ctx context.Context, matchID uuid.UUID) (*domain.Match, error)
}

// BlockRepository checks block relationships between users
type BlockRepository interface {
	IsBlockedBetween(ctx context.Context, userA, userB uuid.UUID) (bool, error)
}

// Service is the authoritative call state machine. All operations take the
// acting user explicitly; nothing is read from ambient request state.
type Service struct {
	calls      CallRepository
	matches    MatchRepository
	blocks     BlockRepository
	dispatcher dispatch.Dispatcher
	metrics    *metrics.Metrics
}

// NewService creates a new call lifecycle service
func NewService(calls CallRepository, matches MatchRepository, blocks BlockRepository, dispatcher dispatch.Dispatcher, m *metrics.Metrics) *Service {
	return &Service{
		calls:      calls,
		matches:    matches,
		blocks:     blocks,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Initiate starts a new ringing call on a match. The caller must be one of
// the match parties, neither party may have blocked the other, and the match
// must have no active call. The duplicate-active-call check is atomic with
// the insert, so two racing initiations resolve to one winner.
func (s *Service) Initiate(ctx context.Context, callerID, matchID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	if !callType.IsValid() {
		return nil, apperrors.ValidationError("Call type must be audio or video")
	}

	match, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, apperrors.MatchNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	if !match.HasUser(callerID) {
		return nil, apperrors.ForbiddenError("You are not a member of this match")
	}

	receiverID := match.OtherUser(callerID)

	blocked, err := s.blocks.IsBlockedBetween(ctx, callerID, receiverID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if blocked {
		return nil, apperrors.ForbiddenError("Calling is not available for this match")
	}

	call := &domain.Call{
		CallID:     uuid.New(),
		MatchID:    matchID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		Status:     domain.CallStatusRinging,
	}

	if err := s.calls.Create(ctx, call); err != nil {
		if errors.Is(err, domain.ErrActiveCallExists) {
			s.recordConflict("initiate")
			return nil, apperrors.ActiveCallExistsError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	if s.metrics != nil {
		s.metrics.RecordCallTransition(string(call.CallType), string(domain.CallStatusRinging))
		s.metrics.IncrementActiveCalls()
	}

	logger.Info("Call initiated",
		zap.String("call_id", call.CallID.String()),
		zap.String("match_id", matchID.String()),
		zap.String("call_type", string(callType)))

	s.notify(receiverID, &domain.CallNotification{
		Kind:       domain.NotifyCallInitiated,
		CallID:     call.CallID,
		MatchID:    call.MatchID,
		CallType:   call.CallType,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		Timestamp:  time.Now().UTC(),
	})

	return call, nil
}

// Accept transitions a ringing call to ongoing. Only the receiver may
// accept. A call that concurrently left ringing yields Conflict: the first
// transition wins and the loser observes the race.
func (s *Service) Accept(ctx context.Context, userID, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.loadCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	if call.ReceiverID != userID {
		return nil, apperrors.ForbiddenError("Only the call receiver can accept")
	}
	if call.Status != domain.CallStatusRinging {
		s.recordConflict("accept")
		return nil, apperrors.CallStateConflictError("Call is no longer ringing")
	}

	updated, err := s.calls.Accept(ctx, callID, userID)
	if err != nil {
		return nil, s.transitionError(err, "accept")
	}

	if s.metrics != nil {
		s.metrics.RecordCallTransition(string(updated.CallType), string(domain.CallStatusOngoing))
	}

	logger.Info("Call accepted",
		zap.String("call_id", callID.String()))

	s.notify(updated.CallerID, &domain.CallNotification{
		Kind:       domain.NotifyCallAccepted,
		CallID:     updated.CallID,
		MatchID:    updated.MatchID,
		ReceiverID: updated.ReceiverID,
		Timestamp:  time.Now().UTC(),
	})

	return updated, nil
}

// Decline transitions a ringing call to declined. Only the receiver may
// decline; the concurrency rules mirror Accept.
func (s *Service) Decline(ctx context.Context, userID, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.loadCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	if call.ReceiverID != userID {
		return nil, apperrors.ForbiddenError("Only the call receiver can decline")
	}
	if call.Status != domain.CallStatusRinging {
		s.recordConflict("decline")
		return nil, apperrors.CallStateConflictError("Call is no longer ringing")
	}

	updated, err := s.calls.Decline(ctx, callID, userID)
	if err != nil {
		return nil, s.transitionError(err, "decline")
	}

	if s.metrics != nil {
		s.metrics.RecordCallTransition(string(updated.CallType), string(domain.CallStatusDeclined))
		s.metrics.DecrementActiveCalls()
	}

	logger.Info("Call declined",
		zap.String("call_id", callID.String()))

	s.notify(updated.CallerID, &domain.CallNotification{
		Kind:       domain.NotifyCallDeclined,
		CallID:     updated.CallID,
		MatchID:    updated.MatchID,
		ReceiverID: updated.ReceiverID,
		Timestamp:  time.Now().UTC(),
	})

	return updated, nil
}

// End terminates a call. Either participant may end: a ringing call becomes
// missed (hang-up before answer), an ongoing call becomes ended with its
// duration computed. Ending an already-terminal call is an idempotent no-op
// returning the current state, so two parties racing to hang up both see
// success. Only the end that wins the transition notifies the other party;
// a duplicate end sends nothing, so a device never sees call.ended twice.
func (s *Service) End(ctx context.Context, userID, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.loadCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	if !call.IsParticipant(userID) {
		return nil, apperrors.ForbiddenError("You are not a participant in this call")
	}

	// The status may shift between the read and the CAS update. Retry on
	// the fresh state; a terminal state means someone else finished the
	// call and idempotent success applies.
	for {
		switch call.Status {
		case domain.CallStatusRinging:
			updated, err := s.calls.MarkMissed(ctx, callID, &userID)
			if errors.Is(err, domain.ErrStatusConflict) {
				call, err = s.loadCall(ctx, callID)
				if err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, s.transitionError(err, "end")
			}
			s.finishCall(updated, userID, domain.CallStatusMissed)
			return updated, nil

		case domain.CallStatusOngoing:
			updated, err := s.calls.EndOngoing(ctx, callID, userID)
			if errors.Is(err, domain.ErrStatusConflict) {
				call, err = s.loadCall(ctx, callID)
				if err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, s.transitionError(err, "end")
			}
			s.finishCall(updated, userID, domain.CallStatusEnded)
			return updated, nil

		default:
			// Already terminal: duplicate end, return current state
			return call, nil
		}
	}
}

// ExpireRinging transitions stale ringing calls to missed on behalf of the
// system. The acting user in the event log is nil. Races with a concurrent
// accept/decline/end are benign: the CAS simply loses.
func (s *Service) ExpireRinging(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.calls.ListStaleRinging(ctx, int(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, call := range stale {
		updated, err := s.calls.MarkMissed(ctx, call.CallID, nil)
		if err != nil {
			if errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return expired, err
		}

		expired++
		s.finishCall(updated, call.CallerID, domain.CallStatusMissed)

		logger.Info("Ringing call expired",
			zap.String("call_id", call.CallID.String()),
			zap.Duration("ring_timeout", olderThan))
	}

	return expired, nil
}

// GetCall returns a call visible only to its participants
func (s *Service) GetCall(ctx context.Context, userID, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.loadCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	if !call.IsParticipant(userID) {
		return nil, apperrors.ForbiddenError("You are not a participant in this call")
	}

	return call, nil
}

// ActiveForMatch returns the ringing/ongoing call for a match, or nil.
// The requester must be a match party.
func (s *Service) ActiveForMatch(ctx context.Context, userID, matchID uuid.UUID) (*domain.Call, error) {
	match, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, apperrors.MatchNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	if !match.HasUser(userID) {
		return nil, apperrors.ForbiddenError("You are not a member of this match")
	}

	call, err := s.calls.FindActiveForMatch(ctx, matchID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return call, nil
}

// History returns the user's calls, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	calls, err := s.calls.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

// finishCall records metrics and notifies after a call reached a terminal
// state from End or ExpireRinging
func (s *Service) finishCall(call *domain.Call, endedBy uuid.UUID, status domain.CallStatus) {
	if s.metrics != nil {
		s.metrics.RecordCallTransition(string(call.CallType), string(status))
		s.metrics.DecrementActiveCalls()
		if status == domain.CallStatusEnded && call.DurationSeconds != nil {
			s.metrics.RecordCallDuration(string(call.CallType), *call.DurationSeconds)
		}
	}

	if status == domain.CallStatusMissed {
		// The receiver learns they missed a call; the caller (if not the
		// actor) learns the call went unanswered
		notification := &domain.CallNotification{
			Kind:       domain.NotifyCallMissed,
			CallID:     call.CallID,
			MatchID:    call.MatchID,
			CallerID:   call.CallerID,
			ReceiverID: call.ReceiverID,
			Timestamp:  time.Now().UTC(),
		}
		if endedBy != call.ReceiverID {
			s.notify(call.ReceiverID, notification)
		}
		if endedBy != call.CallerID {
			s.notify(call.CallerID, notification)
		}
		return
	}

	// call.ended goes to both parties
	notification := &domain.CallNotification{
		Kind:            domain.NotifyCallEnded,
		CallID:          call.CallID,
		MatchID:         call.MatchID,
		DurationSeconds: call.DurationSeconds,
		EndedBy:         &endedBy,
		Timestamp:       time.Now().UTC(),
	}
	s.notify(call.CallerID, notification)
	s.notify(call.ReceiverID, notification)
}

func (s *Service) notify(userID uuid.UUID, notification *domain.CallNotification) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(userID, notification)
	}
}

func (s *Service) loadCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}

func (s *Service) transitionError(err error, operation string) error {
	if errors.Is(err, domain.ErrStatusConflict) {
		s.recordConflict(operation)
		return apperrors.CallStateConflictError("Call state changed concurrently")
	}
	if errors.Is(err, domain.ErrNotFound) {
		return apperrors.CallNotFoundError()
	}
	return apperrors.DatabaseError(err)
}

func (s *Service) recordConflict(operation string) {
	if s.metrics != nil {
		s.metrics.RecordCallConflict(operation)
	}
}
