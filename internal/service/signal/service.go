package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heartlink-backend/internal/dispatch"
	"heartlink-backend/internal/domain"
	"heartlink-backend/pkg/constants"
	apperrors "heartlink-backend/pkg/errors"
	"heartlink-backend/pkg/logger"
	"heartlink-backend/pkg/metrics"
)

// CallReader looks up the call a signal belongs to
type CallReader interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// EventRepository appends signaling events to the call's audit stream and
// retrieves the stream in creation order
type EventRepository interface {
	Record(ctx context.Context, event *domain.CallEvent) error
	ListByCall(ctx context.Context, callID uuid.UUID, limit, offset int) ([]*domain.CallEvent, error)
}

// Service relays WebRTC signaling payloads between the two participants of
// an active call. Payloads are opaque: SDP and ICE contents are never
// inspected, validated, or transformed.
type Service struct {
	calls      CallReader
	events     EventRepository
	dispatcher dispatch.Dispatcher
	metrics    *metrics.Metrics
}

// NewService creates a new signal relay service
func NewService(calls CallReader, events EventRepository, dispatcher dispatch.Dispatcher, m *metrics.Metrics) *Service {
	return &Service{
		calls:      calls,
		events:     events,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Relay forwards a signaling payload from one participant to the other.
// The sender must be a call participant and the call must still be active;
// a terminated call rejects signals so stale exchanges cannot replay.
func (s *Service) Relay(ctx context.Context, fromUserID, callID uuid.UUID, signalType domain.EventType, payload json.RawMessage) error {
	if !signalType.IsSignal() {
		return apperrors.ValidationError("Signal type must be offer, answer, or ice_candidate")
	}
	if len(payload) == 0 {
		return apperrors.ValidationError("Signal payload is required")
	}
	if len(payload) > constants.MaxSignalPayloadSize {
		return apperrors.ValidationError("Signal payload too large")
	}

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return apperrors.CallNotFoundError()
		}
		return apperrors.DatabaseError(err)
	}

	if !call.IsParticipant(fromUserID) {
		return apperrors.ForbiddenError("You are not a participant in this call")
	}
	if !call.Status.IsActive() {
		return apperrors.CallStateConflictError("Call is no longer active")
	}

	event := &domain.CallEvent{
		EventID:   uuid.New(),
		CallID:    callID,
		EventType: signalType,
		UserID:    &fromUserID,
		Metadata:  map[string]any{"payload": json.RawMessage(payload)},
	}
	if err := s.events.Record(ctx, event); err != nil {
		return apperrors.DatabaseError(err)
	}

	if s.metrics != nil {
		s.metrics.RecordSignalRelayed(string(signalType))
	}

	recipient := call.OtherParty(fromUserID)

	logger.Debug("Signal relayed",
		zap.String("call_id", callID.String()),
		zap.String("signal_type", string(signalType)),
		zap.Int("payload_bytes", len(payload)))

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(recipient, &domain.CallNotification{
			Kind:       domain.NotifyCallSignal,
			CallID:     call.CallID,
			MatchID:    call.MatchID,
			SenderID:   fromUserID,
			SignalType: signalType,
			Payload:    payload,
			Timestamp:  time.Now().UTC(),
		})
	}

	return nil
}

// Events returns a call's audit stream in creation order, visible only to
// its participants
func (s *Service) Events(ctx context.Context, userID, callID uuid.UUID, limit, offset int) ([]*domain.CallEvent, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	if !call.IsParticipant(userID) {
		return nil, apperrors.ForbiddenError("You are not a participant in this call")
	}

	events, err := s.events.ListByCall(ctx, callID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return events, nil
}
