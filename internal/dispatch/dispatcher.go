package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heartlink-backend/internal/domain"
	"heartlink-backend/pkg/constants"
	"heartlink-backend/pkg/logger"
	"heartlink-backend/pkg/metrics"
)

// Dispatcher delivers call notifications to a user's devices. Delivery is
// best-effort: a failed dispatch never rolls back the state transition that
// produced it.
type Dispatcher interface {
	Dispatch(userID uuid.UUID, notification *domain.CallNotification)
}

// Publisher interface for the real-time fan-out channel
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// PresenceChecker reports whether a user currently holds an open event stream
type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PushSender escalates time-sensitive notifications to the user's devices
// when no event stream is open
type PushSender interface {
	SendIncomingCall(ctx context.Context, receiverID uuid.UUID, callID, matchID, callerID uuid.UUID, callType string) error
	SendMissedCall(ctx context.Context, receiverID uuid.UUID, callID, matchID, callerID uuid.UUID) error
}

// UserChannel returns the Redis Pub/Sub channel carrying a user's call events
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("calls:user:%s", userID)
}

// RedisDispatcher publishes notifications to the recipient's per-user Redis
// channel, where the events stream picks them up. Ringing and missed calls
// escalate to FCM/APNs push when the recipient is offline, so the device can
// still surface the native call UI.
type RedisDispatcher struct {
	publisher Publisher
	presence  PresenceChecker
	pusher    PushSender
	metrics   *metrics.Metrics
}

// NewRedisDispatcher creates a dispatcher backed by Redis Pub/Sub.
// pusher may be nil when push delivery is not configured.
func NewRedisDispatcher(publisher Publisher, presence PresenceChecker, pusher PushSender, m *metrics.Metrics) *RedisDispatcher {
	return &RedisDispatcher{
		publisher: publisher,
		presence:  presence,
		pusher:    pusher,
		metrics:   m,
	}
}

// Dispatch delivers the notification asynchronously with a bounded timeout.
// The caller returns immediately; the transition it records is already
// committed.
func (d *RedisDispatcher) Dispatch(userID uuid.UUID, notification *domain.CallNotification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DispatchTimeout)
		defer cancel()

		d.deliver(ctx, userID, notification)
	}()
}

func (d *RedisDispatcher) deliver(ctx context.Context, userID uuid.UUID, notification *domain.CallNotification) {
	payload, err := json.Marshal(notification)
	if err != nil {
		logger.Error("Failed to marshal call notification",
			zap.String("kind", string(notification.Kind)),
			zap.String("call_id", notification.CallID.String()),
			zap.Error(err))
		d.countDispatch(notification.Kind, "marshal_error")
		return
	}

	if err := d.publisher.Publish(ctx, UserChannel(userID), payload); err != nil {
		logger.Warn("Failed to publish call notification",
			zap.String("kind", string(notification.Kind)),
			zap.String("call_id", notification.CallID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		d.countDispatch(notification.Kind, "publish_error")
	} else {
		d.countDispatch(notification.Kind, "published")
	}

	d.escalate(ctx, userID, notification)
}

// escalate sends a push for ringing and missed calls when the recipient has
// no open event stream. Accepted/declined/ended/signal notifications only
// matter to a device already on the call, so they never page an offline one.
func (d *RedisDispatcher) escalate(ctx context.Context, userID uuid.UUID, notification *domain.CallNotification) {
	if d.pusher == nil {
		return
	}
	if notification.Kind != domain.NotifyCallInitiated && notification.Kind != domain.NotifyCallMissed {
		return
	}
	// A missed-call push only makes sense on the receiver's device
	if notification.Kind == domain.NotifyCallMissed && userID != notification.ReceiverID {
		return
	}

	online, err := d.presence.IsUserOnline(ctx, userID)
	if err != nil {
		logger.Warn("Presence check failed, escalating to push",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	if online {
		return
	}

	switch notification.Kind {
	case domain.NotifyCallInitiated:
		err = d.pusher.SendIncomingCall(ctx, userID,
			notification.CallID, notification.MatchID, notification.CallerID,
			string(notification.CallType))
	case domain.NotifyCallMissed:
		err = d.pusher.SendMissedCall(ctx, userID,
			notification.CallID, notification.MatchID, notification.CallerID)
	}

	if err != nil {
		logger.Warn("Push escalation failed",
			zap.String("kind", string(notification.Kind)),
			zap.String("call_id", notification.CallID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		d.countDispatch(notification.Kind, "push_error")
		return
	}

	d.countDispatch(notification.Kind, "pushed")
}

func (d *RedisDispatcher) countDispatch(kind domain.NotificationKind, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(string(kind), outcome)
	}
}
