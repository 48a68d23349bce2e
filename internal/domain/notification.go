package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationKind tags a CallNotification variant
type NotificationKind string

const (
	NotifyCallInitiated NotificationKind = "call.initiated"
	NotifyCallAccepted  NotificationKind = "call.accepted"
	NotifyCallDeclined  NotificationKind = "call.declined"
	NotifyCallMissed    NotificationKind = "call.missed"
	NotifyCallEnded     NotificationKind = "call.ended"
	NotifyCallSignal    NotificationKind = "call.signal"
)

// CallNotification is the single tagged-variant event type pushed to the
// non-acting party (both parties for call.ended) over their private real-time
// channel. Fields are populated per kind; unused fields stay empty.
type CallNotification struct {
	Kind    NotificationKind `json:"kind"`
	CallID  uuid.UUID        `json:"call_id"`
	MatchID uuid.UUID        `json:"match_id"`

	// call.initiated
	CallType CallType  `json:"call_type,omitempty"`
	CallerID uuid.UUID `json:"caller_id,omitempty"`

	// call.accepted / call.declined
	ReceiverID uuid.UUID `json:"receiver_id,omitempty"`

	// call.ended
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	EndedBy         *uuid.UUID `json:"ended_by,omitempty"`

	// call.signal: payload is relayed verbatim, never inspected
	SenderID   uuid.UUID       `json:"sender_id,omitempty"`
	SignalType EventType       `json:"signal_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
