package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes audio-only from video calls
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// IsValid reports whether the call type is one of the supported values
func (t CallType) IsValid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a call
type CallStatus string

const (
	// CallStatusRinging is the initial state, waiting for the receiver to answer
	CallStatusRinging CallStatus = "ringing"

	// CallStatusOngoing means the receiver accepted and media is flowing
	CallStatusOngoing CallStatus = "ongoing"

	// CallStatusEnded means an ongoing call was hung up by either party
	CallStatusEnded CallStatus = "ended"

	// CallStatusDeclined means the receiver rejected the call while ringing
	CallStatusDeclined CallStatus = "declined"

	// CallStatusMissed means the call was abandoned before the receiver answered
	CallStatusMissed CallStatus = "missed"

	// CallStatusFailed is reserved for signaling/network failure handling
	CallStatusFailed CallStatus = "failed"
)

// IsTerminal reports whether no further transition is permitted from the status
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		return true
	}
	return false
}

// IsActive reports whether the call still occupies its match
// (at most one active call may exist per match at any time)
func (s CallStatus) IsActive() bool {
	return s == CallStatusRinging || s == CallStatusOngoing
}

// Call is one call attempt between the two parties of a match
type Call struct {
	CallID          uuid.UUID  `json:"call_id"`
	MatchID         uuid.UUID  `json:"match_id"`
	CallerID        uuid.UUID  `json:"caller_id"`
	ReceiverID      uuid.UUID  `json:"receiver_id"`
	CallType        CallType   `json:"call_type"`
	Status          CallStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"` // set when the receiver accepts
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"` // whole seconds, set only on ongoing -> ended
}

// IsParticipant reports whether userID is the caller or the receiver
func (c *Call) IsParticipant(userID uuid.UUID) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// OtherParty returns the participant opposite to userID.
// The caller must have verified participancy first.
func (c *Call) OtherParty(userID uuid.UUID) uuid.UUID {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// EventType identifies a call event in the audit log
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventRinging   EventType = "ringing"
	EventAccepted  EventType = "accepted"
	EventDeclined  EventType = "declined"
	EventMissed    EventType = "missed"
	EventEnded     EventType = "ended"
	EventFailed    EventType = "failed"

	// WebRTC signaling events
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice_candidate"
)

// IsSignal reports whether the event type is a WebRTC signaling exchange
func (t EventType) IsSignal() bool {
	return t == EventOffer || t == EventAnswer || t == EventICECandidate
}

// CallEvent is an immutable audit record of a state transition or signaling
// exchange. Events are never mutated or deleted; a call's stream is ordered
// by creation time.
type CallEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	CallID    uuid.UUID      `json:"call_id"`
	EventType EventType      `json:"event_type"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"` // nil for system-generated events
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
