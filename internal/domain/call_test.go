package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCallType_IsValid(t *testing.T) {
	assert.True(t, CallTypeAudio.IsValid())
	assert.True(t, CallTypeVideo.IsValid())
	assert.False(t, CallType("screen").IsValid())
	assert.False(t, CallType("").IsValid())
}

func TestCallStatus_IsTerminal(t *testing.T) {
	terminal := []CallStatus{CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	assert.False(t, CallStatusRinging.IsTerminal())
	assert.False(t, CallStatusOngoing.IsTerminal())
}

func TestCallStatus_IsActive(t *testing.T) {
	assert.True(t, CallStatusRinging.IsActive())
	assert.True(t, CallStatusOngoing.IsActive())

	for _, s := range []CallStatus{CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed} {
		assert.False(t, s.IsActive(), "%s should not be active", s)
	}
}

func TestCall_IsParticipant(t *testing.T) {
	caller := uuid.New()
	receiver := uuid.New()
	call := &Call{CallerID: caller, ReceiverID: receiver}

	assert.True(t, call.IsParticipant(caller))
	assert.True(t, call.IsParticipant(receiver))
	assert.False(t, call.IsParticipant(uuid.New()))
}

func TestCall_OtherParty(t *testing.T) {
	caller := uuid.New()
	receiver := uuid.New()
	call := &Call{CallerID: caller, ReceiverID: receiver}

	assert.Equal(t, receiver, call.OtherParty(caller))
	assert.Equal(t, caller, call.OtherParty(receiver))
}

func TestEventType_IsSignal(t *testing.T) {
	assert.True(t, EventOffer.IsSignal())
	assert.True(t, EventAnswer.IsSignal())
	assert.True(t, EventICECandidate.IsSignal())

	for _, e := range []EventType{EventInitiated, EventRinging, EventAccepted, EventDeclined, EventMissed, EventEnded, EventFailed} {
		assert.False(t, e.IsSignal(), "%s should not be a signal", e)
	}
}

func TestMatch_HasUserAndOtherUser(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	match := &Match{MatchID: uuid.New(), UserA: a, UserB: b}

	assert.True(t, match.HasUser(a))
	assert.True(t, match.HasUser(b))
	assert.False(t, match.HasUser(uuid.New()))

	assert.Equal(t, b, match.OtherUser(a))
	assert.Equal(t, a, match.OtherUser(b))
}
