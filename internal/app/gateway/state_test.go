package gateway

import (
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/activitybus/internal/domain/activity"
)

func TestStateMachineLifecycle(t *testing.T) {
	var m stateMachine
	assert.Equal(t, StateConnecting, m.Current())

	for _, next := range []State{StateAwaitingAuth, StateAuthenticated, StateReady, StateBackpressure, StateReady, StateClosing, StateClosed} {
		require.NoError(t, m.Transition(next), "to %s", next)
	}
	assert.Equal(t, StateClosed, m.Current())
	assert.Error(t, m.Transition(StateReady))
	assert.Equal(t, StateClosed, m.Current())
}

func TestStateMachineRejectsIllegalMoves(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateConnecting, StateReady},
		{StateAwaitingAuth, StateReady},
		{StateAuthenticated, StateBackpressure},
		{StateReady, StateAuthenticated},
		{StateClosing, StateReady},
		{StateClosed, StateClosing},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			assert.False(t, CanTransition(tc.from, tc.to))
			var m stateMachine
			m.v.Store(int32(tc.from))
			assert.Error(t, m.Transition(tc.to))
			assert.Equal(t, tc.from, m.Current())
		})
	}
}

func TestStateMachineTransitionFrom(t *testing.T) {
	var m stateMachine
	m.v.Store(int32(StateReady))
	assert.False(t, m.TransitionFrom(StateBackpressure, StateReady))
	assert.True(t, m.TransitionFrom(StateReady, StateBackpressure))
	assert.Equal(t, StateBackpressure, m.Current())
	assert.True(t, m.TransitionFrom(StateBackpressure, StateReady))
}

func TestEveryStateCanClose(t *testing.T) {
	for _, s := range []State{StateConnecting, StateAwaitingAuth, StateAuthenticated, StateReady, StateBackpressure} {
		assert.True(t, CanTransition(s, StateClosing), s.String())
	}
}

func TestPriorityForEvent(t *testing.T) {
	cases := []struct {
		typ      string
		severity activity.Severity
		want     Priority
	}{
		{activity.TypeSystemAlert, activity.SeverityInfo, PriorityCritical},
		{activity.TypeSecurityAlert, activity.SeverityInfo, PriorityCritical},
		{activity.TypeRateLimitExceeded, activity.SeverityWarning, PriorityCritical},
		{activity.TypeUpload, activity.SeverityCritical, PriorityCritical},
		{activity.TypeUpload, activity.SeverityInfo, PriorityNormal},
		{activity.TypeError, activity.SeverityError, PriorityNormal},
	}
	for _, tc := range cases {
		got := priorityFor(&activity.Event{Type: tc.typ, Severity: tc.severity})
		assert.Equal(t, tc.want, got, "%s/%s", tc.typ, tc.severity)
	}
}

func TestCloseStatusForCode(t *testing.T) {
	assert.Equal(t, websocket.StatusInternalError, closeFor(CodeAuthNotConfigured))
	assert.Equal(t, websocket.StatusUnsupportedData, closeFor(CodeBadAuthFormat))
	assert.Equal(t, websocket.StatusPolicyViolation, closeFor(CodeInvalidToken))
	assert.Equal(t, websocket.StatusPolicyViolation, closeFor(CodeAuthTimeout))
}
