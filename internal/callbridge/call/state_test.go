package call

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"RINGING", StatusRinging, true},
		{"active", StatusActive, true},
		{"NOT ANSWERED", StatusNotAnswered, true},
		{"NOT_ANSWERED", StatusNotAnswered, true},
		{" ended ", StatusEnded, true},
		{"DISCONNECTED", StatusDisconnected, true},
		{"HOLD", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseStatus(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	all := []Status{
		StatusRinging, StatusActive, StatusNotAnswered, StatusRejected,
		StatusFailed, StatusEnded, StatusDisconnected,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRinging, StatusActive, true},
		{StatusRinging, StatusNotAnswered, true},
		{StatusRinging, StatusDisconnected, true},
		{StatusActive, StatusRinging, false},
		{StatusActive, StatusNotAnswered, false},
		{StatusActive, StatusFailed, true},
		{StatusDisconnected, StatusActive, true},
		{StatusDisconnected, StatusRejected, false},
		{StatusEnded, StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestMachineFollowsGraph(t *testing.T) {
	m := newMachine(StatusRinging)

	require.NoError(t, m.fire(StatusActive))
	assert.Equal(t, StatusActive, m.current())

	err := m.fire(StatusRinging)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusActive, te.From)
	assert.Equal(t, StatusRinging, te.To)

	require.NoError(t, m.fire(StatusEnded))
	assert.Error(t, m.fire(StatusFailed))
	assert.Equal(t, StatusEnded, m.current())
}
