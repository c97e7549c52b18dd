package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/crashout/internal/engine"
)

func TestNewMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(MessageTypeBetResult, BetResultData{Success: true, Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeBetResult, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, MessageTypeBetResult, decoded.Type)

	var result BetResultData
	require.NoError(t, json.Unmarshal(decoded.Data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, 100.0, result.Amount)
}

func TestNewMessageUnmarshalableData(t *testing.T) {
	_, err := NewMessage(MessageTypeError, func() {})
	assert.Error(t, err)
}

func TestReasonForError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{engine.ErrInvalidAmount, "invalid_amount"},
		{engine.ErrBettingClosed, "betting_closed"},
		{engine.ErrAlreadyBet, "already_bet"},
		{engine.ErrInsufficientFunds, "insufficient_funds"},
		{engine.ErrUnknownPlayer, "unknown_player"},
		{engine.ErrNotRunning, "not_running"},
		{engine.ErrNoBet, "no_bet"},
		{engine.ErrAlreadyWithdrawn, "already_withdrawn"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, reasonForError(tc.err))
	}
}
