package server

import (
	"encoding/json"
	"time"

	"github.com/lox/crashout/internal/engine"
)

// MessageType identifies a protocol message.
type MessageType string

// Client -> server message types.
const (
	MessageTypeAuth       MessageType = "auth"
	MessageTypePlaceBet   MessageType = "place_bet"
	MessageTypeWithdraw   MessageType = "withdraw"
	MessageTypeGetState   MessageType = "get_state"
	MessageTypeGetBalance MessageType = "get_balance"
	MessageTypeGetHistory MessageType = "get_history"
)

// Server -> client message types.
const (
	MessageTypeRoundState     MessageType = "round_state"
	MessageTypeBalanceUpdate  MessageType = "balance_update"
	MessageTypeRoundCrashed   MessageType = "round_crashed"
	MessageTypeBetResult      MessageType = "bet_result"
	MessageTypeWithdrawResult MessageType = "withdraw_result"
	MessageTypeHistory        MessageType = "history"
	MessageTypeError          MessageType = "error"
)

// String returns the message type as a string.
func (t MessageType) String() string {
	return string(t)
}

// Message is the websocket envelope.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(messageType MessageType, data interface{}) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: time.Now(),
	}, nil
}

// Client -> server payloads.

// AuthData claims a player identity for the connection.
type AuthData struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// PlaceBetData stakes an amount in the open betting window.
type PlaceBetData struct {
	Amount float64 `json:"amount"`
}

// GetHistoryData requests recent settled rounds.
type GetHistoryData struct {
	Count int `json:"count,omitempty"`
}

// Server -> client payloads. Round state pushes carry engine.RoundView
// directly.

// BetResultData answers a place_bet request.
type BetResultData struct {
	Success bool    `json:"success"`
	Amount  float64 `json:"amount,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// WithdrawResultData answers a withdraw request.
type WithdrawResultData struct {
	Success    bool    `json:"success"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Payout     float64 `json:"payout,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// BalanceUpdateData pushes a player's current balance.
type BalanceUpdateData struct {
	PlayerID string  `json:"playerId"`
	Balance  float64 `json:"balance"`
}

// RoundCrashedData announces the crash and reveals the crash point.
type RoundCrashedData struct {
	RoundID    string  `json:"roundId"`
	CrashPoint float64 `json:"crashPoint"`
}

// HistoryData answers a get_history request, newest first.
type HistoryData struct {
	Rounds []engine.RoundHistoryRecord `json:"rounds"`
}

// ErrorData reports a request-level failure.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
