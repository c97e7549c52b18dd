package engine

import (
	"context"
	"errors"
)

// BalanceStore is the external ledger governing player funds. Each call
// must be atomic with respect to concurrent calls for the same player;
// the engine never holds its state lock across these calls.
type BalanceStore interface {
	GetBalance(ctx context.Context, playerID string) (float64, error)
	// Debit removes amount from the player's balance. It fails without
	// mutation when the balance is short (ErrInsufficientFunds) or the
	// player does not exist (ErrUnknownPlayer).
	Debit(ctx context.Context, playerID string, amount float64) error
	Credit(ctx context.Context, playerID string, amount float64) error
}

// Broadcaster pushes state to connected clients. Implementations must
// return without blocking on slow consumers; the engine calls these on
// its tick path.
type Broadcaster interface {
	PushRoundState(view RoundView)
	PushBalance(playerID string, balance float64)
	PushCrashed(roundID string, crashPoint float64)
}

// RoundHistoryStore persists settled-round summaries.
type RoundHistoryStore interface {
	Append(ctx context.Context, rec RoundHistoryRecord) error
	// Query returns up to limit records, newest first.
	Query(ctx context.Context, limit int) ([]RoundHistoryRecord, error)
}

// Player-facing failures. The transport maps these to success=false
// results; they are never logged as severe.
var (
	ErrInvalidAmount     = errors.New("bet amount must be positive")
	ErrBettingClosed     = errors.New("betting is closed")
	ErrAlreadyBet        = errors.New("player already has a bet this round")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrUnknownPlayer     = errors.New("unknown player")
	ErrNotRunning        = errors.New("round is not running")
	ErrNoBet             = errors.New("no bet for player this round")
	ErrAlreadyWithdrawn  = errors.New("bet already withdrawn")
)
