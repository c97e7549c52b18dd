package engine

import (
	"time"
)

// Phase identifies where the live round is in its lifecycle.
type Phase int

const (
	// Betting accepts new bets until the countdown expires.
	Betting Phase = iota
	// Running grows the multiplier and accepts cash-outs.
	Running
	// Crashed is the cooldown between the crash and the next round.
	Crashed
)

// String returns the string representation of a phase
func (p Phase) String() string {
	switch p {
	case Betting:
		return "betting"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Bet is a single player's stake in the live round. Amount never changes
// after the bet is placed; the cashout fields are written exactly once,
// when Withdrawn flips to true.
type Bet struct {
	PlayerID          string
	PlayerName        string
	Amount            float64
	Withdrawn         bool
	CashoutMultiplier float64
	CashoutProfit     float64
}

// round holds all mutable state for the live round. It is owned by the
// engine and only ever touched under the engine mutex.
type round struct {
	id         string
	phase      Phase
	target     float64 // crash point, hidden from snapshots until Crashed
	multiplier float64
	startedAt  time.Time // when Running began
	deadline   time.Time // end of Betting, or end of the Crashed cooldown
	bets       map[string]*Bet
}

// BetView is the read-only form of a bet exposed in snapshots and
// serialized into history records.
type BetView struct {
	PlayerID           string  `json:"playerId"`
	PlayerName         string  `json:"playerName"`
	BetAmount          float64 `json:"betAmount"`
	Withdrew           bool    `json:"withdrew"`
	WithdrawMultiplier float64 `json:"withdrawMultiplier"`
	WithdrawProfit     float64 `json:"withdrawProfit"`
}

// RoundView is a point-in-time copy of the live round. It shares no
// memory with engine state.
type RoundView struct {
	RoundID        string             `json:"roundId"`
	Phase          string             `json:"phase"`
	Multiplier     float64            `json:"multiplier"`
	TimeRemaining  float64            `json:"timeRemaining"`
	BettingOpen    bool               `json:"bettingOpen"`
	GameActive     bool               `json:"gameActive"`
	SeedCommitment string             `json:"seedCommitment"`
	CrashPoint     float64            `json:"crashPoint,omitempty"`
	Bets           map[string]BetView `json:"bets"`
}

// Payout is what a successful cash-out returned to the player.
type Payout struct {
	Multiplier float64 `json:"multiplier"`
	Amount     float64 `json:"amount"`
}

// RoundHistoryRecord is the immutable summary persisted when a round
// settles.
type RoundHistoryRecord struct {
	ID               string    `json:"id"`
	CrashedAt        time.Time `json:"crashedAt"`
	CrashPoint       float64   `json:"crashPoint"`
	TotalBets        int       `json:"totalBets"`
	TotalBetAmount   float64   `json:"totalBetAmount"`
	TotalWithdrawals int       `json:"totalWithdrawals"`
	TotalProfit      float64   `json:"totalProfit"`
	BetsJSON         string    `json:"betsJson"`
}

func betView(b *Bet) BetView {
	return BetView{
		PlayerID:           b.PlayerID,
		PlayerName:         b.PlayerName,
		BetAmount:          b.Amount,
		Withdrew:           b.Withdrawn,
		WithdrawMultiplier: b.CashoutMultiplier,
		WithdrawProfit:     b.CashoutProfit,
	}
}
