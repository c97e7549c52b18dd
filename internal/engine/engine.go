// Package engine implements the crash round lifecycle: the phase state
// machine, the provably-fair outcome derivation, the concurrent
// bet/cash-out protocol, and round settlement.
//
// One round is live at a time, cycling betting -> running -> crashed ->
// betting forever. A single mutex serializes every read and write of
// round state; critical sections are pure in-memory mutations. All
// money movement goes through the injected BalanceStore outside the
// lock, with re-validation where a commitment has not yet been made.
package engine

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/crashout/internal/roundid"
)

// Config holds the round lifecycle tunables.
type Config struct {
	// ServerSeed is the secret half of the fairness contract. Generated
	// when empty.
	ServerSeed string
	// BetDuration is how long the betting window stays open.
	BetDuration time.Duration
	// Cooldown is the pause between a crash and the next betting window.
	Cooldown time.Duration
	// TickInterval is the scheduler period for countdown and multiplier
	// updates.
	TickInterval time.Duration
	// GrowthFactor and GrowthExponent define the multiplier curve
	// m(t) = 1 + GrowthFactor * t^GrowthExponent, t in seconds.
	GrowthFactor   float64
	GrowthExponent float64
	// HistoryLimit caps how many settled rounds a single query returns.
	HistoryLimit int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		BetDuration:    10 * time.Second,
		Cooldown:       4 * time.Second,
		TickInterval:   100 * time.Millisecond,
		GrowthFactor:   0.06,
		GrowthExponent: 1.8,
		HistoryLimit:   100,
	}
}

// Deps are the collaborators the engine consumes. Balances, Broadcast
// and History are required; Clock, Logger and RoundIDs have defaults.
type Deps struct {
	Balances  BalanceStore
	Broadcast Broadcaster
	History   RoundHistoryStore
	Clock     quartz.Clock
	Logger    *log.Logger
	// RoundIDs generates the id for each new round. Ids feed the HMAC
	// fairness input, so they must be unique per round.
	RoundIDs func() string
}

// Engine owns the live round and drives it through its phases.
type Engine struct {
	cfg        Config
	balances   BalanceStore
	broadcast  Broadcaster
	history    RoundHistoryStore
	clock      quartz.Clock
	logger     *log.Logger
	newRoundID func() string
	seedHash   string

	mu  sync.Mutex
	cur *round
}

// New creates an engine with the first betting window already open.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.BetDuration <= 0 {
		cfg.BetDuration = def.BetDuration
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.GrowthFactor <= 0 {
		cfg.GrowthFactor = def.GrowthFactor
	}
	if cfg.GrowthExponent <= 0 {
		cfg.GrowthExponent = def.GrowthExponent
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > def.HistoryLimit {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.RoundIDs == nil {
		deps.RoundIDs = roundid.Generate
	}
	if cfg.ServerSeed == "" {
		cfg.ServerSeed = GenerateServerSeed()
		deps.Logger.Warn("no server seed configured, generated one; past rounds will not be verifiable across restarts")
	}

	e := &Engine{
		cfg:        cfg,
		balances:   deps.Balances,
		broadcast:  deps.Broadcast,
		history:    deps.History,
		clock:      deps.Clock,
		logger:     deps.Logger.WithPrefix("engine"),
		newRoundID: deps.RoundIDs,
		seedHash:   SeedHash(cfg.ServerSeed),
	}

	e.mu.Lock()
	e.openBettingLocked(e.clock.Now())
	e.mu.Unlock()

	return e
}

// SeedCommitment returns hex(sha256(serverSeed)), the half of the
// fairness contract published before any outcome resolves.
func (e *Engine) SeedCommitment() string {
	return e.seedHash
}

// Run drives the phase machine until ctx is cancelled. Collaborator
// failures are logged and never stop the scheduler.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	roundID := e.cur.id
	e.mu.Unlock()

	e.logger.Info("round engine started",
		"round", roundID,
		"betting", e.cfg.BetDuration,
		"cooldown", e.cfg.Cooldown,
		"tick", e.cfg.TickInterval)

	return NewRoundClock(e.clock, e.cfg.TickInterval).Run(ctx, e.tick)
}

// tick advances the phase machine. Every transition re-checks phase
// under the lock, so a tick that raced a transition is a no-op.
func (e *Engine) tick(now time.Time) {
	var (
		started string  // round id that just started running
		target  float64 // its crash point
		settled *RoundHistoryRecord
	)

	e.mu.Lock()
	switch e.cur.phase {
	case Betting:
		if !now.Before(e.cur.deadline) {
			e.startRunningLocked(now)
			started, target = e.cur.id, e.cur.target
		}

	case Running:
		elapsed := now.Sub(e.cur.startedAt).Seconds()
		m := multiplierAt(elapsed, e.cfg.GrowthFactor, e.cfg.GrowthExponent)
		if m >= e.cur.target {
			rec := e.settleLocked(now)
			settled = &rec
		} else if m > e.cur.multiplier {
			e.cur.multiplier = m
		}

	case Crashed:
		if !now.Before(e.cur.deadline) {
			e.openBettingLocked(now)
		}
	}
	view := e.snapshotLocked(now)
	e.mu.Unlock()

	if started != "" {
		e.logger.Info("round running", "round", started)
		e.logger.Debug("crash point resolved", "round", started, "target", target)
	}
	if settled != nil {
		e.logger.Info("round crashed",
			"round", settled.ID,
			"crashPoint", settled.CrashPoint,
			"bets", settled.TotalBets,
			"withdrawals", settled.TotalWithdrawals,
			"profit", settled.TotalProfit)
		e.broadcast.PushCrashed(settled.ID, settled.CrashPoint)
		go e.appendHistory(*settled)
	}
	e.broadcast.PushRoundState(view)
}

// PlaceBet stakes amount for the player in the current betting window.
// The debit happens outside the lock; if the window closed while it was
// in flight the debit is refunded and the bet rejected.
func (e *Engine) PlaceBet(ctx context.Context, playerID, playerName string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	if e.cur.phase != Betting {
		e.mu.Unlock()
		return ErrBettingClosed
	}
	if _, exists := e.cur.bets[playerID]; exists {
		e.mu.Unlock()
		return ErrAlreadyBet
	}
	betRound := e.cur.id
	e.mu.Unlock()

	if err := e.balances.Debit(ctx, playerID, amount); err != nil {
		return err
	}

	// The debit was I/O; the window may have closed underneath it.
	e.mu.Lock()
	_, exists := e.cur.bets[playerID]
	valid := e.cur.phase == Betting && e.cur.id == betRound && !exists
	if valid {
		e.cur.bets[playerID] = &Bet{
			PlayerID:   playerID,
			PlayerName: playerName,
			Amount:     amount,
		}
	}
	e.mu.Unlock()

	if !valid {
		e.refund(ctx, playerID, amount, betRound)
		if exists {
			return ErrAlreadyBet
		}
		return ErrBettingClosed
	}

	e.logger.Info("bet placed", "player", playerName, "amount", amount, "round", betRound)
	e.pushBalance(ctx, playerID)
	return nil
}

// Withdraw cashes out the player's bet at the current multiplier. The
// commitment (freezing the multiplier and flipping Withdrawn) happens
// in one critical section, so concurrent calls for the same player
// yield exactly one success.
func (e *Engine) Withdraw(ctx context.Context, playerID string) (Payout, error) {
	e.mu.Lock()
	if e.cur.phase != Running {
		e.mu.Unlock()
		return Payout{}, ErrNotRunning
	}
	bet, ok := e.cur.bets[playerID]
	if !ok {
		e.mu.Unlock()
		return Payout{}, ErrNoBet
	}
	if bet.Withdrawn {
		e.mu.Unlock()
		return Payout{}, ErrAlreadyWithdrawn
	}

	multiplier := e.cur.multiplier
	payout := bet.Amount * multiplier
	bet.Withdrawn = true
	bet.CashoutMultiplier = multiplier
	bet.CashoutProfit = payout
	betRound := e.cur.id
	playerName := bet.PlayerName
	e.mu.Unlock()

	// The cash-out is already committed; a failed credit cannot be
	// rolled back and becomes a reconciliation item.
	if err := e.balances.Credit(ctx, playerID, payout); err != nil {
		e.logger.Error("ledger credit failed after committed cash-out",
			"player", playerID,
			"round", betRound,
			"payout", payout,
			"error", err)
	}

	e.logger.Info("cash out",
		"player", playerName,
		"multiplier", multiplier,
		"payout", payout,
		"round", betRound)
	e.pushBalance(ctx, playerID)

	return Payout{Multiplier: multiplier, Amount: payout}, nil
}

// Snapshot returns a read-only copy of the live round.
func (e *Engine) Snapshot() RoundView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(e.clock.Now())
}

// Balance reads the player's balance from the ledger.
func (e *Engine) Balance(ctx context.Context, playerID string) (float64, error) {
	return e.balances.GetBalance(ctx, playerID)
}

// History returns up to limit settled rounds, newest first. Limit is
// clamped to the configured maximum.
func (e *Engine) History(ctx context.Context, limit int) ([]RoundHistoryRecord, error) {
	if limit <= 0 || limit > e.cfg.HistoryLimit {
		limit = e.cfg.HistoryLimit
	}
	return e.history.Query(ctx, limit)
}

// openBettingLocked resets to a fresh round with the betting window
// open. Caller holds the lock.
func (e *Engine) openBettingLocked(now time.Time) {
	e.cur = &round{
		id:         e.newRoundID(),
		phase:      Betting,
		multiplier: 1.0,
		deadline:   now.Add(e.cfg.BetDuration),
		bets:       make(map[string]*Bet),
	}
}

// startRunningLocked resolves the crash point and opens the running
// phase. The outcome is queried exactly once per round, here. Caller
// holds the lock.
func (e *Engine) startRunningLocked(now time.Time) {
	e.cur.phase = Running
	e.cur.startedAt = now
	e.cur.multiplier = 1.0
	e.cur.target = CrashPoint(e.cfg.ServerSeed, e.cur.id)
}

// settleLocked performs the single Running -> Crashed transition and
// builds the history record from the final bets map. Caller holds the
// lock.
func (e *Engine) settleLocked(now time.Time) RoundHistoryRecord {
	e.cur.phase = Crashed
	e.cur.multiplier = e.cur.target
	e.cur.deadline = now.Add(e.cfg.Cooldown)

	rec := RoundHistoryRecord{
		ID:         e.cur.id,
		CrashedAt:  now,
		CrashPoint: e.cur.target,
	}

	views := make([]BetView, 0, len(e.cur.bets))
	for _, bet := range e.cur.bets {
		rec.TotalBets++
		rec.TotalBetAmount += bet.Amount
		if bet.Withdrawn {
			rec.TotalWithdrawals++
			rec.TotalProfit += bet.CashoutProfit - bet.Amount
		}
		views = append(views, betView(bet))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].PlayerID < views[j].PlayerID })

	buf, _ := json.Marshal(views)
	rec.BetsJSON = string(buf)
	return rec
}

func (e *Engine) snapshotLocked(now time.Time) RoundView {
	view := RoundView{
		RoundID:        e.cur.id,
		Phase:          e.cur.phase.String(),
		Multiplier:     e.cur.multiplier,
		BettingOpen:    e.cur.phase == Betting,
		GameActive:     e.cur.phase == Running,
		SeedCommitment: e.seedHash,
		Bets:           make(map[string]BetView, len(e.cur.bets)),
	}
	if e.cur.phase == Betting {
		view.TimeRemaining = math.Max(0, e.cur.deadline.Sub(now).Seconds())
	}
	if e.cur.phase == Crashed {
		// The target stays hidden until the crash reveals it.
		view.CrashPoint = e.cur.target
	}
	for id, bet := range e.cur.bets {
		view.Bets[id] = betView(bet)
	}
	return view
}

// refund credits back a debit whose bet could not be recorded. A failed
// refund is a ledger consistency fault.
func (e *Engine) refund(ctx context.Context, playerID string, amount float64, roundID string) {
	if err := e.balances.Credit(ctx, playerID, amount); err != nil {
		e.logger.Error("refund failed after rejected bet",
			"player", playerID,
			"amount", amount,
			"round", roundID,
			"error", err)
	}
}

func (e *Engine) pushBalance(ctx context.Context, playerID string) {
	balance, err := e.balances.GetBalance(ctx, playerID)
	if err != nil {
		e.logger.Warn("balance read for push failed", "player", playerID, "error", err)
		return
	}
	e.broadcast.PushBalance(playerID, balance)
}

func (e *Engine) appendHistory(rec RoundHistoryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.Append(ctx, rec); err != nil {
		e.logger.Error("history append failed", "round", rec.ID, "error", err)
	}
}

// multiplierAt evaluates the growth curve at elapsed seconds, floored
// to cents. Monotonic in elapsed, so any reader observes the multiplier
// non-decreasing while the round runs.
func multiplierAt(elapsed, factor, exponent float64) float64 {
	if elapsed <= 0 {
		return 1.0
	}
	m := 1 + factor*math.Pow(elapsed, exponent)
	return math.Floor(m*100) / 100
}
