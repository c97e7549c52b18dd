package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// fakeLedger is an in-memory BalanceStore.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	// onDebit runs after a successful debit, outside any engine lock.
	// Tests use it to race phase transitions against in-flight bets.
	onDebit   func()
	creditErr error
}

func newFakeLedger(balances map[string]float64) *fakeLedger {
	copied := make(map[string]float64, len(balances))
	for id, balance := range balances {
		copied[id] = balance
	}
	return &fakeLedger{balances: copied}
}

func (l *fakeLedger) GetBalance(_ context.Context, playerID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[playerID]
	if !ok {
		return 0, ErrUnknownPlayer
	}
	return balance, nil
}

func (l *fakeLedger) Debit(_ context.Context, playerID string, amount float64) error {
	l.mu.Lock()
	balance, ok := l.balances[playerID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownPlayer
	}
	if balance < amount {
		l.mu.Unlock()
		return ErrInsufficientFunds
	}
	l.balances[playerID] = balance - amount
	hook := l.onDebit
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (l *fakeLedger) Credit(_ context.Context, playerID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.creditErr != nil {
		return l.creditErr
	}
	if _, ok := l.balances[playerID]; !ok {
		return ErrUnknownPlayer
	}
	l.balances[playerID] += amount
	return nil
}

func (l *fakeLedger) balance(t *testing.T, playerID string) float64 {
	t.Helper()
	balance, err := l.GetBalance(context.Background(), playerID)
	if err != nil {
		t.Fatalf("balance for %s: %v", playerID, err)
	}
	return balance
}

type crashEvent struct {
	roundID    string
	crashPoint float64
}

// fakeBroadcaster records every push.
type fakeBroadcaster struct {
	mu       sync.Mutex
	states   []RoundView
	balances map[string][]float64
	crashes  []crashEvent
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{balances: make(map[string][]float64)}
}

func (b *fakeBroadcaster) PushRoundState(view RoundView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, view)
}

func (b *fakeBroadcaster) PushBalance(playerID string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[playerID] = append(b.balances[playerID], balance)
}

func (b *fakeBroadcaster) PushCrashed(roundID string, crashPoint float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crashes = append(b.crashes, crashEvent{roundID: roundID, crashPoint: crashPoint})
}

func (b *fakeBroadcaster) crashCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.crashes)
}

// fakeHistory records appends and signals each one, since the engine
// writes history off the settlement path.
type fakeHistory struct {
	mu        sync.Mutex
	records   []RoundHistoryRecord
	appendErr error
	lastLimit int
	appended  chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{appended: make(chan struct{}, 16)}
}

func (h *fakeHistory) Append(_ context.Context, rec RoundHistoryRecord) error {
	h.mu.Lock()
	err := h.appendErr
	if err == nil {
		h.records = append(h.records, rec)
	}
	h.mu.Unlock()

	select {
	case h.appended <- struct{}{}:
	default:
	}
	return err
}

func (h *fakeHistory) Query(_ context.Context, limit int) ([]RoundHistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastLimit = limit

	var out []RoundHistoryRecord
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

func (h *fakeHistory) waitForAppend(t *testing.T) RoundHistoryRecord {
	t.Helper()
	select {
	case <-h.appended:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for history append")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		t.Fatal("history append signalled but no record stored")
	}
	return h.records[len(h.records)-1]
}

// harness wires an engine to fakes and a mock clock, with ticks driven
// explicitly so every test is deterministic.
type harness struct {
	t      *testing.T
	clock  *quartz.Mock
	ledger *fakeLedger
	cast   *fakeBroadcaster
	hist   *fakeHistory
	eng    *Engine
}

func newHarness(t *testing.T, cfg Config, balances map[string]float64) *harness {
	return newHarnessWithIDs(t, cfg, balances, func(seq int) string {
		return fmt.Sprintf("round-%d", seq)
	})
}

// newHarnessWithIDs lets a test pick the round id sequence, for rounds
// whose hash-derived outcome matters.
func newHarnessWithIDs(t *testing.T, cfg Config, balances map[string]float64, id func(seq int) string) *harness {
	t.Helper()

	if cfg.ServerSeed == "" {
		cfg.ServerSeed = "secret"
	}

	h := &harness{
		t:      t,
		clock:  quartz.NewMock(t),
		ledger: newFakeLedger(balances),
		cast:   newFakeBroadcaster(),
		hist:   newFakeHistory(),
	}

	seq := 0
	h.eng = New(cfg, Deps{
		Balances:  h.ledger,
		Broadcast: h.cast,
		History:   h.hist,
		Clock:     h.clock,
		Logger:    log.New(io.Discard),
		RoundIDs: func() string {
			seq++
			return id(seq)
		},
	})
	return h
}

// advance moves the mock clock by d and fires one tick at the new time.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d).MustWait(context.Background())
	h.eng.tick(h.clock.Now())
}

// toRunning expires the betting window so the round starts running.
func (h *harness) toRunning(cfg Config) {
	h.t.Helper()
	h.advance(cfg.BetDuration)
	if view := h.eng.Snapshot(); !view.GameActive {
		h.t.Fatalf("expected running phase, got %s", view.Phase)
	}
}
