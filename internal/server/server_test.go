package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/crashout/internal/engine"
)

// testLedger is an in-memory engine.BalanceStore.
type testLedger struct {
	mu       sync.Mutex
	balances map[string]float64
}

func (l *testLedger) GetBalance(_ context.Context, playerID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[playerID]
	if !ok {
		return 0, engine.ErrUnknownPlayer
	}
	return balance, nil
}

func (l *testLedger) Debit(_ context.Context, playerID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[playerID]
	if !ok {
		return engine.ErrUnknownPlayer
	}
	if balance < amount {
		return engine.ErrInsufficientFunds
	}
	l.balances[playerID] = balance - amount
	return nil
}

func (l *testLedger) Credit(_ context.Context, playerID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[playerID]; !ok {
		return engine.ErrUnknownPlayer
	}
	l.balances[playerID] += amount
	return nil
}

// testHistory is an in-memory engine.RoundHistoryStore.
type testHistory struct {
	mu      sync.Mutex
	records []engine.RoundHistoryRecord
}

func (h *testHistory) Append(_ context.Context, rec engine.RoundHistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *testHistory) Query(_ context.Context, limit int) ([]engine.RoundHistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []engine.RoundHistoryRecord
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

// startTestServer spins up a server on an ephemeral port with a long
// betting window, so the round phase is stable for the whole test.
func startTestServer(t *testing.T, balances map[string]float64, hist *testHistory) *Server {
	t.Helper()

	srv := NewServer("127.0.0.1:0", log.New(io.Discard))
	eng := engine.New(engine.Config{
		ServerSeed:  "secret",
		BetDuration: time.Hour,
	}, engine.Deps{
		Balances:  &testLedger{balances: balances},
		Broadcast: srv,
		History:   hist,
		Logger:    log.New(io.Discard),
	})
	srv.SetEngine(eng)

	go func() {
		if err := srv.Start(); err != nil {
			t.Errorf("server start: %v", err)
		}
	}()
	t.Cleanup(func() { _ = srv.Stop() })

	require.Eventually(t, func() bool {
		return srv.Addr() != "127.0.0.1:0"
	}, 5*time.Second, 10*time.Millisecond, "server never bound a port")

	return srv
}

func dialTestServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, messageType MessageType, data interface{}) {
	t.Helper()
	msg, err := NewMessage(messageType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads messages until one of the wanted type arrives,
// skipping unsolicited pushes like balance updates.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) *Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return &msg
		}
		if time.Now().After(deadline) {
			t.Fatalf("never received %s", want)
		}
	}
}

func TestWebSocketBetFlow(t *testing.T) {
	hist := &testHistory{}
	srv := startTestServer(t, map[string]float64{"alice": 500}, hist)
	conn := dialTestServer(t, srv)

	// Auth primes the client with the round state and balance.
	sendMessage(t, conn, MessageTypeAuth, AuthData{PlayerID: "alice", PlayerName: "Alice"})

	stateMsg := readUntil(t, conn, MessageTypeRoundState)
	var state engine.RoundView
	require.NoError(t, json.Unmarshal(stateMsg.Data, &state))
	assert.Equal(t, "betting", state.Phase)
	assert.True(t, state.BettingOpen)
	assert.Equal(t, engine.SeedHash("secret"), state.SeedCommitment)

	balanceMsg := readUntil(t, conn, MessageTypeBalanceUpdate)
	var balance BalanceUpdateData
	require.NoError(t, json.Unmarshal(balanceMsg.Data, &balance))
	assert.Equal(t, "alice", balance.PlayerID)
	assert.InDelta(t, 500, balance.Balance, 1e-9)

	// A valid bet succeeds and the updated balance is pushed.
	sendMessage(t, conn, MessageTypePlaceBet, PlaceBetData{Amount: 100})
	resultMsg := readUntil(t, conn, MessageTypeBetResult)
	var result BetResultData
	require.NoError(t, json.Unmarshal(resultMsg.Data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, 100.0, result.Amount)

	sendMessage(t, conn, MessageTypeGetBalance, nil)
	balanceMsg = readUntil(t, conn, MessageTypeBalanceUpdate)
	require.NoError(t, json.Unmarshal(balanceMsg.Data, &balance))
	assert.InDelta(t, 400, balance.Balance, 1e-9)

	// A duplicate bet is rejected with a reason code.
	sendMessage(t, conn, MessageTypePlaceBet, PlaceBetData{Amount: 50})
	resultMsg = readUntil(t, conn, MessageTypeBetResult)
	require.NoError(t, json.Unmarshal(resultMsg.Data, &result))
	assert.False(t, result.Success)
	assert.Equal(t, "already_bet", result.Reason)

	// Withdrawing while betting is still open fails.
	sendMessage(t, conn, MessageTypeWithdraw, nil)
	withdrawMsg := readUntil(t, conn, MessageTypeWithdrawResult)
	var withdraw WithdrawResultData
	require.NoError(t, json.Unmarshal(withdrawMsg.Data, &withdraw))
	assert.False(t, withdraw.Success)
	assert.Equal(t, "not_running", withdraw.Reason)
}

func TestWebSocketRequiresAuth(t *testing.T) {
	srv := startTestServer(t, map[string]float64{}, &testHistory{})
	conn := dialTestServer(t, srv)

	sendMessage(t, conn, MessageTypePlaceBet, PlaceBetData{Amount: 100})
	errMsg := readUntil(t, conn, MessageTypeError)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(errMsg.Data, &errData))
	assert.Equal(t, "not_authenticated", errData.Code)
}

func TestWebSocketHistory(t *testing.T) {
	hist := &testHistory{records: []engine.RoundHistoryRecord{
		{ID: "round-1", CrashPoint: 2.5, BetsJSON: "[]"},
		{ID: "round-2", CrashPoint: 1.0, BetsJSON: "[]"},
	}}
	srv := startTestServer(t, map[string]float64{"alice": 500}, hist)
	conn := dialTestServer(t, srv)

	sendMessage(t, conn, MessageTypeAuth, AuthData{PlayerID: "alice", PlayerName: "Alice"})
	readUntil(t, conn, MessageTypeBalanceUpdate)

	sendMessage(t, conn, MessageTypeGetHistory, GetHistoryData{Count: 10})
	histMsg := readUntil(t, conn, MessageTypeHistory)
	var data HistoryData
	require.NoError(t, json.Unmarshal(histMsg.Data, &data))
	require.Len(t, data.Rounds, 2)
	assert.Equal(t, "round-2", data.Rounds[0].ID)
	assert.Equal(t, "round-1", data.Rounds[1].ID)
}

func TestHTTPEndpoints(t *testing.T) {
	hist := &testHistory{records: []engine.RoundHistoryRecord{
		{ID: "round-1", CrashPoint: 2.5, BetsJSON: "[]"},
		{ID: "round-2", CrashPoint: 1.0, BetsJSON: "[]"},
		{ID: "round-3", CrashPoint: 7.77, BetsJSON: "[]"},
	}}
	srv := startTestServer(t, map[string]float64{}, hist)
	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/history?count=2")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []engine.RoundHistoryRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 2)
	assert.Equal(t, "round-3", records[0].ID)
	assert.Equal(t, "round-2", records[1].ID)

	resp, err = http.Get(base + "/history?count=bogus")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, base+"/history", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
