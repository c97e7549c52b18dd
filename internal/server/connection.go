package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lox/crashout/internal/engine"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

var ErrConnectionClosed = websocket.ErrCloseSent

// Connection represents a WebSocket connection to a client
type Connection struct {
	conn       *websocket.Conn
	send       chan *Message
	playerID   string
	playerName string
	logger     *log.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
	closeOnce  sync.Once
	engine     *engine.Engine
}

// NewConnection creates a new connection wrapper
func NewConnection(conn *websocket.Conn, logger *log.Logger, eng *engine.Engine) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:   conn,
		send:   make(chan *Message, 256),
		logger: logger.WithPrefix("conn"),
		ctx:    ctx,
		cancel: cancel,
		engine: eng,
	}
}

// Start begins handling the connection
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Close closes the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		err = c.conn.Close()
	})
	return err
}

// SendMessage sends a message to the client
func (c *Connection) SendMessage(msg *Message) error {
	defer func() {
		if r := recover(); r != nil {
			// Channel was closed, this is expected during shutdown
			c.logger.Debug("Attempted to send message on closed connection", "error", r)
		}
	}()

	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn("Connection send buffer full, closing connection")
		_ = c.Close() // Ignore close errors
		return ErrConnectionClosed
	}
}

// SetPlayer associates this connection with a player identity.
func (c *Connection) SetPlayer(playerID, playerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playerID = playerID
	c.playerName = playerName
}

// GetPlayer returns the associated player ID
func (c *Connection) GetPlayer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// GetPlayerName returns the associated display name
func (c *Connection) GetPlayerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerName
}

// readPump handles incoming messages from the client
func (c *Connection) readPump() {
	defer func() { _ = c.Close() }() // Ignore close errors during cleanup

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump handles outgoing messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() // Ignore close errors during cleanup
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Connection) handleMessage(msg *Message) {
	c.logger.Debug("Received message", "type", msg.Type, "player", c.GetPlayer())

	switch msg.Type {
	case MessageTypeAuth:
		var data AuthData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid_message", "Failed to parse auth data")
			return
		}
		c.handleAuth(data)

	case MessageTypePlaceBet:
		var data PlaceBetData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid_message", "Failed to parse place bet data")
			return
		}
		c.handlePlaceBet(data)

	case MessageTypeWithdraw:
		c.handleWithdraw()

	case MessageTypeGetState:
		c.sendRoundState()

	case MessageTypeGetBalance:
		c.handleGetBalance()

	case MessageTypeGetHistory:
		var data GetHistoryData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				c.sendError("invalid_message", "Failed to parse history request")
				return
			}
		}
		c.handleGetHistory(data)

	default:
		c.sendError("unknown_message_type", "Unknown message type: "+msg.Type.String())
	}
}

// handleAuth claims a player identity and primes the client with the
// current round state and balance. Identity verification itself belongs
// to the auth collaborator, not this transport.
func (c *Connection) handleAuth(data AuthData) {
	if data.PlayerID == "" || data.PlayerName == "" {
		c.sendError("invalid_auth", "playerId and playerName are required")
		return
	}

	c.SetPlayer(data.PlayerID, data.PlayerName)
	c.logger.Info("Player authenticated", "player", data.PlayerName, "id", data.PlayerID)

	c.sendRoundState()
	c.handleGetBalance()
}

func (c *Connection) handlePlaceBet(data PlaceBetData) {
	playerID := c.GetPlayer()
	if playerID == "" {
		c.sendError("not_authenticated", "Authenticate before placing bets")
		return
	}

	result := BetResultData{Success: true, Amount: data.Amount}
	if err := c.engine.PlaceBet(c.ctx, playerID, c.GetPlayerName(), data.Amount); err != nil {
		result = BetResultData{Success: false, Reason: reasonForError(err)}
	}

	c.reply(MessageTypeBetResult, result)
}

func (c *Connection) handleWithdraw() {
	playerID := c.GetPlayer()
	if playerID == "" {
		c.sendError("not_authenticated", "Authenticate before withdrawing")
		return
	}

	payout, err := c.engine.Withdraw(c.ctx, playerID)
	result := WithdrawResultData{
		Success:    true,
		Multiplier: payout.Multiplier,
		Payout:     payout.Amount,
	}
	if err != nil {
		result = WithdrawResultData{Success: false, Reason: reasonForError(err)}
	}

	c.reply(MessageTypeWithdrawResult, result)
}

func (c *Connection) handleGetBalance() {
	playerID := c.GetPlayer()
	if playerID == "" {
		c.sendError("not_authenticated", "Authenticate before requesting a balance")
		return
	}

	balance, err := c.engine.Balance(c.ctx, playerID)
	if err != nil {
		c.sendError(reasonForError(err), "Failed to read balance")
		return
	}

	c.reply(MessageTypeBalanceUpdate, BalanceUpdateData{PlayerID: playerID, Balance: balance})
}

func (c *Connection) handleGetHistory(data GetHistoryData) {
	records, err := c.engine.History(c.ctx, data.Count)
	if err != nil {
		c.sendError("history_unavailable", "Failed to read round history")
		return
	}
	if records == nil {
		records = []engine.RoundHistoryRecord{}
	}

	c.reply(MessageTypeHistory, HistoryData{Rounds: records})
}

func (c *Connection) sendRoundState() {
	c.reply(MessageTypeRoundState, c.engine.Snapshot())
}

func (c *Connection) reply(messageType MessageType, data interface{}) {
	msg, err := NewMessage(messageType, data)
	if err != nil {
		c.logger.Error("Failed to create message", "type", messageType, "error", err)
		return
	}
	if err := c.SendMessage(msg); err != nil {
		c.logger.Debug("Failed to send message", "type", messageType, "error", err)
	}
}

func (c *Connection) sendError(code, message string) {
	c.reply(MessageTypeError, ErrorData{Code: code, Message: message})
}

// reasonForError maps engine errors to wire-level reason codes.
func reasonForError(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, engine.ErrBettingClosed):
		return "betting_closed"
	case errors.Is(err, engine.ErrAlreadyBet):
		return "already_bet"
	case errors.Is(err, engine.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, engine.ErrUnknownPlayer):
		return "unknown_player"
	case errors.Is(err, engine.ErrNotRunning):
		return "not_running"
	case errors.Is(err, engine.ErrNoBet):
		return "no_bet"
	case errors.Is(err, engine.ErrAlreadyWithdrawn):
		return "already_withdrawn"
	default:
		return "internal_error"
	}
}
