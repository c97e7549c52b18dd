// Package server exposes the round engine over websockets plus a small
// REST surface, and implements the engine's Broadcaster collaborator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lox/crashout/internal/engine"
)

const maxHistoryCount = 100

// Server is the websocket server fronting the round engine.
type Server struct {
	addr        string
	upgrader    websocket.Upgrader
	connections map[*Connection]bool
	register    chan *Connection
	unregister  chan *Connection
	logger      *log.Logger
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	engine      *engine.Engine
	httpServer  *http.Server
	listener    net.Listener
}

// NewServer creates a websocket server listening on addr. The engine is
// attached with SetEngine before Start, since engine and server
// reference each other.
func NewServer(addr string, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// For development, allow all origins
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*Connection]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		logger:      logger.WithPrefix("server"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetEngine attaches the round engine the server fronts.
func (s *Server) SetEngine(eng *engine.Engine) {
	s.engine = eng
}

// Start runs the listener until Stop is called.
func (s *Server) Start() error {
	go s.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/history", s.handleHistory)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.logger.Info("Starting WebSocket server", "addr", listener.Addr().String())
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound listen address, or the configured address if
// the listener is not up yet.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the listener down and closes all connections.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.connections {
		_ = conn.Close() // Ignore close errors during shutdown
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}

// run handles connection lifecycle
func (s *Server) run() {
	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.connections[conn] = true
			total := len(s.connections)
			s.mu.Unlock()
			s.logger.Info("Client connected", "total", total)

		case conn := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.connections[conn]; ok {
				delete(s.connections, conn)
				_ = conn.Close() // Ignore close errors during unregistration
			}
			total := len(s.connections)
			s.mu.Unlock()
			s.logger.Info("Client disconnected", "total", total)

		case <-s.ctx.Done():
			return
		}
	}
}

// handleWebSocket handles WebSocket upgrade requests
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := NewConnection(conn, s.logger, s.engine)
	s.register <- client
	client.Start()

	go func() {
		<-client.ctx.Done()
		select {
		case s.unregister <- client:
		case <-s.ctx.Done():
		}
	}()
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK") // Ignore write errors for health check
}

// handleHistory serves recent settled rounds over plain HTTP, newest
// first. Count defaults to 20 and is capped at maxHistoryCount.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	count := 20
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = parsed
	}
	if count > maxHistoryCount {
		count = maxHistoryCount
	}

	records, err := s.engine.History(r.Context(), count)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []engine.RoundHistoryRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Error("history encode failed", "error", err)
	}
}

// PushRoundState implements engine.Broadcaster by fanning the snapshot
// out to every authenticated connection.
func (s *Server) PushRoundState(view engine.RoundView) {
	msg, err := NewMessage(MessageTypeRoundState, view)
	if err != nil {
		s.logger.Error("Failed to create round state message", "error", err)
		return
	}
	s.broadcast(msg)
}

// PushBalance implements engine.Broadcaster by sending the balance to
// every connection claimed by the player.
func (s *Server) PushBalance(playerID string, balance float64) {
	msg, err := NewMessage(MessageTypeBalanceUpdate, BalanceUpdateData{
		PlayerID: playerID,
		Balance:  balance,
	})
	if err != nil {
		s.logger.Error("Failed to create balance update message", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.connections {
		if conn.GetPlayer() == playerID {
			if err := conn.SendMessage(msg); err != nil {
				s.logger.Debug("Failed to push balance", "error", err, "player", playerID)
			}
		}
	}
}

// PushCrashed implements engine.Broadcaster by announcing the crash and
// revealing the crash point.
func (s *Server) PushCrashed(roundID string, crashPoint float64) {
	msg, err := NewMessage(MessageTypeRoundCrashed, RoundCrashedData{
		RoundID:    roundID,
		CrashPoint: crashPoint,
	})
	if err != nil {
		s.logger.Error("Failed to create round crashed message", "error", err)
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all authenticated connections.
func (s *Server) broadcast(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for conn := range s.connections {
		if conn.GetPlayer() == "" {
			continue
		}
		if err := conn.SendMessage(msg); err != nil {
			s.logger.Debug("Failed to send message to client", "error", err, "player", conn.GetPlayer())
		}
	}
}
