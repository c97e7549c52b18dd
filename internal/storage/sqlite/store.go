// Package sqlite persists player balances and round history in SQLite.
// It backs both ledger-side interfaces the round engine consumes:
// engine.BalanceStore and engine.RoundHistoryStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/crashout/internal/engine"
	"github.com/lox/crashout/internal/storage/sqlite/migrations"
)

// Store is a SQLite-backed balance ledger and round history store.
type Store struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreatePlayer provisions a player row with a starting balance.
func (s *Store) CreatePlayer(ctx context.Context, playerID, name string, balance float64) error {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return fmt.Errorf("player id is required")
	}
	if balance < 0 {
		return fmt.Errorf("starting balance must not be negative")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO players (id, name, balance, created_at)
VALUES (?, ?, ?, ?)`,
		playerID, name, balance, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("create player: %w", err)
	}
	return nil
}

// GetBalance returns the player's balance.
func (s *Store) GetBalance(ctx context.Context, playerID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM players WHERE id = ?`, playerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, engine.ErrUnknownPlayer
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Debit removes amount from the player's balance. The balance guard is
// part of the UPDATE itself, so concurrent debits cannot overdraw.
func (s *Store) Debit(ctx context.Context, playerID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE players SET balance = balance - ?
WHERE id = ? AND balance >= ?`,
		amount, playerID, amount)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	// No row updated: either the player is missing or the balance fell
	// short.
	if _, err := s.GetBalance(ctx, playerID); err != nil {
		return err
	}
	return engine.ErrInsufficientFunds
}

// Credit adds amount to the player's balance.
func (s *Store) Credit(ctx context.Context, playerID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must not be negative")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE players SET balance = balance + ? WHERE id = ?`,
		amount, playerID)
	if err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit rows affected: %w", err)
	}
	if affected == 0 {
		return engine.ErrUnknownPlayer
	}
	return nil
}

// Append inserts one settled-round record.
func (s *Store) Append(ctx context.Context, rec engine.RoundHistoryRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("round id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO crash_history
    (id, crashed_at, crash_point, total_bets, total_bet_amount,
     total_withdrawals, total_profit, bets_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, toMillis(rec.CrashedAt), rec.CrashPoint, rec.TotalBets,
		rec.TotalBetAmount, rec.TotalWithdrawals, rec.TotalProfit, rec.BetsJSON)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Query returns up to limit settled rounds, newest first.
func (s *Store) Query(ctx context.Context, limit int) ([]engine.RoundHistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, crashed_at, crash_point, total_bets, total_bet_amount,
       total_withdrawals, total_profit, bets_json
FROM crash_history
ORDER BY crashed_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []engine.RoundHistoryRecord
	for rows.Next() {
		var rec engine.RoundHistoryRecord
		var crashedAt int64
		if err := rows.Scan(&rec.ID, &crashedAt, &rec.CrashPoint, &rec.TotalBets,
			&rec.TotalBetAmount, &rec.TotalWithdrawals, &rec.TotalProfit,
			&rec.BetsJSON); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.CrashedAt = fromMillis(crashedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return records, nil
}
