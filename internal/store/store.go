// Package store persists completed trades to SQLite so the trade history
// survives restarts and is queryable by the ops API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"crossarb/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	corr_id      TEXT,
	mode         TEXT NOT NULL,
	source       TEXT NOT NULL,
	taken        INTEGER NOT NULL,
	approved     INTEGER NOT NULL,
	realized_pnl REAL NOT NULL,
	legs         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
CREATE INDEX IF NOT EXISTS idx_trades_corr ON trades(corr_id);
`

// Store wraps the trades database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating parent directories
// and the schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveTrade appends one trade. Legs are stored as JSON since they are only
// ever read back whole.
func (s *Store) SaveTrade(ctx context.Context, trade types.Trade) error {
	legs, err := json.Marshal(trade.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trades (ts, corr_id, mode, source, taken, approved, realized_pnl, legs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.TS, trade.CorrID, string(trade.Mode), trade.Source,
		boolInt(trade.Taken), boolInt(trade.Approved), trade.RealizedPnl, string(legs),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, corr_id, mode, source, taken, approved, realized_pnl, legs
		 FROM trades ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var (
			tr              types.Trade
			mode            string
			taken, approved int
			legs            string
		)
		if err := rows.Scan(&tr.TS, &tr.CorrID, &mode, &tr.Source, &taken, &approved, &tr.RealizedPnl, &legs); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		tr.Mode = types.Mode(mode)
		tr.Taken = taken != 0
		tr.Approved = approved != 0
		if err := json.Unmarshal([]byte(legs), &tr.Legs); err != nil {
			return nil, fmt.Errorf("unmarshal legs: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Prune deletes trades older than the timestamp, returning how many rows
// were removed.
func (s *Store) Prune(ctx context.Context, beforeTS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trades WHERE ts < ?`, beforeTS)
	if err != nil {
		return 0, fmt.Errorf("prune trades: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
