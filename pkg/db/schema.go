package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'trader',
    blocked INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    expires_at DATETIME NOT NULL,
    revoked INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS challenge_types (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    account_size REAL NOT NULL,
    price REAL NOT NULL,
    profit_target_p1_pct REAL NOT NULL,
    profit_target_p2_pct REAL NOT NULL,
    max_daily_loss_pct REAL NOT NULL,
    max_total_loss_pct REAL NOT NULL,
    min_trading_days INTEGER NOT NULL DEFAULT 0,
    drawdown_type TEXT NOT NULL DEFAULT 'static',
    max_leverage REAL NOT NULL DEFAULT 100,
    profit_split_pct REAL NOT NULL DEFAULT 80,
    is_one_phase INTEGER NOT NULL DEFAULT 0,
    is_instant INTEGER NOT NULL DEFAULT 0,
    min_payout REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS challenges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'phase1',
    account_mode TEXT NOT NULL DEFAULT 'demo',
    initial_balance REAL NOT NULL,
    current_balance REAL NOT NULL,
    peak_equity REAL NOT NULL,
    daily_anchor_equity REAL NOT NULL,
    daily_pnl_realized REAL NOT NULL DEFAULT 0,
    total_pnl_realized REAL NOT NULL DEFAULT 0,
    scaling_baseline_pnl REAL NOT NULL DEFAULT 0,
    trading_days_count INTEGER NOT NULL DEFAULT 0,
    scaling_step INTEGER NOT NULL DEFAULT 0,
    attempt_number INTEGER NOT NULL DEFAULT 1,
    failed_reason TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    transitioned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    failed_at DATETIME,
    quarantined INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(type_id) REFERENCES challenge_types(id)
);

CREATE INDEX IF NOT EXISTS idx_challenges_user ON challenges(user_id);
CREATE INDEX IF NOT EXISTS idx_challenges_status ON challenges(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_challenges_one_active ON challenges(user_id)
    WHERE status IN ('phase1', 'phase2', 'funded');

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    challenge_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    leverage REAL NOT NULL,
    entry_price REAL NOT NULL,
    take_profit REAL,
    stop_loss REAL,
    margin_used REAL NOT NULL,
    opened_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    close_price REAL,
    close_reason TEXT,
    realized_pnl REAL,
    FOREIGN KEY(challenge_id) REFERENCES challenges(id)
);

CREATE INDEX IF NOT EXISTS idx_positions_challenge ON positions(challenge_id);
CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(challenge_id, closed_at);
CREATE INDEX IF NOT EXISTS idx_positions_challenge_opened ON positions(challenge_id, opened_at);

CREATE TABLE IF NOT EXISTS daily_counters (
    challenge_id TEXT NOT NULL,
    date TEXT NOT NULL,
    realized_pnl REAL NOT NULL DEFAULT 0,
    worst_equity_drop REAL NOT NULL DEFAULT 0,
    trades_opened INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (challenge_id, date),
    FOREIGN KEY(challenge_id) REFERENCES challenges(id)
);

CREATE TABLE IF NOT EXISTS payout_requests (
    id TEXT PRIMARY KEY,
    challenge_id TEXT NOT NULL,
    amount REAL NOT NULL,
    wallet_address TEXT NOT NULL,
    network TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    tx_hash TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(challenge_id) REFERENCES challenges(id)
);

CREATE INDEX IF NOT EXISTS idx_payouts_challenge ON payout_requests(challenge_id);
CREATE INDEX IF NOT EXISTS idx_payouts_status ON payout_requests(status);

CREATE TABLE IF NOT EXISTS referrals (
    id TEXT PRIMARY KEY,
    referrer_user_id TEXT NOT NULL,
    referred_user_id TEXT NOT NULL,
    challenge_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(referrer_user_id) REFERENCES users(id),
    FOREIGN KEY(referred_user_id) REFERENCES users(id),
    FOREIGN KEY(challenge_id) REFERENCES challenges(id)
);

CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_user_id);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "challenges", "quarantined", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "challenges", "version", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "payout_requests", "tx_hash", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
