// Package journal is the durable audit trail behind the bus: trades, capital
// mutations, mode changes, open positions, and session PnL land here so the
// drawdown redirector, tax reporter, and position restorer can replay them.
// The store is an append-mostly SQLite ledger.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// schema is the single source of truth for the journal layout. Every
// statement tolerates re-execution.
const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id    TEXT NOT NULL UNIQUE,
    tenant       TEXT NOT NULL,
    strategy     TEXT NOT NULL DEFAULT '',
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    price        REAL NOT NULL,
    quantity     REAL NOT NULL,
    fee          REAL NOT NULL DEFAULT 0,
    pnl          REAL NOT NULL DEFAULT 0,
    outcome      TEXT NOT NULL DEFAULT 'flat',
    session_date TEXT NOT NULL,
    ts           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_tenant_strategy_ts ON trades(tenant, strategy, ts DESC);
CREATE INDEX IF NOT EXISTS idx_trades_tenant_session ON trades(tenant, session_date);

CREATE TABLE IF NOT EXISTS capital_events (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant   TEXT NOT NULL,
    kind     TEXT NOT NULL,
    strategy TEXT NOT NULL DEFAULT '',
    detail   TEXT NOT NULL DEFAULT '{}',
    version  INTEGER NOT NULL,
    ts       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capital_events_tenant_ts ON capital_events(tenant, ts DESC);

CREATE TABLE IF NOT EXISTS mode_events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant    TEXT NOT NULL,
    from_mode TEXT NOT NULL,
    to_mode   TEXT NOT NULL,
    persona   TEXT NOT NULL DEFAULT '',
    version   INTEGER NOT NULL,
    requester TEXT NOT NULL DEFAULT '',
    ts        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    tenant      TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    quantity    REAL NOT NULL,
    entry_price REAL NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (tenant, symbol)
);

CREATE TABLE IF NOT EXISTS restore_acks (
    tenant      TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    restored_at INTEGER NOT NULL,
    PRIMARY KEY (tenant, symbol)
);

CREATE TABLE IF NOT EXISTS sessions (
    tenant       TEXT NOT NULL,
    session_date TEXT NOT NULL,
    realized_pnl REAL NOT NULL DEFAULT 0,
    closed_at    INTEGER,
    PRIMARY KEY (tenant, session_date)
);
`

// Journal wraps the ledger connection.
type Journal struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Open opens (and migrates) the journal at path. The ledger profile trades
// write speed for durability: WAL with full fsync, no auto vacuum.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve journal path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	connStr := absPath + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(FULL)"
	connStr += "&_pragma=auto_vacuum(NONE)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{conn: conn, path: absPath, log: log.With().Str("component", "journal").Logger()}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	err := WithTransaction(j.conn, func(tx *sql.Tx) error {
		_, err := tx.Exec(schema)
		return err
	})
	if err != nil && (strings.Contains(err.Error(), "duplicate column") ||
		strings.Contains(err.Error(), "already exists")) {
		return nil
	}
	return err
}

// Close closes the ledger connection.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Conn exposes the underlying connection for maintenance queries.
func (j *Journal) Conn() *sql.DB { return j.conn }

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// HealthCheck pings and runs an integrity check.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if err := j.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("journal ping failed: %w", err)
	}
	var result string
	if err := j.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("journal integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("journal integrity check: %s", result)
	}
	return nil
}

// WALCheckpoint truncates the WAL during maintenance windows.
func (j *Journal) WALCheckpoint() error {
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("journal WAL checkpoint failed: %w", err)
	}
	return nil
}

// WithTransaction executes fn within a transaction, handling commit,
// rollback, and panic recovery.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("journal connection is nil")
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()
	err = fn(tx)
	return err
}
