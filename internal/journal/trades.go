package journal

import (
	"context"
	"database/sql"
	"time"
)

// Trade outcomes as journaled.
const (
	OutcomeWin  = "win"
	OutcomeLoss = "loss"
	OutcomeFlat = "flat"
)

// TradeRecord is one journaled fill.
type TradeRecord struct {
	SignalID    string
	Tenant      string
	Strategy    string
	Symbol      string
	Side        string
	Price       float64
	Quantity    float64
	Fee         float64
	PnL         float64
	Outcome     string
	SessionDate string
	Ts          int64 // epoch ms
}

// SessionDate renders t in the session ledger's YYYY-MM-DD form (UTC).
func SessionDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthOf renders t in the tax report's YYYY-MM form (UTC).
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordTrade journals one fill. Replayed signal ids are ignored so the
// analytics behind at-least-once delivery stay idempotent.
func (j *Journal) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
		(signal_id, tenant, strategy, symbol, side, price, quantity, fee, pnl, outcome, session_date, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SignalID, t.Tenant, t.Strategy, t.Symbol, t.Side, t.Price, t.Quantity,
		t.Fee, t.PnL, t.Outcome, t.SessionDate, t.Ts)
	return err
}

// ApplyFill journals the fill and the updated net position in one
// transaction. A replayed signal id applies nothing and reports false, so the
// position arithmetic never runs twice for one fill.
func (j *Journal) ApplyFill(ctx context.Context, t TradeRecord, p Position) (bool, error) {
	applied := false
	err := WithTransaction(j.conn, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO trades
			(signal_id, tenant, strategy, symbol, side, price, quantity, fee, pnl, outcome, session_date, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.SignalID, t.Tenant, t.Strategy, t.Symbol, t.Side, t.Price, t.Quantity,
			t.Fee, t.PnL, t.Outcome, t.SessionDate, t.Ts)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		applied = true
		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions (tenant, symbol, quantity, entry_price, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant, symbol)
			DO UPDATE SET quantity = excluded.quantity,
			              entry_price = excluded.entry_price,
			              updated_at = excluded.updated_at`,
			p.Tenant, p.Symbol, p.Quantity, p.EntryPrice, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ConsecutiveLosses counts the strategy's trailing unbroken loss streak.
func (j *Journal) ConsecutiveLosses(ctx context.Context, tenant, strategy string) (int, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT outcome FROM trades
		WHERE tenant = ? AND strategy = ?
		ORDER BY ts DESC, id DESC
		LIMIT 100`, tenant, strategy)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return 0, err
		}
		if outcome != OutcomeLoss {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// TradesForMonth returns the tenant's fills in a YYYY-MM month, oldest first.
func (j *Journal) TradesForMonth(ctx context.Context, tenant, month string) ([]TradeRecord, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT signal_id, tenant, strategy, symbol, side, price, quantity, fee, pnl, outcome, session_date, ts
		FROM trades
		WHERE tenant = ? AND session_date LIKE ? || '-%'
		ORDER BY ts ASC, id ASC`, tenant, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// StrategyStats aggregates a strategy's window for the allocator.
type StrategyStats struct {
	Strategy string
	Trades   int
	Wins     int
	PnL      float64
	// Variance of per-trade PnL, the allocator's risk proxy.
	PnLVariance float64
}

// StrategyWindow returns per-strategy aggregates over the trailing window.
func (j *Journal) StrategyWindow(ctx context.Context, tenant string, since time.Time) ([]StrategyStats, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT strategy,
		       COUNT(*) AS trades,
		       SUM(CASE WHEN outcome = 'win' THEN 1 ELSE 0 END) AS wins,
		       SUM(pnl) AS pnl,
		       AVG(pnl * pnl) - AVG(pnl) * AVG(pnl) AS variance
		FROM trades
		WHERE tenant = ? AND ts >= ? AND strategy != ''
		GROUP BY strategy
		ORDER BY strategy`, tenant, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyStats
	for rows.Next() {
		var s StrategyStats
		var variance sql.NullFloat64
		if err := rows.Scan(&s.Strategy, &s.Trades, &s.Wins, &s.PnL, &variance); err != nil {
			return nil, err
		}
		if variance.Valid {
			s.PnLVariance = variance.Float64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HistoricalSuccess returns the strategy's win rate over its journaled
// trades, or 0.5 when the strategy has no history yet.
func (j *Journal) HistoricalSuccess(ctx context.Context, tenant, strategy string) (float64, error) {
	var trades, wins int
	err := j.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN outcome = 'win' THEN 1 ELSE 0 END)
		FROM trades WHERE tenant = ? AND strategy = ?`, tenant, strategy).Scan(&trades, &wins)
	if err != nil {
		return 0, err
	}
	if trades == 0 {
		return 0.5, nil
	}
	return float64(wins) / float64(trades), nil
}

// RecordCapitalEvent journals one book mutation.
func (j *Journal) RecordCapitalEvent(ctx context.Context, tenant, kind, strategy, detail string, version uint64) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO capital_events (tenant, kind, strategy, detail, version, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenant, kind, strategy, detail, version, time.Now().UnixMilli())
	return err
}

// RecordModeEvent journals one governor decision.
func (j *Journal) RecordModeEvent(ctx context.Context, tenant, fromMode, toMode, persona, requester string, version uint64) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO mode_events (tenant, from_mode, to_mode, persona, version, requester, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenant, fromMode, toMode, persona, version, requester, time.Now().UnixMilli())
	return err
}

// AddSessionPnL accumulates realized PnL into the open session row.
func (j *Journal) AddSessionPnL(ctx context.Context, tenant, sessionDate string, delta float64) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO sessions (tenant, session_date, realized_pnl)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant, session_date)
		DO UPDATE SET realized_pnl = realized_pnl + excluded.realized_pnl`,
		tenant, sessionDate, delta)
	return err
}

// CloseSession stamps the session closed and returns its realized PnL.
// Closing an already-closed or absent session returns zero with ok=false so
// the profit router cannot double-distribute.
func (j *Journal) CloseSession(ctx context.Context, tenant, sessionDate string) (pnl float64, ok bool, err error) {
	err = WithTransaction(j.conn, func(tx *sql.Tx) error {
		var closedAt sql.NullInt64
		row := tx.QueryRow(`
			SELECT realized_pnl, closed_at FROM sessions
			WHERE tenant = ? AND session_date = ?`, tenant, sessionDate)
		if scanErr := row.Scan(&pnl, &closedAt); scanErr == sql.ErrNoRows {
			return nil
		} else if scanErr != nil {
			return scanErr
		}
		if closedAt.Valid {
			pnl = 0
			return nil
		}
		if _, execErr := tx.Exec(`
			UPDATE sessions SET closed_at = ? WHERE tenant = ? AND session_date = ?`,
			time.Now().UnixMilli(), tenant, sessionDate); execErr != nil {
			return execErr
		}
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return pnl, ok, nil
}

// SessionPnL reads the session's running PnL without closing it.
func (j *Journal) SessionPnL(ctx context.Context, tenant, sessionDate string) (float64, error) {
	var pnl float64
	err := j.conn.QueryRowContext(ctx, `
		SELECT realized_pnl FROM sessions WHERE tenant = ? AND session_date = ?`,
		tenant, sessionDate).Scan(&pnl)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return pnl, err
}

func scanTrades(rows *sql.Rows) ([]TradeRecord, error) {
	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.SignalID, &t.Tenant, &t.Strategy, &t.Symbol, &t.Side,
			&t.Price, &t.Quantity, &t.Fee, &t.PnL, &t.Outcome, &t.SessionDate, &t.Ts); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
