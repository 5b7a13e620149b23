package journal

import (
	"context"
	"database/sql"
	"time"
)

// Position is a journaled net position per (tenant, symbol).
type Position struct {
	Tenant     string
	Symbol     string
	Quantity   float64
	EntryPrice float64
	UpdatedAt  int64 // epoch ms
}

// UpsertPosition writes the current net position. A zero quantity keeps the
// row so the restorer can tell "flattened" from "never traded".
func (j *Journal) UpsertPosition(ctx context.Context, p Position) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO positions (tenant, symbol, quantity, entry_price, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant, symbol)
		DO UPDATE SET quantity = excluded.quantity,
		              entry_price = excluded.entry_price,
		              updated_at = excluded.updated_at`,
		p.Tenant, p.Symbol, p.Quantity, p.EntryPrice, time.Now().UnixMilli())
	return err
}

// OpenPositions returns the tenant's nonzero positions.
func (j *Journal) OpenPositions(ctx context.Context, tenant string) ([]Position, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT tenant, symbol, quantity, entry_price, updated_at
		FROM positions
		WHERE tenant = ? AND quantity != 0
		ORDER BY symbol`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Tenant, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition reads one position; a missing row is a zero position.
func (j *Journal) GetPosition(ctx context.Context, tenant, symbol string) (Position, error) {
	var p Position
	err := j.conn.QueryRowContext(ctx, `
		SELECT tenant, symbol, quantity, entry_price, updated_at
		FROM positions WHERE tenant = ? AND symbol = ?`, tenant, symbol).
		Scan(&p.Tenant, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Position{Tenant: tenant, Symbol: symbol}, nil
	}
	return p, err
}

// AckRestore marks the position's restore as done. Acking twice is harmless.
func (j *Journal) AckRestore(ctx context.Context, tenant, symbol string) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO restore_acks (tenant, symbol, restored_at)
		VALUES (?, ?, ?)`, tenant, symbol, time.Now().UnixMilli())
	return err
}

// RestoreAcked reports whether the position's restore already ran.
func (j *Journal) RestoreAcked(ctx context.Context, tenant, symbol string) (bool, error) {
	var n int
	err := j.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM restore_acks WHERE tenant = ? AND symbol = ?`,
		tenant, symbol).Scan(&n)
	return n > 0, err
}

// ClearRestoreAcks wipes the ack table; the session closer calls this at the
// boundary so the next boot restores fresh.
func (j *Journal) ClearRestoreAcks(ctx context.Context, tenant string) error {
	_, err := j.conn.ExecContext(ctx, `DELETE FROM restore_acks WHERE tenant = ?`, tenant)
	return err
}
