package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}
	// Monitors write concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000"
}

// ClaimAlert inserts a. It reports false when the message ID was already
// claimed.
func (j *SQLite) ClaimAlert(ctx context.Context, a AlertRecord) (bool, error) {
	if a.Status == "" {
		a.Status = AlertReceived
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts
		(message_id, symbol, direction, entry_price, stop_price, size_class, raw_text, received_at, status, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.MessageID, a.Symbol, a.Direction, a.EntryPrice, a.StopPrice,
		a.SizeClass, a.RawText, a.ReceivedAt.UTC(), a.Status, a.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("claim alert %q: %w", a.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (j *SQLite) MarkAlert(ctx context.Context, messageID, status, reason string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, reason = ? WHERE message_id = ?`,
		status, reason, messageID)
	return err
}

func (j *SQLite) RecordOpen(ctx context.Context, p PositionRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO positions
		(id, message_id, path, symbol, direction, quantity, remaining, entry_price, stop_price,
		 target1, target2, state, realized_pnl, commission, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MessageID, p.Path, p.Symbol, p.Direction, p.Quantity, p.Remaining,
		p.EntryPrice, p.Stop, p.Target1, p.Target2, p.State,
		p.RealizedPnL.String(), p.Commission.String(), p.OpenedAt.UTC(), nullTime(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("record open %q: %w", p.ID, err)
	}
	return nil
}

// RecordExit stores the exit and the position state it produced in one
// transaction.
func (j *SQLite) RecordExit(ctx context.Context, e ExitRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exits (position_id, order_id, kind, quantity, price, pnl, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PositionID, e.OrderID, e.Kind, e.Quantity, e.Price, e.PnL.String(), e.Time.UTC(),
	); err != nil {
		return fmt.Errorf("record exit %q: %w", e.PositionID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE positions SET state = ?, remaining = ?, stop_price = ?, realized_pnl = ?
		WHERE id = ?`,
		e.State, e.Remaining, e.Stop, e.RealizedPnL.String(), e.PositionID,
	); err != nil {
		return fmt.Errorf("record exit %q: %w", e.PositionID, err)
	}
	return tx.Commit()
}

// RecordClose writes the final position row. It inserts the row if the open
// record never landed.
func (j *SQLite) RecordClose(ctx context.Context, p PositionRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO positions
		(id, message_id, path, symbol, direction, quantity, remaining, entry_price, stop_price,
		 target1, target2, state, realized_pnl, commission, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remaining = excluded.remaining,
			stop_price = excluded.stop_price,
			state = excluded.state,
			realized_pnl = excluded.realized_pnl,
			commission = excluded.commission,
			closed_at = excluded.closed_at`,
		p.ID, p.MessageID, p.Path, p.Symbol, p.Direction, p.Quantity, p.Remaining,
		p.EntryPrice, p.Stop, p.Target1, p.Target2, p.State,
		p.RealizedPnL.String(), p.Commission.String(), p.OpenedAt.UTC(), nullTime(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("record close %q: %w", p.ID, err)
	}
	return nil
}

func (j *SQLite) RecordEvent(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Level == "" {
		e.Level = Info
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (time, level, kind, code, message, position_id, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UTC(), string(e.Level), e.Kind, e.Code, e.Message, e.PositionID, e.MessageID,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
