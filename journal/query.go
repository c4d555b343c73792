package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

const positionColumns = `id, message_id, path, symbol, direction, quantity, remaining, entry_price, stop_price,
	target1, target2, state, realized_pnl, commission, opened_at, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (PositionRecord, error) {
	var (
		rec    PositionRecord
		closed sql.NullTime
	)
	err := s.Scan(
		&rec.ID, &rec.MessageID, &rec.Path, &rec.Symbol, &rec.Direction,
		&rec.Quantity, &rec.Remaining, &rec.EntryPrice, &rec.Stop,
		&rec.Target1, &rec.Target2, &rec.State, &rec.RealizedPnL, &rec.Commission,
		&rec.OpenedAt, &closed,
	)
	if err != nil {
		return PositionRecord{}, err
	}
	if closed.Valid {
		rec.ClosedAt = closed.Time
	}
	return rec, nil
}

// GetPosition returns a single position by ID.
func (j *SQLite) GetPosition(ctx context.Context, id string) (PositionRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	rec, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PositionRecord{}, fmt.Errorf("position %q %w", id, ErrNotFound)
		}
		return PositionRecord{}, err
	}
	return rec, nil
}

// GetAlert returns the claimed alert with messageID.
func (j *SQLite) GetAlert(ctx context.Context, messageID string) (AlertRecord, error) {
	var a AlertRecord
	err := j.db.QueryRowContext(ctx, `
		SELECT message_id, symbol, direction, entry_price, stop_price, size_class, raw_text, received_at, status, reason
		FROM alerts WHERE message_id = ?`, messageID).Scan(
		&a.MessageID, &a.Symbol, &a.Direction, &a.EntryPrice, &a.StopPrice,
		&a.SizeClass, &a.RawText, &a.ReceivedAt, &a.Status, &a.Reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AlertRecord{}, fmt.Errorf("alert %q %w", messageID, ErrNotFound)
	}
	return a, err
}

// ListPositionsClosedBetween returns terminal positions whose closed_at is
// within [start, end).
func (j *SQLite) ListPositionsClosedBetween(ctx context.Context, start, end time.Time) ([]PositionRecord, error) {
	return j.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE closed_at >= ? AND closed_at < ? AND state IN ('CLOSED', 'STOPPED')
		ORDER BY closed_at ASC`, start.UTC(), end.UTC())
}

// ListOpenPositions returns positions with no closed_at.
func (j *SQLite) ListOpenPositions(ctx context.Context) ([]PositionRecord, error) {
	return j.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE closed_at IS NULL ORDER BY opened_at ASC`)
}

func (j *SQLite) queryPositions(ctx context.Context, q string, args ...any) ([]PositionRecord, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		rec, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *SQLite) ListExits(ctx context.Context, positionID string) ([]ExitRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT position_id, order_id, kind, quantity, price, pnl, time
		FROM exits WHERE position_id = ? ORDER BY id ASC`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExitRecord
	for rows.Next() {
		var e ExitRecord
		if err := rows.Scan(&e.PositionID, &e.OrderID, &e.Kind, &e.Quantity, &e.Price, &e.PnL, &e.Time); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEvents returns events at or after since, newest first. limit <= 0
// means no limit.
func (j *SQLite) ListEvents(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, time, level, kind, code, message, position_id, message_id
		FROM events WHERE time >= ? ORDER BY id DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e     Event
			level string
		)
		if err := rows.Scan(&e.ID, &e.Time, &level, &e.Kind, &e.Code, &e.Message, &e.PositionID, &e.MessageID); err != nil {
			return nil, err
		}
		e.Level = Level(level)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary aggregates terminal positions closed in [start, end).
type Summary struct {
	Trades               int
	Wins                 int
	Losses               int
	Breakeven            int
	WinRate              float64
	GrossProfit          decimal.Decimal
	GrossLoss            decimal.Decimal // positive magnitude
	ProfitFactor         float64         // 0 when there are no losses
	NetPnL               decimal.Decimal
	Commission           decimal.Decimal
	LargestWin           decimal.Decimal
	LargestLoss          decimal.Decimal
	MaxConsecutiveLosses int
}

func (j *SQLite) Summary(ctx context.Context, start, end time.Time) (Summary, error) {
	recs, err := j.ListPositionsClosedBetween(ctx, start, end)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(recs), nil
}

// Summarize computes a Summary from positions in close order.
func Summarize(recs []PositionRecord) Summary {
	s := Summary{
		GrossProfit: decimal.Zero,
		GrossLoss:   decimal.Zero,
		NetPnL:      decimal.Zero,
		Commission:  decimal.Zero,
		LargestWin:  decimal.Zero,
		LargestLoss: decimal.Zero,
	}
	streak := 0
	for _, r := range recs {
		s.Trades++
		s.NetPnL = s.NetPnL.Add(r.RealizedPnL)
		s.Commission = s.Commission.Add(r.Commission)
		switch {
		case r.RealizedPnL.IsPositive():
			s.Wins++
			s.GrossProfit = s.GrossProfit.Add(r.RealizedPnL)
			if r.RealizedPnL.GreaterThan(s.LargestWin) {
				s.LargestWin = r.RealizedPnL
			}
			streak = 0
		case r.RealizedPnL.IsNegative():
			s.Losses++
			s.GrossLoss = s.GrossLoss.Add(r.RealizedPnL.Abs())
			if r.RealizedPnL.LessThan(s.LargestLoss) {
				s.LargestLoss = r.RealizedPnL
			}
			streak++
			if streak > s.MaxConsecutiveLosses {
				s.MaxConsecutiveLosses = streak
			}
		default:
			s.Breakeven++
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	if s.GrossLoss.IsPositive() {
		s.ProfitFactor = s.GrossProfit.Div(s.GrossLoss).InexactFloat64()
	}
	return s
}
