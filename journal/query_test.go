package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPositionNotFound(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	_, err := j.GetPosition(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "not found")
}

func TestListPositionsClosedBetween(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()
	ctx := context.Background()

	day := time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC)
	closeAt := func(id string, at time.Time, state string) {
		p := testPosition(id, at.Add(-time.Minute))
		p.State = state
		p.Remaining = 0
		p.ClosedAt = at
		require.NoError(t, j.RecordClose(ctx, p))
	}
	closeAt("before", day.Add(-time.Hour), "CLOSED")
	closeAt("first", day.Add(10*time.Hour), "STOPPED")
	closeAt("second", day.Add(11*time.Hour), "CLOSED")
	closeAt("unknown", day.Add(12*time.Hour), "UNKNOWN_AT_SHUTDOWN")
	closeAt("after", day.Add(24*time.Hour), "CLOSED")
	require.NoError(t, j.RecordOpen(ctx, testPosition("open", day.Add(9*time.Hour))))

	got, err := j.ListPositionsClosedBetween(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ID)
	assert.Equal(t, "second", got[1].ID)

	open, err := j.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].ID)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	pnl := func(s string) PositionRecord {
		return PositionRecord{RealizedPnL: decimal.RequireFromString(s), Commission: decimal.RequireFromString("7.50")}
	}
	recs := []PositionRecord{
		pnl("100"), pnl("-50"), pnl("-25"), pnl("0"), pnl("-10"), pnl("200"),
	}

	s := Summarize(recs)
	assert.Equal(t, 6, s.Trades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 3, s.Losses)
	assert.Equal(t, 1, s.Breakeven)
	assert.InDelta(t, 2.0/6.0, s.WinRate, 1e-9)
	assert.True(t, s.GrossProfit.Equal(decimal.NewFromInt(300)))
	assert.True(t, s.GrossLoss.Equal(decimal.NewFromInt(85)))
	assert.InDelta(t, 300.0/85.0, s.ProfitFactor, 1e-9)
	assert.True(t, s.NetPnL.Equal(decimal.NewFromInt(215)))
	assert.True(t, s.Commission.Equal(decimal.NewFromInt(45)))
	assert.True(t, s.LargestWin.Equal(decimal.NewFromInt(200)))
	assert.True(t, s.LargestLoss.Equal(decimal.NewFromInt(-50)))
	// Breakeven does not break a losing streak.
	assert.Equal(t, 3, s.MaxConsecutiveLosses)
}

func TestSummarizeEmpty(t *testing.T) {
	t.Parallel()

	s := Summarize(nil)
	assert.Zero(t, s.Trades)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.ProfitFactor)
	assert.True(t, s.NetPnL.IsZero())
}

func TestSummaryFromDB(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()
	ctx := context.Background()

	day := time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC)
	for i, v := range []string{"152.5", "-57.5"} {
		p := testPosition(string(rune('a'+i)), day.Add(time.Hour))
		p.State = "CLOSED"
		p.RealizedPnL = decimal.RequireFromString(v)
		p.ClosedAt = day.Add(time.Duration(i+2) * time.Hour)
		require.NoError(t, j.RecordClose(ctx, p))
	}

	s, err := j.Summary(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Trades)
	assert.True(t, s.NetPnL.Equal(decimal.NewFromInt(95)))
	assert.InDelta(t, 0.5, s.WinRate, 1e-9)
}
