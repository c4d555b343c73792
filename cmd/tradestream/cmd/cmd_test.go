package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atfleming/tradestream/config"
	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/market"
	"github.com/atfleming/tradestream/pipeline"
	"github.com/atfleming/tradestream/risk"
	"github.com/atfleming/tradestream/server"
)

// execute runs the root command with fresh flag values and captures output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cfgFile, journalDBPath, opsAddr = "", "", ""
	summaryFrom, summaryTo, eventsSince = "", "", ""
	eventsLimit = 50

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tradestream version "+version)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		stdin   string
		args    []string
		wantErr bool
		want    []string
	}{
		{
			name: "args",
			args: []string{"parse", "ES long 6326: A\nStop: 6316"},
			want: []string{"ES long 6326.00 stop 6316.00", "Target 1: 6333.00 (0.70R)", "Target 2: 6338.00 (1.20R)", "Quantity: 3"},
		},
		{
			name:  "stdin",
			stdin: "🚨 ES short 6400: C\nStop: 6410\n@everyone",
			args:  []string{"parse"},
			want:  []string{"ES short 6400.00", "Target 1: 6393.00", "Quantity: 1"},
		},
		{
			name:    "missing stop",
			args:    []string{"parse", "ES long 6326: A"},
			wantErr: true,
			want:    []string{"rejected: missing_field"},
		},
		{
			name:    "unknown size letter",
			args:    []string{"parse", "ES long 6326: D\nStop: 6316"},
			wantErr: true,
			want:    []string{"Quantity: rejected"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.stdin, tt.args...)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ts.yaml")

	out, err := execute(t, "", "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err = execute(t, "", "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "Mode:     paper")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("execution:\n  mode: shadow\n"), 0600))
	_, err = execute(t, "", "config", "validate", "-f", bad)
	assert.ErrorContains(t, err, "execution.mode")
}

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.NewSQLite(path)
	require.NoError(t, err)
	defer j.Close()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	opened := time.Date(2026, 3, 9, 10, 0, 0, 0, ny)
	ctx := context.Background()

	recs := []journal.PositionRecord{
		{ID: "pos_a", MessageID: "m-1", Path: "paper", Symbol: "ES", Direction: "long", Quantity: 3,
			EntryPrice: 6326, Stop: 6326, Target1: 6333, Target2: 6338, State: "CLOSED",
			RealizedPnL: decimal.NewFromInt(1550), Commission: decimal.Zero,
			OpenedAt: opened, ClosedAt: opened.Add(20 * time.Minute)},
		{ID: "pos_b", MessageID: "m-2", Path: "paper", Symbol: "ES", Direction: "short", Quantity: 1,
			EntryPrice: 6400, Stop: 6410, Target1: 6393, Target2: 6388, State: "STOPPED",
			RealizedPnL: decimal.NewFromInt(-500), Commission: decimal.Zero,
			OpenedAt: opened.Add(time.Hour), ClosedAt: opened.Add(90 * time.Minute)},
	}
	// Exits land before the final row, as the engine writes them.
	require.NoError(t, j.RecordExit(ctx, journal.ExitRecord{
		PositionID: "pos_a", OrderID: "paper_1", Kind: "target1", Quantity: 1, Price: 6333,
		PnL: decimal.NewFromInt(350), Time: opened.Add(5 * time.Minute),
		State: "PARTIALLY_CLOSED", Remaining: 2, Stop: 6326, RealizedPnL: decimal.NewFromInt(350),
	}))
	for _, r := range recs {
		require.NoError(t, j.RecordClose(ctx, r))
	}
	_, err = j.ClaimAlert(ctx, journal.AlertRecord{MessageID: "m-9", RawText: "hello", ReceivedAt: opened})
	require.NoError(t, err)
	require.NoError(t, j.MarkAlert(ctx, "m-9", journal.AlertRejected, "missing_field"))
	require.NoError(t, j.RecordEvent(ctx, journal.Event{
		Time: opened, Level: journal.Warn, Kind: journal.KindParseError, Code: "missing_field",
		Message: "no stop line", MessageID: "m-9",
	}))
	return path
}

func TestJournalCommands(t *testing.T) {
	db := seedJournal(t)

	out, err := execute(t, "", "journal", "summary", "--db", db, "--from", "2026-03-09")
	require.NoError(t, err)
	assert.Contains(t, out, "Performance 2026-03-09")
	assert.Contains(t, out, "Trades:        2 (1 won, 1 lost, 0 flat)")
	assert.Contains(t, out, "Net P&L:       $1050.00")

	out, err = execute(t, "", "journal", "summary", "--db", db, "--from", "2026-03-10", "--to", "2026-03-12")
	require.NoError(t, err)
	assert.Contains(t, out, "Trades:        0")

	_, err = execute(t, "", "journal", "summary", "--db", db, "--from", "2026-03-10", "--to", "2026-03-01")
	assert.Error(t, err)

	out, err = execute(t, "", "journal", "day", "2026-03-09", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "pos_a")
	assert.Contains(t, out, "STOPPED")

	out, err = execute(t, "", "journal", "day", "2026-03-08", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No positions closed on 2026-03-08")

	out, err = execute(t, "", "journal", "position", "pos_a", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Position pos_a (paper)")
	assert.Contains(t, out, "target1")
	assert.Contains(t, out, "paper_1")
	assert.Contains(t, out, "350.00")

	_, err = execute(t, "", "journal", "position", "pos_zzz", "--db", db)
	assert.Error(t, err)

	out, err = execute(t, "", "journal", "alert", "m-9", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Alert m-9: rejected")
	assert.Contains(t, out, "missing_field")

	out, err = execute(t, "", "journal", "events", "--db", db, "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, journal.KindParseError)
	assert.Contains(t, out, "no stop line")
}

func TestRiskResetCommand(t *testing.T) {
	limits := config.Default().RiskLimits()
	gate := risk.NewGate(limits)
	gate.Admit(risk.Candidate{Symbol: "ES", Quantity: 1})
	sched, err := pipeline.NewScheduler("0 0 18 * * *", time.UTC, gate, nil, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(server.New(server.Deps{Risk: gate, Sessions: sched}).R)
	defer ts.Close()

	out, err := execute(t, "", "risk", "show", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"trades_today": 1`)

	out, err = execute(t, "", "risk", "reset", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"trades_today": 0`)
	assert.Zero(t, gate.State().TradesToday)

	_, err = execute(t, "", "router", "resume", "--addr", ts.URL)
	assert.ErrorContains(t, err, "router not running")
}

type flakySource struct {
	mu    sync.Mutex
	fails int
	runs  int
}

func (f *flakySource) Run(_ context.Context, pub market.Publisher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if f.runs <= f.fails {
		return errors.New("websocket: close 1006 (abnormal closure)")
	}
	pub.Publish(market.Tick{Symbol: "ES", Price: 6326})
	return nil
}

func TestSupervisePricesReconnects(t *testing.T) {
	src := &flakySource{fails: 2}
	hub := market.NewHub(1)

	done := make(chan struct{})
	go func() {
		supervisePrices(context.Background(), src, hub, zap.NewNop(), time.Millisecond, 4*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish after the feed ended cleanly")
	}

	assert.Equal(t, 3, src.runs)
	tick, err := hub.Latest("ES")
	require.NoError(t, err)
	assert.Equal(t, 6326.0, tick.Price)
}

func TestSupervisePricesStopsOnCancel(t *testing.T) {
	src := &flakySource{fails: 1 << 30}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		supervisePrices(ctx, src, market.NewHub(1), zap.NewNop(), time.Millisecond, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor ignored cancel")
	}
}

func TestDayBounds(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	start, end, err := dayBounds(ny, "2026-03-08")
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour, end.Sub(start), "spring-forward day is short")
	assert.Equal(t, 0, start.Hour())

	_, _, err = dayBounds(ny, "03/08/2026")
	assert.Error(t, err)
}
