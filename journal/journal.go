package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord is one upstream message. MessageID is unique; claiming it twice
// is how duplicate deliveries are detected.
type AlertRecord struct {
	MessageID  string
	Symbol     string
	Direction  string
	EntryPrice float64
	StopPrice  float64
	SizeClass  string
	RawText    string
	ReceivedAt time.Time
	Status     string
	Reason     string
}

// Alert statuses.
const (
	AlertReceived = "received"
	AlertRejected = "rejected"
	AlertExecuted = "executed"
	AlertFailed   = "failed"
)

type PositionRecord struct {
	ID          string
	MessageID   string
	Path        string
	Symbol      string
	Direction   string
	Quantity    int
	Remaining   int
	EntryPrice  float64
	Stop        float64
	Target1     float64
	Target2     float64
	State       string
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
	OpenedAt    time.Time
	ClosedAt    time.Time // zero while open
}

// ExitRecord is one applied exit fill plus the position state it produced.
type ExitRecord struct {
	PositionID string
	OrderID    string
	Kind       string
	Quantity   int
	Price      float64
	PnL        decimal.Decimal
	Time       time.Time

	State       string
	Remaining   int
	Stop        float64
	RealizedPnL decimal.Decimal
}

type Level string

const (
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

// Event kinds. Code carries the specific reason within a kind.
const (
	KindParseError        = "parse_error"
	KindSizeError         = "size_error"
	KindRejected          = "rejected"
	KindDuplicate         = "duplicate_alert"
	KindExecutionError    = "execution_error"
	KindStaleFeed         = "stale_feed"
	KindUnknownFill       = "unknown_fill"
	KindCircuitOpen       = "circuit_open"
	KindEnginePaused      = "engine_paused"
	KindUnknownAtShutdown = "unknown_at_shutdown"
	KindExitError         = "exit_error"
	KindRiskReset         = "risk_reset"
)

type Event struct {
	ID         int64
	Time       time.Time
	Level      Level
	Kind       string
	Code       string
	Message    string
	PositionID string
	MessageID  string
}

// Recorder receives the lifecycle of every position. Callers log failures and
// carry on; a recorder error never blocks trading.
type Recorder interface {
	RecordOpen(ctx context.Context, p PositionRecord) error
	RecordExit(ctx context.Context, e ExitRecord) error
	RecordClose(ctx context.Context, p PositionRecord) error
	RecordEvent(ctx context.Context, e Event) error
	Close() error
}

// Store adds alert idempotency to a Recorder.
type Store interface {
	Recorder
	ClaimAlert(ctx context.Context, a AlertRecord) (bool, error)
	MarkAlert(ctx context.Context, messageID, status, reason string) error
}
