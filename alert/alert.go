package alert

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the trade side of an alert. The numeric value is the P&L sign.
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) Sign() float64 { return float64(d) }

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// SizeClass is the ordinal tier letter carried by an alert.
type SizeClass string

const (
	ClassA SizeClass = "A"
	ClassB SizeClass = "B"
	ClassC SizeClass = "C"
)

// Alert is a parsed trade signal. It is never mutated after parsing; positions
// keep a pointer to the alert that spawned them.
type Alert struct {
	Symbol     string
	Direction  Direction
	EntryPrice float64
	StopPrice  float64
	SizeClass  SizeClass

	Target1 float64
	Target2 float64

	SourceTimestamp time.Time
	MessageID       string
	RawText         string
}

// Risk is the per-unit distance between entry and stop.
func (a Alert) Risk() float64 {
	return (a.EntryPrice - a.StopPrice) * a.Direction.Sign()
}

// RiskReward returns reward:risk for each target. Both are zero when the alert
// carries no risk.
func (a Alert) RiskReward() (rr1, rr2 float64) {
	risk := a.Risk()
	if risk <= 0 {
		return 0, 0
	}
	s := a.Direction.Sign()
	return (a.Target1 - a.EntryPrice) * s / risk, (a.Target2 - a.EntryPrice) * s / risk
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %s %.2f stop %.2f size %s t1 %.2f t2 %.2f",
		a.Symbol, a.Direction, a.EntryPrice, a.StopPrice, a.SizeClass, a.Target1, a.Target2)
}
