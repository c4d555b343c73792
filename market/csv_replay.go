package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// CSVReplay publishes ticks from a file with columns
//
//	time,symbol,price[,high,low]
//
// A header row is allowed. Time is RFC3339. With Speed > 0 the gaps between
// rows are replayed scaled by 1/Speed; otherwise rows are published back to
// back.
type CSVReplay struct {
	Path  string
	Speed float64

	sleep func(context.Context, time.Duration) error
}

func (r *CSVReplay) Run(ctx context.Context, pub Publisher) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.replay(ctx, f, pub)
}

func (r *CSVReplay) replay(ctx context.Context, src io.Reader, pub Publisher) error {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var prev time.Time
	line := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		if len(row) == 0 {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "time") {
			continue
		}

		t, err := parseTickRow(row)
		if err != nil {
			return fmt.Errorf("replay line %d: %w", line, err)
		}
		if r.Speed > 0 && !prev.IsZero() && t.Time.After(prev) {
			d := time.Duration(float64(t.Time.Sub(prev)) / r.Speed)
			if err := sleep(ctx, d); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		prev = t.Time
		pub.Publish(t)
	}
}

func parseTickRow(row []string) (Tick, error) {
	if len(row) < 3 {
		return Tick{}, fmt.Errorf("want at least 3 columns, got %d", len(row))
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(row[0]))
	if err != nil {
		return Tick{}, fmt.Errorf("time: %w", err)
	}
	t := Tick{Symbol: strings.TrimSpace(row[1]), Time: ts}
	if t.Price, err = parseFloat(row[2]); err != nil {
		return Tick{}, fmt.Errorf("price: %w", err)
	}
	if t.Price <= 0 {
		return Tick{}, fmt.Errorf("price: must be positive, got %q", row[2])
	}
	if len(row) >= 5 {
		if t.High, err = parseFloat(row[3]); err != nil {
			return Tick{}, fmt.Errorf("high: %w", err)
		}
		if t.Low, err = parseFloat(row[4]); err != nil {
			return Tick{}, fmt.Errorf("low: %w", err)
		}
	}
	return t, nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
