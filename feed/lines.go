package feed

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/atfleming/tradestream/pkg/id"
)

// Lines reads messages from a stream, one per blank-line separated block.
// It backs the stdin feed and file-driven dry runs. Run returns as soon as
// ctx is done even while a read is blocked; the reading goroutine then ends
// at the next line or EOF.
type Lines struct {
	R       io.Reader
	Channel string
	now     func() time.Time
}

func (l *Lines) Run(ctx context.Context, handle func(Message)) error {
	now := l.now
	if now == nil {
		now = time.Now
	}
	var block []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(block, "\n"))
		block = block[:0]
		if text == "" {
			return
		}
		handle(Message{
			ID:      id.Prefixed("line"),
			Channel: l.Channel,
			Text:    text,
			Time:    now(),
		})
	}

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			errc <- err
			close(lines)
		}()
		sc := bufio.NewScanner(l.R)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		err = sc.Err()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					return err
				}
				if ctx.Err() == nil {
					flush()
				}
				return nil
			}
			if strings.TrimSpace(line) == "" {
				flush()
				continue
			}
			block = append(block, line)
		}
	}
}
