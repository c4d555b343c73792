package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/internal/wsclient"
)

// Fills connects to the venue's fill stream. HEARTBEAT messages and
// undecodable frames are skipped. The channel is closed when the connection
// ends or ctx is done.
func (c *Client) Fills(ctx context.Context) (<-chan broker.Fill, error) {
	if c.cfg.FillsURL == "" {
		return nil, errors.New("live: missing fills stream url")
	}

	ws := wsclient.New("live-fills", c.cfg.FillsURL)
	ws.Header = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	ws.Log = c.log

	out := make(chan broker.Fill, 64)
	go func() {
		defer close(out)
		err := ws.Run(ctx, func(msg []byte) {
			var fb fillBody
			if err := json.Unmarshal(msg, &fb); err != nil {
				c.log.Warn("live fill stream: bad message", zap.Error(err), zap.ByteString("msg", trimForLog(msg)))
				return
			}
			if strings.EqualFold(fb.Type, "HEARTBEAT") {
				return
			}
			if fb.PositionID == "" || fb.Quantity < 0 {
				c.log.Warn("live fill stream: incomplete fill", zap.ByteString("msg", trimForLog(msg)))
				return
			}
			select {
			case out <- fb.toFill():
			case <-ctx.Done():
			}
		})
		if err != nil {
			c.log.Error("live fill stream ended", zap.Error(err))
		}
	}()
	return out, nil
}

func trimForLog(b []byte) []byte {
	const n = 200
	if len(b) <= n {
		return b
	}
	return b[:n]
}
