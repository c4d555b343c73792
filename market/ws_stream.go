package market

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atfleming/tradestream/internal/wsclient"
)

// WSStream reads JSON price messages from a websocket:
//
//	{"type":"PRICE","symbol":"ES","price":6326.25,"high":6327,"low":6325.5,"time":"..."}
//
// HEARTBEAT messages are skipped.
type WSStream struct {
	URL string
	Log *zap.Logger
}

type priceMsg struct {
	Type   string    `json:"type"`
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Time   time.Time `json:"time"`
}

func (s *WSStream) Run(ctx context.Context, pub Publisher) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	ws := wsclient.New("prices", s.URL)
	ws.Log = log

	return ws.Run(ctx, func(b []byte) {
		var m priceMsg
		if err := json.Unmarshal(b, &m); err != nil {
			log.Warn("price stream: bad message", zap.Error(err))
			return
		}
		if strings.EqualFold(m.Type, "HEARTBEAT") {
			return
		}
		if m.Symbol == "" || m.Price <= 0 {
			return
		}
		if m.Time.IsZero() {
			m.Time = time.Now().UTC()
		}
		pub.Publish(Tick{Symbol: m.Symbol, Price: m.Price, High: m.High, Low: m.Low, Time: m.Time})
	})
}
