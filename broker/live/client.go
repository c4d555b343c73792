// Package live talks to the execution venue over REST for orders and a
// websocket for pushed fills.
package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atfleming/tradestream/broker"
)

type Config struct {
	// BaseURL is the REST root, e.g. https://broker.example.com.
	BaseURL string

	// FillsURL is the websocket fill stream.
	FillsURL string
	Token    string

	// RateLimit is orders per second; 0 means unlimited.
	RateLimit   float64
	RateBurst   int
	HTTPTimeout time.Duration
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("live: missing base url")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("live: base url: %w", err)
	}
	if c.Token == "" {
		return errors.New("live: missing token")
	}
	if c.RateLimit < 0 {
		return errors.New("live: rate_limit must be >= 0")
	}
	return nil
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		limiter: lim,
		log:     log,
	}, nil
}

type orderBody struct {
	ClientOrderID string  `json:"client_order_id"`
	PositionID    string  `json:"position_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      int     `json:"quantity"`
	Type          string  `json:"type"`
	Kind          string  `json:"kind"`
	Price         float64 `json:"price,omitempty"`
}

type fillBody struct {
	Type       string    `json:"type,omitempty"`
	OrderID    string    `json:"order_id"`
	PositionID string    `json:"position_id"`
	Kind       string    `json:"kind"`
	Quantity   int       `json:"quantity"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
}

func (f fillBody) toFill() broker.Fill {
	return broker.Fill{
		PositionID: f.PositionID,
		OrderID:    f.OrderID,
		Path:       broker.Live,
		Kind:       broker.FillKind(strings.ToLower(f.Kind)),
		Quantity:   f.Quantity,
		Price:      f.Price,
		Time:       f.Time,
	}
}

// PlaceOrder submits req and returns the venue's fill. Rejections wrap
// broker.ErrOrderRejected; everything else wraps broker.ErrUnavailable.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	if err := req.Validate(); err != nil {
		return broker.Fill{}, fmt.Errorf("live: %w: %w", broker.ErrOrderRejected, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return broker.Fill{}, fmt.Errorf("live: rate limit: %w: %w", broker.ErrUnavailable, err)
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	body := orderBody{
		ClientOrderID: clientID,
		PositionID:    req.PositionID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		Type:          string(req.Type),
		Kind:          string(req.Kind),
	}
	if req.Type == broker.Stop {
		body.Price = req.RefPrice
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return broker.Fill{}, err
	}

	var fb fillBody
	if err := c.do(ctx, http.MethodPost, "/v1/orders", bytes.NewReader(buf), &fb); err != nil {
		return broker.Fill{}, err
	}
	if fb.PositionID == "" {
		fb.PositionID = req.PositionID
	}
	if fb.Kind == "" {
		fb.Kind = string(req.Kind)
	}
	c.log.Info("live order filled",
		zap.String("position_id", fb.PositionID),
		zap.String("client_order_id", body.ClientOrderID),
		zap.String("kind", fb.Kind),
		zap.Int("quantity", fb.Quantity),
		zap.Float64("price", fb.Price),
	)
	return fb.toFill(), nil
}

func (c *Client) PositionStatus(ctx context.Context, positionID string) ([]broker.Fill, error) {
	var out struct {
		Fills []fillBody `json:"fills"`
	}
	path := "/v1/positions/" + url.PathEscape(positionID) + "/fills"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	fills := make([]broker.Fill, 0, len(out.Fills))
	for _, f := range out.Fills {
		if f.PositionID == "" {
			f.PositionID = positionID
		}
		fills = append(fills, f.toFill())
	}
	return fills, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("live %s %s: %w: %w", method, path, broker.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		kind := broker.ErrUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = broker.ErrOrderRejected
		}
		return fmt.Errorf("live %s %s: %w: http %d: %s", method, path, kind, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("live %s %s: %w: decode: %w", method, path, broker.ErrUnavailable, err)
	}
	return nil
}
