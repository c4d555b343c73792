// Package wsclient runs a single read loop over a gorilla websocket
// connection. Reconnection is left to the caller.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Client struct {
	Name   string
	URL    string
	Header http.Header

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64

	Dialer *websocket.Dialer
	Log    *zap.Logger
}

func New(name, url string) *Client {
	return &Client{
		Name:         name,
		URL:          url,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		ReadLimit:    1 << 20,
		Dialer:       websocket.DefaultDialer,
		Log:          zap.NewNop(),
	}
}

// Run dials, then calls handle for every text or binary message until ctx is
// done or the connection fails. A nil return means ctx was cancelled.
func (c *Client) Run(ctx context.Context, handle func([]byte)) error {
	conn, _, err := c.Dialer.DialContext(ctx, c.URL, c.Header)
	if err != nil {
		return fmt.Errorf("%s: dial %s: %w", c.Name, c.URL, err)
	}
	c.Log.Info("websocket connected", zap.String("name", c.Name), zap.String("url", c.URL))

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(c.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.WriteTimeout))
				writeMu.Unlock()
				closeConn()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.WriteTimeout))
				writeMu.Unlock()
				if err != nil {
					closeConn()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(c.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New(c.Name + ": connection closed by peer")
			}
			return fmt.Errorf("%s: read: %w", c.Name, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		handle(msg)
	}
}
