package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve upgrades every request and hands the connection to fn.
func serve(t *testing.T, fn func(*websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t0ken" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newClient(url string) *Client {
	c := New("test", url)
	c.Header = http.Header{"Authorization": []string{"Bearer t0ken"}}
	return c
}

func TestRunDeliversMessagesUntilPeerCloses(t *testing.T) {
	t.Parallel()

	url := serve(t, func(conn *websocket.Conn) {
		for _, m := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})

	var got []string
	err := newClient(url).Run(context.Background(), func(b []byte) { got = append(got, string(b)) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed by peer")
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	url := serve(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		done <- newClient(url).Run(ctx, func([]byte) { once.Do(cancel) })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunDialError(t *testing.T) {
	t.Parallel()

	url := serve(t, func(*websocket.Conn) {})
	c := New("test", url) // no auth header
	err := c.Run(context.Background(), func([]byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test: dial")
}
