package market

import (
	"context"
	"strings"
	"sync"
)

// Publisher accepts ticks from a price source.
type Publisher interface {
	Publish(Tick)
}

// Source feeds ticks into a Publisher until ctx is done or it runs dry.
type Source interface {
	Run(ctx context.Context, pub Publisher) error
}

type subscriber struct {
	ch chan Tick
}

// Hub fans ticks out to per-position subscriptions. A slow subscriber loses
// its oldest buffered tick rather than blocking the feed; the dropped tick's
// range is folded into the one queued in its place.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	store  *TickStore
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		store:  NewTickStore(),
		buffer: buffer,
	}
}

func key(symbol string) string { return strings.ToUpper(symbol) }

// Subscribe returns a channel of ticks for symbol and a function that ends
// the subscription and closes the channel.
func (h *Hub) Subscribe(symbol string) (<-chan Tick, func()) {
	s := &subscriber{ch: make(chan Tick, h.buffer)}
	k := key(symbol)

	h.mu.Lock()
	if h.subs[k] == nil {
		h.subs[k] = make(map[*subscriber]struct{})
	}
	h.subs[k][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[k], s)
			if len(h.subs[k]) == 0 {
				delete(h.subs, k)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

func (h *Hub) Publish(t Tick) {
	t.Symbol = key(t.Symbol)
	h.store.Set(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[t.Symbol] {
		deliver(s.ch, t)
	}
}

func deliver(ch chan Tick, t Tick) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		// Full: drop the oldest and retry.
		select {
		case old := <-ch:
			t = t.Absorb(old)
		default:
		}
	}
}

// Latest returns the most recent tick published for symbol.
func (h *Hub) Latest(symbol string) (Tick, error) {
	return h.store.Get(key(symbol))
}

// Subscribers reports how many subscriptions symbol has.
func (h *Hub) Subscribers(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key(symbol)])
}
