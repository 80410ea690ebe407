package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"arbiflow/models"
)

// Base carries the lifecycle state every exchange connector shares: the
// connection identifier, the atomic status machine, per-connector activity
// counters and the per-symbol book store. Exchange implementations embed
// it and add their transport.
type Base struct {
	exchange string
	connID   string

	status       atomic.Int32
	messages     atomic.Int64
	priceUpdates atomic.Int64
	connectedAt  atomic.Int64 // unix seconds, zero until first connect

	booksMu sync.RWMutex
	books   map[string]*Book

	tradesMu   sync.RWMutex
	lastTrades map[string]models.Trade
}

// NewBase creates the shared state for a connector. The connection id is
// stable for the connector's lifetime and never reused for a different
// socket.
func NewBase(exchange, connID string) *Base {
	return &Base{
		exchange:   exchange,
		connID:     connID,
		books:      make(map[string]*Book),
		lastTrades: make(map[string]models.Trade),
	}
}

func (b *Base) Exchange() string     { return b.exchange }
func (b *Base) ConnectionID() string { return b.connID }

func (b *Base) Status() Status {
	return Status(b.status.Load())
}

func (b *Base) SetStatus(s Status) {
	b.status.Store(int32(s))
}

// CompareStatus transitions from old to new atomically, reporting whether
// the transition happened.
func (b *Base) CompareStatus(old, new Status) bool {
	return b.status.CompareAndSwap(int32(old), int32(new))
}

// BeginReconnect enters Reconnecting unless the connector is Disconnected
// (nothing to reconnect) or already Reconnecting (second trigger is a
// no-op). Reports whether this caller won the transition.
func (b *Base) BeginReconnect() bool {
	for {
		cur := b.status.Load()
		if cur == int32(StatusDisconnected) || cur == int32(StatusReconnecting) {
			return false
		}
		if b.status.CompareAndSwap(cur, int32(StatusReconnecting)) {
			return true
		}
	}
}

// MarkConnected records the first successful connect for uptime tracking.
func (b *Base) MarkConnected() {
	b.connectedAt.CompareAndSwap(0, time.Now().Unix())
}

func (b *Base) RecordMessage()     { b.messages.Add(1) }
func (b *Base) RecordPriceUpdate() { b.priceUpdates.Add(1) }

// Book returns the live book for symbol, creating it on first use.
func (b *Base) Book(symbol string) *Book {
	b.booksMu.RLock()
	book, ok := b.books[symbol]
	b.booksMu.RUnlock()
	if ok {
		return book
	}

	b.booksMu.Lock()
	defer b.booksMu.Unlock()
	if book, ok = b.books[symbol]; !ok {
		book = NewBook(b.exchange, symbol)
		b.books[symbol] = book
	}
	return book
}

// RecordTrade stores the most recent normalized trade for its symbol.
func (b *Base) RecordTrade(t models.Trade) {
	b.tradesMu.Lock()
	b.lastTrades[t.Symbol] = t
	b.tradesMu.Unlock()
}

// LastTrade returns a copy of the most recent trade seen for symbol, or
// false when no trade has been received yet.
func (b *Base) LastTrade(symbol string) (models.Trade, bool) {
	b.tradesMu.RLock()
	t, ok := b.lastTrades[symbol]
	b.tradesMu.RUnlock()
	return t, ok
}

// OrderbookSnapshot returns a copy of the latest book for symbol, or nil
// when nothing has been received for it yet. In-memory only; never blocks
// on the network.
func (b *Base) OrderbookSnapshot(symbol string) *models.OrderbookSnapshot {
	b.booksMu.RLock()
	book, ok := b.books[symbol]
	b.booksMu.RUnlock()
	if !ok {
		return nil
	}
	return book.Snapshot()
}

// Stats summarises this connector's activity. It fails when the connector
// was never connected.
func (b *Base) Stats() (Stats, error) {
	connectedAt := b.connectedAt.Load()
	if connectedAt == 0 {
		return Stats{}, ErrNotConnected
	}
	return Stats{
		MessagesReceived: b.messages.Load(),
		PriceUpdates:     b.priceUpdates.Load(),
		UptimeSeconds:    time.Now().Unix() - connectedAt,
	}, nil
}

// PlaceOrder always fails with ErrNotImplemented, for every exchange,
// without partially executing anything.
func (b *Base) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return nil, ErrNotImplemented
}
