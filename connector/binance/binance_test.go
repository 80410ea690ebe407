package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"arbiflow/connector"
	"arbiflow/internal/state"

	"github.com/gorilla/websocket"
)

// mockWSServer runs a local websocket endpoint, handing each accepted
// connection to handler with a 1-based connection number.
func mockWSServer(t *testing.T, handler func(id int, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	count := 0

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mu.Lock()
		count++
		id := count
		mu.Unlock()

		handler(id, conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	cfg := connector.Config{
		WebsocketURL:         "wss://fstream.binance.com/stream",
		RestURL:              "https://fapi.binance.com",
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		PingInterval:         30 * time.Second,
		RequestTimeout:       10 * time.Second,
	}
	return NewConnector(cfg, state.New())
}

func TestHandleDepthUpdate(t *testing.T) {
	c := newTestConnector(t)

	msg := []byte(`{
		"stream": "btcusdt@depth",
		"data": {
			"e": "depthUpdate",
			"s": "BTCUSDT",
			"u": 42,
			"b": [["100.0", "1.5"], ["99.5", "2.0"]],
			"a": [["100.0001", "0.5"], ["100.5", "1.0"]]
		}
	}`)
	c.handleMessage(msg)

	snap := c.OrderbookSnapshot("BTCUSDT")
	if snap == nil {
		t.Fatalf("expected a book snapshot after depth update")
	}
	if snap.BestBid != 100.0 {
		t.Fatalf("expected best bid 100.0, got %v", snap.BestBid)
	}
	if snap.BestAsk != 100.0001 {
		t.Fatalf("expected best ask 100.0001, got %v", snap.BestAsk)
	}
	if snap.LastUpdateID != 42 {
		t.Fatalf("expected update id 42, got %d", snap.LastUpdateID)
	}
	if snap.Timestamp.IsZero() {
		t.Fatalf("expected a non-zero snapshot timestamp")
	}

	c.MarkConnected()
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.MessagesReceived != 1 || stats.PriceUpdates != 1 {
		t.Fatalf("wrong counters after one depth update: %+v", stats)
	}
}

func TestHandleDepthUpdateRemovesLevels(t *testing.T) {
	c := newTestConnector(t)

	c.handleMessage([]byte(`{"stream":"ethusdt@depth","data":{"e":"depthUpdate","s":"ETHUSDT","u":1,"b":[["2000","1"],["1999","2"]],"a":[["2001","1"]]}}`))
	c.handleMessage([]byte(`{"stream":"ethusdt@depth","data":{"e":"depthUpdate","s":"ETHUSDT","u":2,"b":[["2000","0"]],"a":[]}}`))

	snap := c.OrderbookSnapshot("ETHUSDT")
	if snap == nil || snap.BestBid != 1999 {
		t.Fatalf("expected best bid 1999 after removal, got %+v", snap)
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	c := newTestConnector(t)

	c.handleMessage([]byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT","u":1,"b":[["not-a-price","1"]],"a":[]}}`))
	c.handleMessage([]byte(`not json`))

	if snap := c.OrderbookSnapshot("BTCUSDT"); snap != nil {
		t.Fatalf("malformed update must not populate the book, got %+v", snap)
	}
}

func TestAckDispatch(t *testing.T) {
	c := newTestConnector(t)

	ack := make(chan struct{})
	c.pendingMu.Lock()
	c.pending[7] = ack
	c.pendingMu.Unlock()

	c.handleMessage([]byte(`{"id":7,"result":null}`))

	select {
	case <-ack:
	default:
		t.Fatalf("expected ack channel to be closed")
	}

	c.pendingMu.Lock()
	_, still := c.pending[7]
	c.pendingMu.Unlock()
	if still {
		t.Fatalf("acked request must be removed from the pending map")
	}
}

func TestPlaceOrderRefused(t *testing.T) {
	c := newTestConnector(t)

	resp, err := c.PlaceOrder(context.Background(), connector.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     connector.OrderSideBuy,
		Type:     connector.OrderTypeMarket,
		Quantity: 1,
	})
	if resp != nil || !errors.Is(err, connector.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got resp=%v err=%v", resp, err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	c := newTestConnector(t)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect on a never-connected connector must succeed: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect must also succeed: %v", err)
	}
	if c.Status() != connector.StatusDisconnected {
		t.Fatalf("expected Disconnected, got %s", c.Status())
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c := newTestConnector(t)

	err := c.Subscribe(context.Background(), connector.SubscriptionRequest{
		Symbols:   []string{"BTCUSDT"},
		DataTypes: []connector.DataType{connector.DataTypeOrderbook},
	})
	if !errors.Is(err, connector.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}
	var subErr *connector.SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError wrapper, got %T", err)
	}
}

func TestReadErrorRecoversWithFreshSocket(t *testing.T) {
	stop := make(chan struct{})
	srv := mockWSServer(t, func(id int, conn *websocket.Conn) {
		if id == 1 {
			// fail the client's first read immediately
			return
		}
		<-stop
	})
	defer srv.Close()
	defer close(stop)

	cfg := connector.Config{
		WebsocketURL:         wsURL(srv),
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 10,
		PingInterval:         time.Second,
		RequestTimeout:       time.Second,
	}
	c := NewConnector(cfg, state.New())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	// the first socket dies under the read loop; the connector must park
	// until the reconnect installs a fresh one instead of hammering the
	// dead socket
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == connector.StatusActive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connector did not recover after read failure, status %s", c.Status())
}

func TestReconnectExhaustionCancelsRunContext(t *testing.T) {
	cfg := connector.Config{
		WebsocketURL:         "ws://127.0.0.1:1",
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 2,
		PingInterval:         time.Second,
		RequestTimeout:       100 * time.Millisecond,
	}
	c := NewConnector(cfg, state.New())
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.SetStatus(connector.StatusReconnecting)

	c.wg.Add(1)
	c.reconnect()

	if c.Status() != connector.StatusDisconnected {
		t.Fatalf("expected Disconnected after giving up, got %s", c.Status())
	}
	if c.runCtx.Err() == nil {
		t.Fatalf("giving up on reconnects must cancel the run context")
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect after giving up failed: %v", err)
	}
}

func TestDisconnectCancelsRunContext(t *testing.T) {
	c := newTestConnector(t)
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.SetStatus(connector.StatusDisconnected)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if c.runCtx.Err() == nil {
		t.Fatalf("disconnect must cancel the run context regardless of status")
	}
}

func TestReconnectRespectsDisconnect(t *testing.T) {
	cfg := connector.Config{
		WebsocketURL:         "ws://127.0.0.1:1",
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 5,
		PingInterval:         time.Second,
		RequestTimeout:       100 * time.Millisecond,
	}
	c := NewConnector(cfg, state.New())
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()
	c.SetStatus(connector.StatusDisconnected)

	c.wg.Add(1)
	c.reconnect()

	if c.Status() != connector.StatusDisconnected {
		t.Fatalf("reconnect must not overwrite a disconnect, got %s", c.Status())
	}
}

func TestHandleAggTrade(t *testing.T) {
	c := newTestConnector(t)

	msg := []byte(`{
		"stream": "btcusdt@aggTrade",
		"data": {
			"e": "aggTrade",
			"s": "BTCUSDT",
			"a": 77,
			"p": "100.5",
			"q": "0.25",
			"T": 1700000000000,
			"m": true
		}
	}`)
	c.handleMessage(msg)

	trade, ok := c.LastTrade("BTCUSDT")
	if !ok {
		t.Fatalf("expected a recorded trade for BTCUSDT")
	}
	if trade.Price != 100.5 || trade.Quantity != 0.25 {
		t.Fatalf("unexpected trade %v/%v", trade.Price, trade.Quantity)
	}
	if trade.Side != "sell" {
		t.Fatalf("buyer-maker trade must record a sell aggressor, got %q", trade.Side)
	}
	if trade.TradeID != "77" {
		t.Fatalf("unexpected trade id %q", trade.TradeID)
	}
	if got := trade.Timestamp.UnixMilli(); got != 1700000000000 {
		t.Fatalf("unexpected trade time %d", got)
	}
	if snap := c.OrderbookSnapshot("BTCUSDT"); snap != nil {
		t.Fatalf("trade events must not touch the order book")
	}
}
