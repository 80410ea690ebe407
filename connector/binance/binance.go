// Package binance implements the connector contract against the Binance
// futures websocket combined stream, with REST order book seeding.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arbiflow/connector"
	"arbiflow/internal/state"
	"arbiflow/logger"
	"arbiflow/models"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Connector streams depth and trade data for its subscribed symbols and
// maintains a local book per symbol. One instance owns one websocket.
type Connector struct {
	*connector.Base

	config connector.Config
	state  *state.AppState
	log    *logger.Log

	rest    *futures.Client
	limiter *rate.Limiter

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu      sync.Mutex
	subscribed map[string]map[connector.DataType]struct{}
	depth      int
	fastDepth  bool

	pendingMu sync.Mutex
	pending   map[int64]chan struct{}
	reqID     atomic.Int64
}

// NewConnector creates a Binance connector registered under the
// "binance-futures" connection id.
func NewConnector(cfg connector.Config, appState *state.AppState) *Connector {
	restRate := rate.Limit(cfg.RestRate)
	if restRate <= 0 {
		restRate = rate.Limit(2)
	}
	rest := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	rest.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.RestURL != "" {
		rest.BaseURL = cfg.RestURL
	}

	return &Connector{
		Base:       connector.NewBase("binance", "binance-futures"),
		config:     cfg,
		state:      appState,
		log:        logger.GetLogger(),
		rest:       rest,
		limiter:    rate.NewLimiter(restRate, 1),
		subscribed: make(map[string]map[connector.DataType]struct{}),
		pending:    make(map[int64]chan struct{}),
	}
}

// Connect dials the combined stream endpoint and starts the receive loop,
// the ping loop and the reconnect-signal watcher. On success the
// connection id is registered in shared state.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.CompareStatus(connector.StatusDisconnected, connector.StatusConnecting) {
		return &connector.ConnectionError{Exchange: "binance", Err: fmt.Errorf("already connected (status %s)", c.Status())}
	}

	log := c.log.WithComponent("binance_connector")

	conn, err := c.dial(ctx)
	if err != nil {
		c.SetStatus(connector.StatusDisconnected)
		return &connector.ConnectionError{Exchange: "binance", Err: err}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.state.Register(c.ConnectionID())
	c.MarkConnected()
	c.SetStatus(connector.StatusConnected)

	c.wg.Add(3)
	go c.readLoop()
	go c.pingLoop()
	go c.watchReconnectSignal()

	log.WithFields(logger.Fields{
		"url":        c.config.WebsocketURL,
		"connection": c.ConnectionID(),
	}).Info("binance connector connected")
	return nil
}

// Disconnect tears the transport down and stops all owned goroutines. It
// is safe to call when never connected and safe to call twice; a
// disconnect racing a reconnect wins. The run context is always cancelled,
// even when a failed reconnect already parked the status in Disconnected.
func (c *Connector) Disconnect() error {
	c.SetStatus(connector.StatusDisconnected)

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()

	c.log.WithComponent("binance_connector").Info("binance connector disconnected")
	return nil
}

// Subscribe sends SUBSCRIBE frames for the requested symbols and waits for
// the acknowledgment. Calls are additive: new symbols extend the
// subscribed set. Order book subscriptions are seeded from a REST
// snapshot so deltas apply to a complete book.
func (c *Connector) Subscribe(ctx context.Context, req connector.SubscriptionRequest) error {
	switch c.Status() {
	case connector.StatusConnected, connector.StatusActive, connector.StatusSubscribing:
	default:
		return &connector.SubscriptionError{Exchange: "binance", Err: connector.ErrNotConnected}
	}
	c.CompareStatus(connector.StatusConnected, connector.StatusSubscribing)

	streams := c.streamNames(req)
	if len(streams) == 0 {
		return &connector.SubscriptionError{Exchange: "binance", Err: fmt.Errorf("no streams requested")}
	}

	if err := c.sendSubscribe(ctx, streams); err != nil {
		return err
	}

	c.subMu.Lock()
	if req.DepthLevel > 0 {
		c.depth = req.DepthLevel
	}
	if req.UpdateSpeed == connector.UpdateSpeedFast {
		c.fastDepth = true
	}
	for _, symbol := range req.Symbols {
		sym := strings.ToUpper(symbol)
		if c.subscribed[sym] == nil {
			c.subscribed[sym] = make(map[connector.DataType]struct{})
		}
		for _, dt := range req.DataTypes {
			c.subscribed[sym][dt] = struct{}{}
		}
	}
	c.subMu.Unlock()

	for _, symbol := range req.Symbols {
		for _, dt := range req.DataTypes {
			if dt == connector.DataTypeOrderbook {
				sym := strings.ToUpper(symbol)
				c.wg.Add(1)
				go c.seedBook(sym)
			}
		}
	}

	c.SetStatus(connector.StatusActive)
	c.log.WithComponent("binance_connector").WithFields(logger.Fields{
		"streams": streams,
	}).Info("subscribed to streams")
	return nil
}

// HealthCheck probes liveness from the connection's idle time and a
// websocket ping. A stale or closed connection is an unhealthy false, not
// an error; the probe errors only when the connector was never connected.
func (c *Connector) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := c.Stats(); err != nil {
		return false, err
	}

	switch c.Status() {
	case connector.StatusDisconnected, connector.StatusReconnecting:
		return false, nil
	}

	idle := c.state.ConnectionIdleTime(c.ConnectionID())
	if idle > 2*c.config.PingInterval {
		return false, nil
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return false, nil
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.RequestTimeout)
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.RequestTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.config.WebsocketURL, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, connector.ErrTimeout
		}
		return nil, err
	}
	return conn, nil
}

func (c *Connector) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// dropConn closes and clears the current socket only if it is still the
// one that failed, so a fresh socket installed by a racing reconnect
// survives.
func (c *Connector) dropConn(failed *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == failed {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// readLoop owns all inbound traffic for the socket. A read error while
// not disconnecting enters the reconnect path; the loop itself returns
// only when the connector shuts down.
func (c *Connector) readLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("binance_connector").WithFields(logger.Fields{"worker": "read_loop"})

	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil || c.runCtx.Err() != nil {
			if c.runCtx.Err() != nil {
				return
			}
			// reconnect in progress, wait for a fresh socket
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-c.runCtx.Done():
				return
			}
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.runCtx.Err() != nil || c.Status() == connector.StatusDisconnected {
				return
			}
			log.WithError(err).Warn("websocket read error")
			// never read a failed socket again; wait for a fresh one
			c.dropConn(conn)
			c.triggerReconnect("read error")
			continue
		}

		c.handleMessage(msg)
	}
}

// handleMessage dispatches one inbound frame. Malformed frames are counted
// and dropped; they never tear the connection down.
func (c *Connector) handleMessage(msg []byte) {
	c.state.Touch(c.ConnectionID())
	c.state.AddWebsocketMessages(1)
	c.RecordMessage()

	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		ID     *int64          `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		c.logDataError(&connector.DataError{Exchange: "binance", Err: err})
		return
	}

	// command acknowledgment
	if envelope.ID != nil {
		c.pendingMu.Lock()
		if ch, ok := c.pending[*envelope.ID]; ok {
			close(ch)
			delete(c.pending, *envelope.ID)
		}
		c.pendingMu.Unlock()
		return
	}

	if envelope.Stream == "" || len(envelope.Data) == 0 {
		return
	}

	// "a" is the ask array on depth events but the aggregate trade id on
	// trade events, so the two payloads decode through separate structs.
	var event struct {
		EventType string     `json:"e"`
		Symbol    string     `json:"s"`
		FinalID   int64      `json:"u"`
		Bids      [][]string `json:"b"`
		Asks      [][]string `json:"a"`
	}
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		c.logDataError(&connector.DataError{Exchange: "binance", Err: err})
		return
	}

	switch event.EventType {
	case "depthUpdate":
		c.applyDepth(event.Symbol, event.Bids, event.Asks, event.FinalID)
	case "trade", "aggTrade":
		c.applyTrade(envelope.Data)
	}
}

// applyTrade normalizes one trade event. Binance's maker flag means the
// buyer was the maker, so the aggressor side is sell when it is set.
func (c *Connector) applyTrade(data json.RawMessage) {
	var event struct {
		Symbol     string `json:"s"`
		Price      string `json:"p"`
		Quantity   string `json:"q"`
		TradeID    int64  `json:"a"`
		BuyerMaker bool   `json:"m"`
		TradeTime  int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		c.logDataError(&connector.DataError{Exchange: "binance", Err: err})
		return
	}

	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "binance", Symbol: event.Symbol, Err: fmt.Errorf("bad trade price %q: %w", event.Price, err)})
		return
	}
	qty, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "binance", Symbol: event.Symbol, Err: fmt.Errorf("bad trade quantity %q: %w", event.Quantity, err)})
		return
	}

	side := "buy"
	if event.BuyerMaker {
		side = "sell"
	}
	c.RecordTrade(models.Trade{
		Exchange:  "binance",
		Symbol:    event.Symbol,
		Price:     price,
		Quantity:  qty,
		Side:      side,
		TradeID:   strconv.FormatInt(event.TradeID, 10),
		Timestamp: time.UnixMilli(event.TradeTime),
	})
}

func (c *Connector) applyDepth(symbol string, rawBids, rawAsks [][]string, finalID int64) {
	bids, err := parseLevels(rawBids)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "binance", Symbol: symbol, Err: err})
		return
	}
	asks, err := parseLevels(rawAsks)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "binance", Symbol: symbol, Err: err})
		return
	}

	if err := c.Book(symbol).ApplyDelta(bids, asks, finalID); err != nil {
		c.logDataError(err)
		return
	}
	c.state.AddPriceUpdates(1)
	c.RecordPriceUpdate()
}

// seedBook fetches a REST depth snapshot so subsequent deltas apply to a
// complete book. Failures are logged and left for deltas to fill in.
func (c *Connector) seedBook(symbol string) {
	defer c.wg.Done()
	log := c.log.WithComponent("binance_connector").WithFields(logger.Fields{"symbol": symbol, "worker": "book_seeder"})

	ctx, cancel := context.WithTimeout(c.runCtx, c.config.RequestTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	limit := c.depth
	if limit == 0 {
		limit = 100
	}
	res, err := c.rest.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch orderbook snapshot")
		return
	}

	bids := make([]models.PriceLevel, 0, len(res.Bids))
	for _, b := range res.Bids {
		price, qty, err := b.Parse()
		if err != nil {
			log.WithError(err).Warn("failed to parse snapshot bid level")
			return
		}
		bids = append(bids, models.PriceLevel{Price: price, Quantity: qty})
	}
	asks := make([]models.PriceLevel, 0, len(res.Asks))
	for _, a := range res.Asks {
		price, qty, err := a.Parse()
		if err != nil {
			log.WithError(err).Warn("failed to parse snapshot ask level")
			return
		}
		asks = append(asks, models.PriceLevel{Price: price, Quantity: qty})
	}

	if err := c.Book(symbol).ReplaceLevels(bids, asks, res.LastUpdateID); err != nil {
		c.logDataError(err)
		return
	}
	c.state.AddPriceUpdates(1)
	c.RecordPriceUpdate()
	log.WithFields(logger.Fields{"bids": len(bids), "asks": len(asks)}).Info("orderbook seeded from snapshot")
}

func (c *Connector) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn != nil {
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.RequestTimeout))
			}
		}
	}
}

// watchReconnectSignal is the recovery task: it waits for fire-and-forget
// signals from the health manager and forces the socket through the
// reconnect path. Signals arriving while disconnected are dropped.
func (c *Connector) watchReconnectSignal() {
	defer c.wg.Done()

	sig, ok := c.state.ReconnectSignal(c.ConnectionID())
	if !ok {
		return
	}
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-sig:
			c.triggerReconnect("external reconnect signal")
		}
	}
}

// triggerReconnect enters the Reconnecting state exactly once per episode
// and runs the reconnect attempts in a fresh goroutine.
func (c *Connector) triggerReconnect(reason string) {
	if !c.BeginReconnect() {
		return
	}
	c.log.WithComponent("binance_connector").WithFields(logger.Fields{"reason": reason}).
		Warn("entering reconnect")

	c.wg.Add(1)
	go c.reconnect()
}

func (c *Connector) reconnect() {
	defer c.wg.Done()
	log := c.log.WithComponent("binance_connector").WithFields(logger.Fields{"worker": "reconnect"})

	c.closeConn()

	// Every transition below is a CAS from the state this loop last set, so
	// a concurrent Disconnect's StatusDisconnected is never overwritten.
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.runCtx.Done():
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		if !c.CompareStatus(connector.StatusReconnecting, connector.StatusConnecting) {
			return
		}

		conn, err := c.dial(c.runCtx)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
			if !c.CompareStatus(connector.StatusConnecting, connector.StatusReconnecting) {
				return
			}
			continue
		}

		if !c.CompareStatus(connector.StatusConnecting, connector.StatusConnected) {
			conn.Close()
			return
		}
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.state.Touch(c.ConnectionID())

		if err := c.resubscribe(); err != nil {
			log.WithError(err).Warn("failed to restore subscriptions")
			c.closeConn()
			if !c.CompareStatus(connector.StatusConnected, connector.StatusReconnecting) {
				return
			}
			continue
		}

		if !c.CompareStatus(connector.StatusConnected, connector.StatusActive) {
			c.closeConn()
			return
		}
		log.WithFields(logger.Fields{"attempt": attempt}).Info("reconnected successfully")
		return
	}

	log.Error("exhausted reconnect attempts, giving up")
	if c.CompareStatus(connector.StatusReconnecting, connector.StatusDisconnected) {
		c.cancel()
	}
}

func (c *Connector) resubscribe() error {
	c.subMu.Lock()
	req := connector.SubscriptionRequest{DepthLevel: c.depth}
	if c.fastDepth {
		req.UpdateSpeed = connector.UpdateSpeedFast
	}
	seen := make(map[connector.DataType]struct{})
	for sym, types := range c.subscribed {
		req.Symbols = append(req.Symbols, sym)
		for dt := range types {
			seen[dt] = struct{}{}
		}
	}
	for dt := range seen {
		req.DataTypes = append(req.DataTypes, dt)
	}
	c.subMu.Unlock()

	if len(req.Symbols) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.runCtx, c.config.RequestTimeout)
	defer cancel()
	return c.sendSubscribe(ctx, c.streamNames(req))
}

func (c *Connector) sendSubscribe(ctx context.Context, streams []string) error {
	id := c.reqID.Add(1)
	ack := make(chan struct{})
	c.pendingMu.Lock()
	c.pending[id] = ack
	c.pendingMu.Unlock()

	payload := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     id,
	}
	if err := c.writeJSON(payload); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return &connector.SubscriptionError{Exchange: "binance", Err: err}
	}

	timeout := time.NewTimer(c.config.RequestTimeout)
	defer timeout.Stop()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return &connector.SubscriptionError{Exchange: "binance", Err: ctx.Err()}
	case <-timeout.C:
		return fmt.Errorf("subscribe to %d streams: %w", len(streams), connector.ErrTimeout)
	}
}

func (c *Connector) writeJSON(v interface{}) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return connector.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Connector) streamNames(req connector.SubscriptionRequest) []string {
	depthSuffix := "@depth"
	if req.UpdateSpeed == connector.UpdateSpeedFast {
		depthSuffix = "@depth@100ms"
	}

	var streams []string
	for _, symbol := range req.Symbols {
		sym := strings.ToLower(symbol)
		for _, dt := range req.DataTypes {
			switch dt {
			case connector.DataTypeOrderbook:
				streams = append(streams, sym+depthSuffix)
			case connector.DataTypeTrade:
				streams = append(streams, sym+"@aggTrade")
			}
		}
	}
	return streams
}

func (c *Connector) logDataError(err error) {
	c.log.WithComponent("binance_connector").WithError(err).Warn("dropping invalid message")
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			return nil, fmt.Errorf("level needs price and quantity, got %d fields", len(l))
		}
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", l[0], err)
		}
		qty, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad quantity %q: %w", l[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
