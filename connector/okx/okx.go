// Package okx implements the connector contract against the OKX v5 public
// websocket. Order books use the books5 channel, which delivers a full
// five-level snapshot per message, so no REST seeding is needed.
package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"arbiflow/connector"
	"arbiflow/internal/state"
	"arbiflow/logger"
	"arbiflow/models"

	"github.com/gorilla/websocket"
)

// Connector streams books5 and trades data for its subscribed instruments.
type Connector struct {
	*connector.Base

	config connector.Config
	state  *state.AppState
	log    *logger.Log

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu      sync.Mutex
	subscribed map[string]map[connector.DataType]struct{}

	ackMu   sync.Mutex
	pending map[string]chan struct{}
}

// NewConnector creates an OKX connector registered under the "okx-spot"
// connection id.
func NewConnector(cfg connector.Config, appState *state.AppState) *Connector {
	return &Connector{
		Base:       connector.NewBase("okx", "okx-spot"),
		config:     cfg,
		state:      appState,
		log:        logger.GetLogger(),
		subscribed: make(map[string]map[connector.DataType]struct{}),
		pending:    make(map[string]chan struct{}),
	}
}

// Connect dials the public endpoint and starts the receive loop, the text
// ping loop and the reconnect-signal watcher.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.CompareStatus(connector.StatusDisconnected, connector.StatusConnecting) {
		return &connector.ConnectionError{Exchange: "okx", Err: fmt.Errorf("already connected (status %s)", c.Status())}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.SetStatus(connector.StatusDisconnected)
		return &connector.ConnectionError{Exchange: "okx", Err: err}
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

	c.log.WithComponent("okx_connector").WithFields(logger.Fields{
		"url":        c.config.WebsocketURL,
		"connection": c.ConnectionID(),
	}).Info("okx connector connected")
	return nil
}

// Disconnect closes the transport and stops all owned goroutines,
// idempotently. The run context is always cancelled, even when a failed
// reconnect already parked the status in Disconnected.
func (c *Connector) Disconnect() error {
	c.SetStatus(connector.StatusDisconnected)

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()

	c.log.WithComponent("okx_connector").Info("okx connector disconnected")
	return nil
}

// Subscribe sends one subscribe op for all requested channels and waits
// for each acknowledgment. Calls are additive.
func (c *Connector) Subscribe(ctx context.Context, req connector.SubscriptionRequest) error {
	switch c.Status() {
	case connector.StatusConnected, connector.StatusActive, connector.StatusSubscribing:
	default:
		return &connector.SubscriptionError{Exchange: "okx", Err: connector.ErrNotConnected}
	}
	c.CompareStatus(connector.StatusConnected, connector.StatusSubscribing)

	args := c.subscribeArgs(req)
	if len(args) == 0 {
		return &connector.SubscriptionError{Exchange: "okx", Err: fmt.Errorf("no channels requested")}
	}

	if err := c.sendSubscribe(ctx, args); err != nil {
		return err
	}

	c.subMu.Lock()
	for _, symbol := range req.Symbols {
		if c.subscribed[symbol] == nil {
			c.subscribed[symbol] = make(map[connector.DataType]struct{})
		}
		for _, dt := range req.DataTypes {
			c.subscribed[symbol][dt] = struct{}{}
		}
	}
	c.subMu.Unlock()

	c.SetStatus(connector.StatusActive)
	c.log.WithComponent("okx_connector").WithFields(logger.Fields{"args": len(args)}).
		Info("subscribed to channels")
	return nil
}

// HealthCheck reports liveness from connection state and idle time.
func (c *Connector) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := c.Stats(); err != nil {
		return false, err
	}
	switch c.Status() {
	case connector.StatusDisconnected, connector.StatusReconnecting:
		return false, nil
	}
	return c.state.ConnectionIdleTime(c.ConnectionID()) <= 2*c.config.PingInterval, nil
}

type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (a subscribeArg) key() string { return a.Channel + ":" + a.InstID }

func (c *Connector) subscribeArgs(req connector.SubscriptionRequest) []subscribeArg {
	var args []subscribeArg
	for _, symbol := range req.Symbols {
		for _, dt := range req.DataTypes {
			switch dt {
			case connector.DataTypeOrderbook:
				args = append(args, subscribeArg{Channel: "books5", InstID: symbol})
			case connector.DataTypeTrade:
				args = append(args, subscribeArg{Channel: "trades", InstID: symbol})
			}
		}
	}
	return args
}

func (c *Connector) sendSubscribe(ctx context.Context, args []subscribeArg) error {
	acks := make([]chan struct{}, len(args))
	c.ackMu.Lock()
	for i, arg := range args {
		ch := make(chan struct{})
		c.pending[arg.key()] = ch
		acks[i] = ch
	}
	c.ackMu.Unlock()

	payload := map[string]interface{}{"op": "subscribe", "args": args}
	if err := c.writeJSON(payload); err != nil {
		return &connector.SubscriptionError{Exchange: "okx", Err: err}
	}

	timeout := time.NewTimer(c.config.RequestTimeout)
	defer timeout.Stop()
	for i, ack := range acks {
		select {
		case <-ack:
		case <-ctx.Done():
			return &connector.SubscriptionError{Exchange: "okx", Err: ctx.Err()}
		case <-timeout.C:
			return fmt.Errorf("subscribe %s: %w", args[i].key(), connector.ErrTimeout)
		}
	}
	return nil
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

func (c *Connector) readLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("okx_connector").WithFields(logger.Fields{"worker": "read_loop"})

	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil || c.runCtx.Err() != nil {
			if c.runCtx.Err() != nil {
				return
			}
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

func (c *Connector) handleMessage(msg []byte) {
	c.state.Touch(c.ConnectionID())
	c.state.AddWebsocketMessages(1)
	c.RecordMessage()

	if string(msg) == "pong" {
		return
	}

	var envelope struct {
		Event string `json:"event"`
		Arg   struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []json.RawMessage `json:"data"`
		Msg  string            `json:"msg"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		c.logDataError(&connector.DataError{Exchange: "okx", Err: err})
		return
	}

	if envelope.Event != "" {
		c.handleEvent(envelope.Event, envelope.Arg.Channel, envelope.Arg.InstID, envelope.Msg)
		return
	}

	switch envelope.Arg.Channel {
	case "books5":
		for _, raw := range envelope.Data {
			c.applyBookSnapshot(envelope.Arg.InstID, raw)
		}
	case "trades":
		for _, raw := range envelope.Data {
			c.applyTrade(envelope.Arg.InstID, raw)
		}
	}
}

func (c *Connector) applyTrade(instID string, raw json.RawMessage) {
	var trade struct {
		TradeID string `json:"tradeId"`
		Price   string `json:"px"`
		Size    string `json:"sz"`
		Side    string `json:"side"`
		TS      string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &trade); err != nil {
		c.logDataError(&connector.DataError{Exchange: "okx", Symbol: instID, Err: err})
		return
	}

	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "okx", Symbol: instID, Err: fmt.Errorf("bad trade price %q: %w", trade.Price, err)})
		return
	}
	qty, err := strconv.ParseFloat(trade.Size, 64)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "okx", Symbol: instID, Err: fmt.Errorf("bad trade size %q: %w", trade.Size, err)})
		return
	}

	ts := time.Now()
	if ms, err := strconv.ParseInt(trade.TS, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	c.RecordTrade(models.Trade{
		Exchange:  "okx",
		Symbol:    instID,
		Price:     price,
		Quantity:  qty,
		Side:      trade.Side,
		TradeID:   trade.TradeID,
		Timestamp: ts,
	})
}

func (c *Connector) handleEvent(event, channel, instID, errMsg string) {
	key := subscribeArg{Channel: channel, InstID: instID}.key()
	switch event {
	case "subscribe":
		c.ackMu.Lock()
		if ch, ok := c.pending[key]; ok {
			close(ch)
			delete(c.pending, key)
		}
		c.ackMu.Unlock()
	case "error":
		c.log.WithComponent("okx_connector").WithFields(logger.Fields{
			"channel": key,
			"msg":     errMsg,
		}).Warn("subscription rejected")
	}
}

// applyBookSnapshot replaces the instrument's book with the five-level
// snapshot carried by one books5 message.
func (c *Connector) applyBookSnapshot(instID string, raw json.RawMessage) {
	var book struct {
		Bids  [][]string `json:"bids"`
		Asks  [][]string `json:"asks"`
		SeqID int64      `json:"seqId"`
	}
	if err := json.Unmarshal(raw, &book); err != nil {
		c.logDataError(&connector.DataError{Exchange: "okx", Symbol: instID, Err: err})
		return
	}

	bids, err := parseLevels(book.Bids)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "okx", Symbol: instID, Err: err})
		return
	}
	asks, err := parseLevels(book.Asks)
	if err != nil {
		c.logDataError(&connector.DataError{Exchange: "okx", Symbol: instID, Err: err})
		return
	}

	if err := c.Book(instID).ReplaceLevels(bids, asks, book.SeqID); err != nil {
		c.logDataError(err)
		return
	}
	c.state.AddPriceUpdates(1)
	c.RecordPriceUpdate()
}

// pingLoop sends the text ping OKX expects; the server answers with a
// text pong, which refreshes the liveness timestamp like any message.
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
				c.writeMu.Lock()
				conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				c.writeMu.Unlock()
			}
		}
	}
}

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

func (c *Connector) triggerReconnect(reason string) {
	if !c.BeginReconnect() {
		return
	}
	c.log.WithComponent("okx_connector").WithFields(logger.Fields{"reason": reason}).
		Warn("entering reconnect")

	c.wg.Add(1)
	go c.reconnect()
}

func (c *Connector) reconnect() {
	defer c.wg.Done()
	log := c.log.WithComponent("okx_connector").WithFields(logger.Fields{"worker": "reconnect"})

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
	var args []subscribeArg
	for symbol, types := range c.subscribed {
		for dt := range types {
			switch dt {
			case connector.DataTypeOrderbook:
				args = append(args, subscribeArg{Channel: "books5", InstID: symbol})
			case connector.DataTypeTrade:
				args = append(args, subscribeArg{Channel: "trades", InstID: symbol})
			}
		}
	}
	c.subMu.Unlock()

	if len(args) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.runCtx, c.config.RequestTimeout)
	defer cancel()
	return c.sendSubscribe(ctx, args)
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

func (c *Connector) logDataError(err error) {
	c.log.WithComponent("okx_connector").WithError(err).Warn("dropping invalid message")
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
