// Package connector defines the contract every exchange client implements:
// streaming connection lifecycle, subscription management, order book
// snapshots and liveness introspection. The health manager and all generic
// tooling operate only against the Connector interface, never against a
// specific exchange type.
package connector

import (
	"context"
	"time"

	"arbiflow/models"
)

// Status is the connection state of a single connector instance.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusSubscribing
	StatusActive
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSubscribing:
		return "subscribing"
	case StatusActive:
		return "active"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DataType selects which market data streams a subscription covers.
type DataType string

const (
	DataTypeOrderbook DataType = "orderbook"
	DataTypeTrade     DataType = "trade"
)

// UpdateSpeed is an optional hint for exchanges that offer several stream
// update intervals.
type UpdateSpeed string

const (
	UpdateSpeedNormal UpdateSpeed = "normal"
	UpdateSpeedFast   UpdateSpeed = "fast"
)

// Config is the immutable per-connector configuration. Credentials are
// optional; absent keys are valid for read-only market data use. A
// reconnect reuses the same configuration.
type Config struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	Testnet    bool

	WebsocketURL string
	RestURL      string

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	RequestTimeout       time.Duration

	// RestRate caps REST requests per second. Zero means the connector's
	// default.
	RestRate float64
}

// SubscriptionRequest carries the symbols and data types to subscribe.
// Subscriptions are additive: a second call extends the subscribed set,
// it never replaces it.
type SubscriptionRequest struct {
	Symbols     []string
	DataTypes   []DataType
	DepthLevel  int
	UpdateSpeed UpdateSpeed
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest is accepted syntactically by PlaceOrder but always rejected
// with ErrNotImplemented in this system.
type OrderRequest struct {
	Symbol        string
	Exchange      string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Price         float64
	TimeInForce   string
	ClientOrderID string
}

// OrderResponse is the would-be result of order placement. No connector
// ever produces one.
type OrderResponse struct {
	OrderID string
	Status  string
}

// Stats is a per-connector activity summary.
type Stats struct {
	MessagesReceived int64
	PriceUpdates     int64
	UptimeSeconds    int64
}

// Connector is implemented once per exchange. Connect starts an
// independent receive loop; Disconnect is an idempotent teardown; all
// snapshot and status accessors are in-memory reads that never block on
// the network.
type Connector interface {
	// Exchange returns the exchange name, e.g. "binance".
	Exchange() string

	// ConnectionID returns the identifier under which this connector
	// registers in shared application state. Stable for the connector's
	// lifetime.
	ConnectionID() string

	// Connect establishes the streaming transport and starts the receive
	// loop. It registers the connection id in shared state and returns a
	// ConnectionError on handshake, DNS or TLS failure.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the transport and stops the receive
	// loop. Safe to call when never connected, and safe to call twice.
	Disconnect() error

	// Subscribe sends subscription intents over the open transport and
	// waits for acknowledgment up to the configured request timeout.
	// Calls are additive.
	Subscribe(ctx context.Context, req SubscriptionRequest) error

	// Status returns the current connection state without blocking.
	Status() Status

	// OrderbookSnapshot returns a copy of the latest book for symbol, or
	// nil when no data has been received yet.
	OrderbookSnapshot(symbol string) *models.OrderbookSnapshot

	// Stats returns message and update counts with uptime. It fails with
	// ErrNotConnected when the connector was never connected.
	Stats() (Stats, error)

	// HealthCheck probes liveness. Unhealthy is a valid false, not an
	// error; an error means the probe itself could not run.
	HealthCheck(ctx context.Context) (bool, error)

	// PlaceOrder always returns ErrNotImplemented. Reserved for future
	// trading support.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
}
