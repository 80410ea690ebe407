package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports an operation that exceeded its configured deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotImplemented is returned by trading operations. Order execution
	// is accepted syntactically but never performed.
	ErrNotImplemented = errors.New("not implemented")

	// ErrNotConnected reports an operation that requires an established
	// transport.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownConnection reports an operation referencing a connection id
	// that was never registered.
	ErrUnknownConnection = errors.New("unknown connection")
)

// ConnectionError wraps a transport-level failure: handshake, DNS, TLS or a
// broken socket.
type ConnectionError struct {
	Exchange string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Exchange, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError wraps a rejected or malformed subscription.
type SubscriptionError struct {
	Exchange string
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s: subscription error: %v", e.Exchange, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// DataError reports a malformed or semantically invalid inbound message,
// e.g. an unparseable payload or a crossed book. A DataError on a single
// message is dropped by the receive loop; it never tears down the
// connection.
type DataError struct {
	Exchange string
	Symbol   string
	Err      error
}

func (e *DataError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s: data error: %v", e.Exchange, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s: data error: %v", e.Exchange, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }
