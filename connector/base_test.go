package connector

import (
	"context"
	"errors"
	"testing"
)

func TestPlaceOrderNotImplemented(t *testing.T) {
	b := NewBase("binance", "binance-futures")

	resp, err := b.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT",
		Side:   OrderSideBuy,
		Type:   OrderTypeLimit,
	})
	if resp != nil {
		t.Fatalf("expected nil response, got %+v", resp)
	}
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestStatsBeforeConnectFails(t *testing.T) {
	b := NewBase("okx", "okx-spot")

	if _, err := b.Stats(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before first connect, got %v", err)
	}

	b.MarkConnected()
	b.RecordMessage()
	b.RecordMessage()
	b.RecordPriceUpdate()

	stats, err := b.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.MessagesReceived != 2 || stats.PriceUpdates != 1 {
		t.Fatalf("wrong counters: %+v", stats)
	}
	if stats.UptimeSeconds < 0 {
		t.Fatalf("uptime must be non-negative, got %d", stats.UptimeSeconds)
	}
}

func TestBeginReconnectTransitions(t *testing.T) {
	b := NewBase("binance", "binance-futures")

	if b.BeginReconnect() {
		t.Fatalf("reconnect from Disconnected must be refused")
	}

	b.SetStatus(StatusActive)
	if !b.BeginReconnect() {
		t.Fatalf("reconnect from Active must win the transition")
	}
	if b.Status() != StatusReconnecting {
		t.Fatalf("expected Reconnecting, got %s", b.Status())
	}

	// double trigger while a reconnect is already in flight
	if b.BeginReconnect() {
		t.Fatalf("second reconnect trigger must be a no-op")
	}
}

func TestOrderbookSnapshotUnknownSymbol(t *testing.T) {
	b := NewBase("binance", "binance-futures")

	if snap := b.OrderbookSnapshot("BTCUSDT"); snap != nil {
		t.Fatalf("expected nil for a symbol never seen, got %+v", snap)
	}

	book := b.Book("BTCUSDT")
	if book != b.Book("BTCUSDT") {
		t.Fatalf("Book must return the same instance per symbol")
	}
	if snap := b.OrderbookSnapshot("BTCUSDT"); snap != nil {
		t.Fatalf("expected nil before any book update, got %+v", snap)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusSubscribing:  "subscribing",
		StatusActive:       "active",
		StatusReconnecting: "reconnecting",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
