package connector

import (
	"errors"
	"testing"

	"arbiflow/models"
)

func levels(pairs ...float64) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.PriceLevel{Price: pairs[i], Quantity: pairs[i+1]})
	}
	return out
}

func TestBookSnapshotOrdering(t *testing.T) {
	b := NewBook("binance", "BTCUSDT")

	err := b.ReplaceLevels(
		levels(100.0, 1, 99.5, 2, 99.9, 3),
		levels(100.2, 1, 100.5, 2, 100.1, 3),
		10,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := b.Snapshot()
	if snap == nil {
		t.Fatalf("expected a snapshot after replace")
	}
	if snap.BestBid != 100.0 || snap.BestAsk != 100.1 {
		t.Fatalf("wrong top of book: bid=%v ask=%v", snap.BestBid, snap.BestAsk)
	}
	for i := 1; i < len(snap.Bids); i++ {
		if snap.Bids[i].Price > snap.Bids[i-1].Price {
			t.Fatalf("bids must descend: %v", snap.Bids)
		}
	}
	for i := 1; i < len(snap.Asks); i++ {
		if snap.Asks[i].Price < snap.Asks[i-1].Price {
			t.Fatalf("asks must ascend: %v", snap.Asks)
		}
	}
	if snap.LastUpdateID != 10 {
		t.Fatalf("expected update id 10, got %d", snap.LastUpdateID)
	}
}

func TestEmptyBookHasNoSnapshot(t *testing.T) {
	b := NewBook("binance", "BTCUSDT")
	if snap := b.Snapshot(); snap != nil {
		t.Fatalf("expected nil snapshot before any update, got %+v", snap)
	}
}

func TestCrossedSnapshotRejected(t *testing.T) {
	b := NewBook("okx", "BTC-USDT")
	if err := b.ReplaceLevels(levels(100, 1), levels(101, 1), 1); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	err := b.ReplaceLevels(levels(102, 1), levels(101, 1), 2)
	var dataErr *DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataError for crossed book, got %v", err)
	}

	// previous state must survive the rejection
	snap := b.Snapshot()
	if snap.BestBid != 100 || snap.LastUpdateID != 1 {
		t.Fatalf("crossed snapshot must not modify the book: %+v", snap)
	}
}

func TestDeltaRemovesAndUpdatesLevels(t *testing.T) {
	b := NewBook("binance", "ETHUSDT")
	if err := b.ReplaceLevels(levels(100, 1, 99, 2), levels(101, 1, 102, 2), 5); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// remove the best bid, resize an ask
	if err := b.ApplyDelta(levels(100, 0), levels(101, 4), 6); err != nil {
		t.Fatalf("delta failed: %v", err)
	}

	snap := b.Snapshot()
	if snap.BestBid != 99 {
		t.Fatalf("expected best bid 99 after removal, got %v", snap.BestBid)
	}
	if snap.Asks[0].Quantity != 4 {
		t.Fatalf("expected ask quantity 4, got %v", snap.Asks[0].Quantity)
	}
	if snap.LastUpdateID != 6 {
		t.Fatalf("expected update id 6, got %d", snap.LastUpdateID)
	}
}

func TestStaleDeltaIgnored(t *testing.T) {
	b := NewBook("binance", "ETHUSDT")
	if err := b.ReplaceLevels(levels(100, 1), levels(101, 1), 10); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := b.ApplyDelta(levels(100, 9), nil, 7); err != nil {
		t.Fatalf("stale delta must be a silent no-op, got %v", err)
	}
	if snap := b.Snapshot(); snap.Bids[0].Quantity != 1 {
		t.Fatalf("stale delta must not change the book: %+v", snap.Bids)
	}
}

func TestCrossingDeltaRolledBack(t *testing.T) {
	b := NewBook("binance", "ETHUSDT")
	if err := b.ReplaceLevels(levels(100, 1), levels(101, 1), 1); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	err := b.ApplyDelta(levels(102, 1), nil, 2)
	var dataErr *DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataError for crossing delta, got %v", err)
	}
	if snap := b.Snapshot(); snap.BestBid != 100 || snap.LastUpdateID != 1 {
		t.Fatalf("crossing delta must be rolled back: %+v", snap)
	}
}
