package connector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"arbiflow/models"
)

// Book maintains the live order book for one symbol. It is owned
// exclusively by its connector; readers only ever get copies via Snapshot.
type Book struct {
	exchange string
	symbol   string

	mu           sync.Mutex
	bids         map[float64]float64
	asks         map[float64]float64
	lastUpdateID int64
	lastUpdate   time.Time
}

// NewBook creates an empty book for symbol.
func NewBook(exchange, symbol string) *Book {
	return &Book{
		exchange: exchange,
		symbol:   symbol,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
	}
}

// ReplaceLevels installs a full snapshot, discarding all previous levels.
// A crossed snapshot (best bid above best ask) is rejected with a DataError
// and the previous state is kept.
func (b *Book) ReplaceLevels(bids, asks []models.PriceLevel, lastUpdateID int64) error {
	newBids := make(map[float64]float64, len(bids))
	newAsks := make(map[float64]float64, len(asks))
	for _, l := range bids {
		if l.Quantity > 0 {
			newBids[l.Price] = l.Quantity
		}
	}
	for _, l := range asks {
		if l.Quantity > 0 {
			newAsks[l.Price] = l.Quantity
		}
	}
	if crossed(newBids, newAsks) {
		return &DataError{Exchange: b.exchange, Symbol: b.symbol, Err: fmt.Errorf("crossed book in snapshot")}
	}

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.lastUpdateID = lastUpdateID
	b.lastUpdate = time.Now()
	b.mu.Unlock()
	return nil
}

// ApplyDelta merges incremental level changes. A quantity of zero removes
// the level. Updates older than the current book are ignored. A delta that
// would cross the book is rejected and rolled back.
func (b *Book) ApplyDelta(bids, asks []models.PriceLevel, lastUpdateID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastUpdateID != 0 && lastUpdateID <= b.lastUpdateID {
		return nil
	}

	newBids := copyLevels(b.bids)
	newAsks := copyLevels(b.asks)
	applySide(newBids, bids)
	applySide(newAsks, asks)

	if crossed(newBids, newAsks) {
		return &DataError{Exchange: b.exchange, Symbol: b.symbol, Err: fmt.Errorf("crossed book after delta")}
	}

	b.bids = newBids
	b.asks = newAsks
	if lastUpdateID != 0 {
		b.lastUpdateID = lastUpdateID
	}
	b.lastUpdate = time.Now()
	return nil
}

// Snapshot returns a sorted copy of the book, or nil when no update has
// been applied yet. Bids descend, asks ascend; the copy never mutates
// after return.
func (b *Book) Snapshot() *models.OrderbookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastUpdate.IsZero() {
		return nil
	}

	snap := &models.OrderbookSnapshot{
		Exchange:     b.exchange,
		Symbol:       b.symbol,
		Bids:         sortedLevels(b.bids, true),
		Asks:         sortedLevels(b.asks, false),
		LastUpdateID: b.lastUpdateID,
		Timestamp:    b.lastUpdate,
	}
	if len(snap.Bids) > 0 {
		snap.BestBid = snap.Bids[0].Price
	}
	if len(snap.Asks) > 0 {
		snap.BestAsk = snap.Asks[0].Price
	}
	return snap
}

func applySide(side map[float64]float64, levels []models.PriceLevel) {
	for _, l := range levels {
		if l.Quantity == 0 {
			delete(side, l.Price)
		} else {
			side[l.Price] = l.Quantity
		}
	}
}

func crossed(bids, asks map[float64]float64) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	bestBid := 0.0
	for p := range bids {
		if p > bestBid {
			bestBid = p
		}
	}
	bestAsk := 0.0
	for p := range asks {
		if bestAsk == 0 || p < bestAsk {
			bestAsk = p
		}
	}
	return bestBid > bestAsk
}

func copyLevels(side map[float64]float64) map[float64]float64 {
	out := make(map[float64]float64, len(side))
	for p, q := range side {
		out[p] = q
	}
	return out
}

func sortedLevels(side map[float64]float64, descending bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for p, q := range side {
		out = append(out, models.PriceLevel{Price: p, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
