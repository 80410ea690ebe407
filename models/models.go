package models

import (
	"time"
)

// PriceLevel is a single price level in an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderbookSnapshot is a point-in-time copy of one symbol's order book on
// one exchange. Bids are sorted by price descending, asks ascending. The
// snapshot is always a copy; mutating it has no effect on the live book.
type OrderbookSnapshot struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	BestBid      float64      `json:"best_bid"`
	BestAsk      float64      `json:"best_ask"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Trade is a normalized public trade event.
type Trade struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      string    `json:"side"` // "buy" or "sell"
	TradeID   string    `json:"trade_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Opportunity is a cross-exchange price discrepancy surfaced by the
// detector: buy at AskExchange's best ask, sell at BidExchange's best bid.
type Opportunity struct {
	Symbol        string    `json:"symbol"`
	BidExchange   string    `json:"bid_exchange"`
	AskExchange   string    `json:"ask_exchange"`
	BidPrice      float64   `json:"bid_price"`
	AskPrice      float64   `json:"ask_price"`
	ProfitPercent float64   `json:"profit_percent"`
	DetectedAt    time.Time `json:"detected_at"`
}

// OpportunityBatch groups opportunities for the batch writer.
type OpportunityBatch struct {
	BatchID       string        `json:"batch_id"`
	Opportunities []Opportunity `json:"opportunities"`
	RecordCount   int           `json:"record_count"`
	CreatedAt     time.Time     `json:"created_at"`
}
