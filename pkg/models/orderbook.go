package models

// OrderBookLevel is one price level of a ladder.
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Total    float64 `json:"total"`
	Orders   int     `json:"orders"`
}

// OrderBook is a synthetic ladder for one symbol.
// Bids are sorted by price descending, asks ascending.
type OrderBook struct {
	Symbol        string           `json:"symbol"`
	Bids          []OrderBookLevel `json:"bids"`
	Asks          []OrderBookLevel `json:"asks"`
	Spread        float64          `json:"spread"`
	SpreadPercent float64          `json:"spreadPercent"`
	MarketPrice   float64          `json:"marketPrice"`
	Sequence      int64            `json:"sequence"`
	LastUpdate    int64            `json:"lastUpdate"` // unix millis
}

func (b *OrderBook) BestBid() (OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

func (b *OrderBook) BestAsk() (OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (b OrderBook) Clone() OrderBook {
	b.Bids = append([]OrderBookLevel(nil), b.Bids...)
	b.Asks = append([]OrderBookLevel(nil), b.Asks...)
	return b
}

// MarketDepth aggregates a book into volume and pressure metrics.
type MarketDepth struct {
	Symbol        string  `json:"symbol"`
	BidVolume     float64 `json:"bidVolume"`
	AskVolume     float64 `json:"askVolume"`
	BidDepth      int     `json:"bidDepth"`
	AskDepth      int     `json:"askDepth"`
	Imbalance     float64 `json:"imbalance"`     // [-1, 1], positive = bid heavy
	PressureIndex int     `json:"pressureIndex"` // [0, 100]
	Sequence      int64   `json:"sequence"`
	Timestamp     int64   `json:"timestamp"`
}
