package models

// Quote sources. Stream updates take precedence over polled ones.
const (
	SourceStream = "stream"
	SourcePoll   = "poll"
	SourceSeed   = "seed"
	SourceMock   = "mock"
)

// Quote is the canonical latest-price record for one symbol.
// Published quotes are never mutated; a newer quote replaces the old one.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Volume        float64 `json:"volume"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Open          float64 `json:"open"`
	PreviousClose float64 `json:"previousClose"`
	Timestamp     int64   `json:"timestamp"` // unix millis
	Source        string  `json:"source,omitempty"`
}

// Candle is one bar of a time series.
type Candle struct {
	Time   int64   `json:"time"` // unix millis
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type SymbolInfo struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
	Type     string `json:"type,omitempty"`
}
