package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shubham-shewale/marketstream/pkg/models"
)

var ErrMalformed = errors.New("ingest: malformed vendor payload")

// Vendor field names drift between the stream and the REST fallback, and
// between vendors. Each canonical field lists the aliases it accepts.
var (
	symbolKeys    = []string{"symbol", "s", "pair", "ticker"}
	priceKeys     = []string{"price", "close", "c", "p", "last"}
	bidKeys       = []string{"bid", "b", "bid_price"}
	askKeys       = []string{"ask", "a", "ask_price"}
	volumeKeys    = []string{"volume", "day_volume", "v"}
	changeKeys    = []string{"change", "d"}
	changePctKeys = []string{"percent_change", "changePercent", "change_percent", "dp"}
	highKeys      = []string{"high", "h"}
	lowKeys       = []string{"low", "l"}
	openKeys      = []string{"open", "o"}
	prevCloseKeys = []string{"previous_close", "previousClose", "pc"}
	timeKeys      = []string{"timestamp", "t", "ts", "time"}
)

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeQuote maps a raw vendor object onto the canonical Quote.
func NormalizeQuote(raw map[string]interface{}, fallbackSymbol, source string, now time.Time) (models.Quote, error) {
	symbol := NormalizeSymbol(stringField(raw, symbolKeys...))
	if symbol == "" {
		symbol = NormalizeSymbol(fallbackSymbol)
	}
	if symbol == "" {
		return models.Quote{}, fmt.Errorf("%w: missing symbol", ErrMalformed)
	}

	price, ok := floatField(raw, priceKeys...)
	if !ok || price <= 0 {
		return models.Quote{}, fmt.Errorf("%w: missing price for %s", ErrMalformed, symbol)
	}

	q := models.Quote{Symbol: symbol, Price: price, Source: source}
	q.Bid, _ = floatField(raw, bidKeys...)
	q.Ask, _ = floatField(raw, askKeys...)
	q.Volume, _ = floatField(raw, volumeKeys...)
	q.High, _ = floatField(raw, highKeys...)
	q.Low, _ = floatField(raw, lowKeys...)
	q.Open, _ = floatField(raw, openKeys...)
	q.PreviousClose, _ = floatField(raw, prevCloseKeys...)

	if q.Bid <= 0 {
		q.Bid = price
	}
	if q.Ask <= 0 {
		q.Ask = price
	}

	change, hasChange := floatField(raw, changeKeys...)
	pct, hasPct := floatField(raw, changePctKeys...)
	if !hasChange && q.PreviousClose > 0 {
		change = price - q.PreviousClose
	}
	if !hasPct && q.PreviousClose > 0 {
		pct = (price - q.PreviousClose) / q.PreviousClose * 100
	}
	q.Change, q.ChangePercent = change, pct

	q.Timestamp = timestampField(raw, now)
	return q, nil
}

// ParseStreamEvent decodes one stream frame. Control frames (heartbeats,
// subscription acks) yield no quotes and no error.
func ParseStreamEvent(payload []byte, now time.Time) ([]models.Quote, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch strings.ToLower(stringField(raw, "event", "type")) {
	case "heartbeat", "subscribe-status", "unsubscribe-status", "status", "ping":
		return nil, nil
	}

	// Trade batches arrive as {"type":"trade","data":[{...}, ...]}.
	if data, ok := raw["data"].([]interface{}); ok {
		quotes := make([]models.Quote, 0, len(data))
		for _, item := range data {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			q, err := NormalizeQuote(obj, "", models.SourceStream, now)
			if err != nil {
				continue
			}
			quotes = append(quotes, q)
		}
		return quotes, nil
	}

	q, err := NormalizeQuote(raw, "", models.SourceStream, now)
	if err != nil {
		return nil, err
	}
	return []models.Quote{q}, nil
}

var candleLayouts = []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339}

func NormalizeCandle(raw map[string]interface{}) (models.Candle, error) {
	c := models.Candle{}
	var ok bool
	if c.Close, ok = floatField(raw, "close", "c"); !ok {
		return c, fmt.Errorf("%w: candle without close", ErrMalformed)
	}
	c.Open, _ = floatField(raw, "open", "o")
	c.High, _ = floatField(raw, "high", "h")
	c.Low, _ = floatField(raw, "low", "l")
	c.Volume, _ = floatField(raw, "volume", "v")

	if dt := stringField(raw, "datetime"); dt != "" {
		for _, layout := range candleLayouts {
			if ts, err := time.Parse(layout, dt); err == nil {
				c.Time = ts.UnixMilli()
				break
			}
		}
	}
	if c.Time == 0 {
		c.Time = timestampField(raw, time.Time{})
	}
	return c, nil
}

func NormalizeSymbolInfo(raw map[string]interface{}) (models.SymbolInfo, bool) {
	info := models.SymbolInfo{
		Symbol:   NormalizeSymbol(stringField(raw, symbolKeys...)),
		Name:     stringField(raw, "instrument_name", "name", "description"),
		Exchange: stringField(raw, "exchange", "mic_code"),
		Currency: stringField(raw, "currency"),
		Type:     stringField(raw, "instrument_type", "type"),
	}
	return info, info.Symbol != ""
}

func stringField(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func floatField(raw map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return v, true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		case int64:
			return float64(v), true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

// timestampField accepts unix seconds or millis; anything else falls back to now.
func timestampField(raw map[string]interface{}, now time.Time) int64 {
	ts, ok := floatField(raw, timeKeys...)
	if !ok || ts <= 0 {
		if now.IsZero() {
			return 0
		}
		return now.UnixMilli()
	}
	if ts < 1e12 {
		return int64(ts * 1000)
	}
	return int64(ts)
}
