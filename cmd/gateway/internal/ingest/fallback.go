package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

var ErrUnavailable = errors.New("ingest: data unavailable")

const (
	seriesTTL  = 5 * time.Minute
	symbolsTTL = time.Hour
)

// DefaultSymbols is served when the vendor symbol list is unreachable.
var DefaultSymbols = []models.SymbolInfo{
	{Symbol: "AAPL", Name: "Apple Inc", Exchange: "NASDAQ", Currency: "USD", Type: "Common Stock"},
	{Symbol: "MSFT", Name: "Microsoft Corp", Exchange: "NASDAQ", Currency: "USD", Type: "Common Stock"},
	{Symbol: "GOOG", Name: "Alphabet Inc", Exchange: "NASDAQ", Currency: "USD", Type: "Common Stock"},
	{Symbol: "AMZN", Name: "Amazon.com Inc", Exchange: "NASDAQ", Currency: "USD", Type: "Common Stock"},
	{Symbol: "TSLA", Name: "Tesla Inc", Exchange: "NASDAQ", Currency: "USD", Type: "Common Stock"},
}

// GetTimeSeries degrades vendor → cache → mock and never surfaces vendor errors.
func (m *Manager) GetTimeSeries(ctx context.Context, symbol, interval string, size int) ([]models.Candle, error) {
	symbol = NormalizeSymbol(symbol)
	if interval == "" {
		interval = "1day"
	}
	if size <= 0 || size > 5000 {
		size = 30
	}
	key := repository.SeriesKey(symbol, interval)

	if m.rest != nil && m.limiter.Allow() {
		raw, err := m.rest.GetTimeSeries(ctx, symbol, interval, size)
		if err == nil {
			candles := make([]models.Candle, 0, len(raw))
			for _, r := range raw {
				if c, err := NormalizeCandle(r); err == nil {
					candles = append(candles, c)
				}
			}
			if len(candles) > 0 {
				if b, err := json.Marshal(candles); err == nil {
					m.cache.Set(ctx, key, b, seriesTTL)
				}
				return candles, nil
			}
		} else {
			m.logger.Warn("Time series fetch failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	if b, err := m.cache.Get(ctx, key); err == nil {
		var candles []models.Candle
		if json.Unmarshal(b, &candles) == nil && len(candles) > 0 {
			return candles, nil
		}
	}

	if !m.cfg.MockFallback {
		return nil, ErrUnavailable
	}
	last := 0.0
	if q, err := m.GetQuote(ctx, symbol); err == nil {
		last = q.Price
	}
	return mockSeries(symbol, last, interval, size, m.now()), nil
}

// GetSymbols degrades vendor → cache → built-in list.
func (m *Manager) GetSymbols(ctx context.Context, exchange string) ([]models.SymbolInfo, error) {
	key := repository.SymbolsKey(exchange)

	if m.rest != nil && m.limiter.Allow() {
		raw, err := m.rest.GetSymbols(ctx, exchange)
		if err == nil {
			out := make([]models.SymbolInfo, 0, len(raw))
			for _, r := range raw {
				if info, ok := NormalizeSymbolInfo(r); ok {
					out = append(out, info)
				}
			}
			if len(out) > 0 {
				if b, err := json.Marshal(out); err == nil {
					m.cache.Set(ctx, key, b, symbolsTTL)
				}
				return out, nil
			}
		} else {
			m.logger.Warn("Symbol list fetch failed", zap.String("exchange", exchange), zap.Error(err))
		}
	}

	if b, err := m.cache.Get(ctx, key); err == nil {
		var out []models.SymbolInfo
		if json.Unmarshal(b, &out) == nil && len(out) > 0 {
			return out, nil
		}
	}

	out := make([]models.SymbolInfo, 0, len(DefaultSymbols))
	for _, s := range DefaultSymbols {
		if exchange == "" || s.Exchange == exchange {
			out = append(out, s)
		}
	}
	return out, nil
}

// basePrice derives a stable pseudo price in [20, 520) from the ticker.
func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%50000)/100
}

func mockQuote(symbol string, last float64, now time.Time) models.Quote {
	if last <= 0 {
		last = basePrice(symbol)
	}
	return quoteFromPrice(symbol, last, models.SourceMock, now)
}

// quoteFromPrice fills a flat quote around a bare price.
func quoteFromPrice(symbol string, price float64, source string, now time.Time) models.Quote {
	return models.Quote{
		Symbol:        symbol,
		Price:         price,
		Bid:           round2(price * 0.9995),
		Ask:           round2(price * 1.0005),
		High:          price,
		Low:           price,
		Open:          price,
		PreviousClose: price,
		Timestamp:     now.UnixMilli(),
		Source:        source,
	}
}

// mockSeries is a deterministic wave that ends at last (or the base price).
func mockSeries(symbol string, last float64, interval string, size int, now time.Time) []models.Candle {
	if last <= 0 {
		last = basePrice(symbol)
	}
	step := intervalDuration(interval)
	out := make([]models.Candle, size)
	for i := 0; i < size; i++ {
		back := size - 1 - i
		drift := math.Sin(float64(back)/3) * 0.01 * last
		c := round2(last + drift)
		out[i] = models.Candle{
			Time:  now.Add(-time.Duration(back) * step).UnixMilli(),
			Open:  round2(c - drift/2),
			High:  round2(c * 1.005),
			Low:   round2(c * 0.995),
			Close: c,
		}
	}
	return out
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1min":
		return time.Minute
	case "5min":
		return 5 * time.Minute
	case "15min":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "1week":
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
