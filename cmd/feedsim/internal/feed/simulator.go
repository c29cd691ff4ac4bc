package feed

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBasePrices seed the random walk for well-known symbols.
var DefaultBasePrices = map[string]float64{
	"AAPL": 150.0, "GOOG": 2800.0, "TSLA": 700.0, "AMZN": 3400.0, "MSFT": 410.0,
}

// Simulator is a per-symbol random walk shared by every stream connection
// and the REST endpoints.
type Simulator struct {
	logger *zap.Logger
	rand   Rand
	clock  Clock

	mu         sync.Mutex
	basePrices map[string]float64
	prices     map[string]float64
	seq        map[string]int64
}

func NewSimulator(logger *zap.Logger, basePrices map[string]float64, rnd Rand, clock Clock) *Simulator {
	base := make(map[string]float64, len(basePrices))
	for k, v := range basePrices {
		base[strings.ToUpper(k)] = v
	}
	return &Simulator{
		logger:     logger,
		rand:       rnd,
		clock:      clock,
		basePrices: base,
		prices:     make(map[string]float64),
		seq:        make(map[string]int64),
	}
}

// Step moves the symbol's price by up to ±0.5% and returns the tick.
func (s *Simulator) Step(symbol string) Tick {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	price := s.priceLocked(symbol)
	move := (s.rand.Float64() - 0.5) * 0.01
	next := round2(price * (1 + move))
	if next <= 0 {
		next = price
	}
	s.prices[symbol] = next
	s.seq[symbol]++

	return Tick{
		Event:     "price",
		Symbol:    symbol,
		Price:     next,
		Volume:    100 + s.rand.Intn(900),
		Timestamp: s.clock.Now().Unix(),
		Seq:       s.seq[symbol],
	}
}

func (s *Simulator) Price(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priceLocked(strings.ToUpper(symbol))
}

// Quote renders the vendor's quote shape.
func (s *Simulator) Quote(symbol string) map[string]interface{} {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	price := s.priceLocked(symbol)
	prev := s.baseLocked(symbol)
	change := round2(price - prev)
	return map[string]interface{}{
		"symbol":         symbol,
		"name":           symbol,
		"exchange":       "SIM",
		"currency":       "USD",
		"open":           prev,
		"high":           round2(math.Max(price, prev) * 1.002),
		"low":            round2(math.Min(price, prev) * 0.998),
		"close":          price,
		"previous_close": prev,
		"change":         change,
		"percent_change": round2(change / prev * 100),
		"volume":         10000 + s.rand.Intn(90000),
		"timestamp":      s.clock.Now().Unix(),
	}
}

// Series renders size candles ending now, oldest first, walking backwards
// from the current price.
func (s *Simulator) Series(symbol, interval string, size int) []map[string]interface{} {
	symbol = strings.ToUpper(symbol)
	step := intervalDuration(interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.clock.Now().Truncate(step)
	closePrice := s.priceLocked(symbol)
	out := make([]map[string]interface{}, size)
	for i := size - 1; i >= 0; i-- {
		open := round2(closePrice * (1 + (s.rand.Float64()-0.5)*0.004))
		if open <= 0 {
			open = closePrice
		}
		out[i] = map[string]interface{}{
			"datetime": end.Add(-time.Duration(size-1-i) * step).UTC().Format("2006-01-02 15:04:05"),
			"open":     open,
			"high":     round2(math.Max(open, closePrice) * 1.001),
			"low":      round2(math.Min(open, closePrice) * 0.999),
			"close":    closePrice,
			"volume":   1000 + s.rand.Intn(9000),
		}
		closePrice = open
	}
	return out
}

// Symbols lists every symbol the simulator knows a base price for.
func (s *Simulator) Symbols(exchange string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(s.basePrices))
	for _, sym := range sortedKeys(s.basePrices) {
		out = append(out, map[string]interface{}{
			"symbol":          sym,
			"instrument_name": sym + " Inc",
			"exchange":        "SIM",
			"currency":        "USD",
			"instrument_type": "Common Stock",
		})
	}
	if exchange != "" && !strings.EqualFold(exchange, "SIM") {
		return out[:0]
	}
	return out
}

func (s *Simulator) priceLocked(symbol string) float64 {
	if p, ok := s.prices[symbol]; ok {
		return p
	}
	p := s.baseLocked(symbol)
	s.prices[symbol] = p
	return p
}

// baseLocked invents a stable base for unknown symbols.
func (s *Simulator) baseLocked(symbol string) float64 {
	if p, ok := s.basePrices[symbol]; ok {
		return p
	}
	var h float64
	for _, r := range symbol {
		h += float64(r)
	}
	p := round2(50 + math.Mod(h*7, 450))
	s.basePrices[symbol] = p
	s.logger.Debug("Invented base price", zap.String("symbol", symbol), zap.Float64("price", p))
	return p
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "5min":
		return 5 * time.Minute
	case "15min":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "1day":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
