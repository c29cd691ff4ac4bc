package book

import (
	"math"

	"github.com/shubham-shewale/marketstream/pkg/models"
)

// decimals is the price precision for a symbol trading at price.
func decimals(price float64) int {
	if price >= 1 {
		return 2
	}
	return 6
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ordersFor(qty float64) int {
	n := int(math.Round(qty / 100))
	if n < 1 {
		return 1
	}
	return n
}

// buildLadder lays out levels per side around price. Quantities decay
// geometrically with distance from the touch.
func (e *Engine) buildLadder(symbol string, price float64) models.OrderBook {
	places := decimals(price)
	minTick := math.Pow(10, -float64(places))
	tick := math.Max(roundTo(price*e.cfg.StepFraction, places), minTick)

	b := models.OrderBook{
		Symbol:      symbol,
		Bids:        make([]models.OrderBookLevel, 0, e.cfg.Levels),
		Asks:        make([]models.OrderBookLevel, 0, e.cfg.Levels),
		MarketPrice: price,
	}
	for i := 0; i < e.cfg.Levels; i++ {
		qty := math.Round(e.cfg.BaseQuantity * math.Pow(e.cfg.Decay, float64(i)))
		if qty < 1 {
			qty = 1
		}
		step := tick * float64(i+1)

		if bid := roundTo(price-step, places); bid > 0 {
			b.Bids = append(b.Bids, level(bid, qty))
		}
		b.Asks = append(b.Asks, level(roundTo(price+step, places), qty))
	}
	refreshTop(&b)
	return b
}

func level(price, qty float64) models.OrderBookLevel {
	return models.OrderBookLevel{
		Price:    price,
		Quantity: qty,
		Total:    roundTo(price*qty, 2),
		Orders:   ordersFor(qty),
	}
}

// perturb nudges up to PerturbLevels random levels by at most ±PerturbPct.
func (e *Engine) perturb(b *models.OrderBook) {
	for n := 0; n < e.cfg.PerturbLevels; n++ {
		side := b.Bids
		if e.rnd.Intn(2) == 1 {
			side = b.Asks
		}
		if len(side) == 0 {
			continue
		}
		i := e.rnd.Intn(len(side))
		factor := 1 + (e.rnd.Float64()*2-1)*e.cfg.PerturbPct
		qty := math.Round(side[i].Quantity * factor)
		if qty < 1 {
			qty = 1
		}
		side[i] = level(side[i].Price, qty)
	}
}

// refreshTop recomputes spread figures against the book's market price.
func refreshTop(b *models.OrderBook) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		b.Spread, b.SpreadPercent = 0, 0
		return
	}
	b.Spread = roundTo(ask.Price-bid.Price, decimals(b.MarketPrice))
	if b.MarketPrice > 0 {
		b.SpreadPercent = roundTo(b.Spread/b.MarketPrice*100, 4)
	}
}

// insideSpread reports whether price sits strictly between the touches.
func insideSpread(b *models.OrderBook, price float64) bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okAsk {
		return false
	}
	if okBid && price <= bid.Price {
		return false
	}
	return price < ask.Price
}

// Depth derives aggregate volume and pressure figures from a snapshot.
func Depth(b models.OrderBook) models.MarketDepth {
	d := models.MarketDepth{
		Symbol:    b.Symbol,
		BidDepth:  len(b.Bids),
		AskDepth:  len(b.Asks),
		Sequence:  b.Sequence,
		Timestamp: b.LastUpdate,
	}
	for _, l := range b.Bids {
		d.BidVolume += l.Quantity
	}
	for _, l := range b.Asks {
		d.AskVolume += l.Quantity
	}
	if total := d.BidVolume + d.AskVolume; total > 0 {
		d.Imbalance = roundTo((d.BidVolume-d.AskVolume)/total, 4)
	}
	d.PressureIndex = int(math.Round((d.Imbalance + 1) / 2 * 100))
	if d.PressureIndex < 0 {
		d.PressureIndex = 0
	} else if d.PressureIndex > 100 {
		d.PressureIndex = 100
	}
	return d
}
