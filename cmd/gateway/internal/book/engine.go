package book

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/marketstream/pkg/config"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

var (
	ErrBookUnavailable = errors.New("book: no market price for symbol yet")
	ErrNotSubscribed   = errors.New("book: symbol not subscribed")
)

// PriceSource is the read side of the latest-quote cache.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, bool)
}

// for deterministic perturbation in tests
type Rand interface {
	Intn(n int) int
	Float64() float64
}

type RealRand struct{ *rand.Rand }

func NewRealRand() RealRand { return RealRand{rand.New(rand.NewSource(time.Now().UnixNano()))} }

func (r RealRand) Intn(n int) int   { return r.Rand.Intn(n) }
func (r RealRand) Float64() float64 { return r.Rand.Float64() }

type Config struct {
	Levels        int
	TickInterval  time.Duration
	StepFraction  float64
	BaseQuantity  float64
	Decay         float64
	PerturbLevels int
	PerturbPct    float64
	CacheTTL      time.Duration
}

func ConfigFromBook(c config.BookConfig) Config {
	return Config(c)
}

func (c *Config) applyDefaults() {
	if c.Levels <= 0 {
		c.Levels = 20
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.StepFraction <= 0 {
		c.StepFraction = 0.0005
	}
	if c.BaseQuantity <= 0 {
		c.BaseQuantity = 1000
	}
	if c.Decay <= 0 || c.Decay > 1 {
		c.Decay = 0.9
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
}

// entry is one subscribed symbol. book stays nil until a price is known.
type entry struct {
	refs   int
	book   *models.OrderBook
	market float64
	stop   chan struct{}
	done   chan struct{}
}

// Engine owns one synthetic ladder per subscribed symbol and ticks it on a
// per-symbol timer that only exists while the symbol has subscribers.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	cache  repository.Cache
	prices PriceSource
	rnd    Rand
	now    func() time.Time

	// publishMu orders mutation + publication per engine; mu guards state.
	publishMu sync.Mutex
	mu        sync.Mutex
	books     map[string]*entry
	lastSeq   map[string]int64 // survives unsubscribe

	hooksMu   sync.RWMutex
	listeners []func(models.OrderBook)
}

func NewEngine(cfg Config, cache repository.Cache, prices PriceSource, rnd Rand, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if rnd == nil {
		rnd = NewRealRand()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		cache:   cache,
		prices:  prices,
		rnd:     rnd,
		now:     time.Now,
		books:   make(map[string]*entry),
		lastSeq: make(map[string]int64),
	}
}

// OnUpdate registers a listener for every published snapshot.
func (e *Engine) OnUpdate(fn func(models.OrderBook)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Subscribe adds demand for symbol. The first subscriber builds the ladder
// from the latest price, or defers it until one arrives, and starts the tick.
func (e *Engine) Subscribe(ctx context.Context, symbol string) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.mu.Lock()
	if ent, ok := e.books[symbol]; ok {
		ent.refs++
		e.mu.Unlock()
		return nil
	}
	ent := &entry{refs: 1, stop: make(chan struct{}), done: make(chan struct{})}
	e.books[symbol] = ent
	var snapshot *models.OrderBook
	if price, ok := e.prices.LatestPrice(ctx, symbol); ok {
		ent.market = price
		snapshot = e.initLocked(symbol, ent, price)
	}
	e.mu.Unlock()

	go e.loop(symbol, ent)

	if snapshot == nil {
		e.logger.Info("Book deferred until first price", zap.String("symbol", symbol))
		return nil
	}
	e.logger.Info("Book initialised", zap.String("symbol", symbol), zap.Float64("price", snapshot.MarketPrice))
	e.publish(ctx, *snapshot)
	return nil
}

// Unsubscribe drops demand. At zero the timer is stopped before returning and
// the state is discarded; the sequence counter is kept.
func (e *Engine) Unsubscribe(symbol string) error {
	e.mu.Lock()
	ent, ok := e.books[symbol]
	if !ok {
		e.mu.Unlock()
		return ErrNotSubscribed
	}
	ent.refs--
	if ent.refs > 0 {
		e.mu.Unlock()
		return nil
	}
	delete(e.books, symbol)
	close(ent.stop)
	e.mu.Unlock()

	<-ent.done

	// Drop the snapshot so lazy reads rebuild from the live price.
	e.publishMu.Lock()
	err := e.cache.Delete(context.Background(), repository.OrderBookKey(symbol))
	e.publishMu.Unlock()
	if err != nil {
		e.logger.Warn("Book cache delete failed", zap.String("symbol", symbol), zap.Error(err))
	}
	e.logger.Info("Book stopped", zap.String("symbol", symbol))
	return nil
}

// OnQuote feeds market prices in. Deferred books initialise here.
func (e *Engine) OnQuote(q models.Quote) {
	if q.Price <= 0 {
		return
	}
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.mu.Lock()
	ent, ok := e.books[q.Symbol]
	if !ok {
		e.mu.Unlock()
		return
	}
	ent.market = q.Price
	var snapshot *models.OrderBook
	if ent.book == nil {
		snapshot = e.initLocked(q.Symbol, ent, q.Price)
	}
	e.mu.Unlock()

	if snapshot != nil {
		e.publish(context.Background(), *snapshot)
	}
}

// GetOrderBook returns the live book, else the cached snapshot, else a
// freshly built one when a price is known.
func (e *Engine) GetOrderBook(ctx context.Context, symbol string) (models.OrderBook, error) {
	e.mu.Lock()
	if ent, ok := e.books[symbol]; ok && ent.book != nil {
		b := ent.book.Clone()
		e.mu.Unlock()
		return b, nil
	}
	e.mu.Unlock()

	if raw, err := e.cache.Get(ctx, repository.OrderBookKey(symbol)); err == nil {
		var b models.OrderBook
		if err := json.Unmarshal(raw, &b); err == nil && len(b.Asks) > 0 {
			return b, nil
		}
	}

	price, ok := e.prices.LatestPrice(ctx, symbol)
	if !ok {
		return models.OrderBook{}, ErrBookUnavailable
	}

	e.mu.Lock()
	b := e.buildLadder(symbol, price)
	e.lastSeq[symbol]++
	b.Sequence = e.lastSeq[symbol]
	b.LastUpdate = e.now().UnixMilli()
	e.mu.Unlock()

	e.store(ctx, b)
	return b, nil
}

func (e *Engine) GetMarketDepth(ctx context.Context, symbol string) (models.MarketDepth, error) {
	b, err := e.GetOrderBook(ctx, symbol)
	if err != nil {
		return models.MarketDepth{}, ErrBookUnavailable
	}
	return Depth(b), nil
}

// Active lists subscribed symbols, including deferred ones.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.books))
	for sym := range e.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) RefCount(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.books[symbol]; ok {
		return ent.refs
	}
	return 0
}

// Stop halts every timer. Used on shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	entries := make([]*entry, 0, len(e.books))
	for sym, ent := range e.books {
		delete(e.books, sym)
		close(ent.stop)
		entries = append(entries, ent)
	}
	e.mu.Unlock()

	for _, ent := range entries {
		<-ent.done
	}
}

func (e *Engine) initLocked(symbol string, ent *entry, price float64) *models.OrderBook {
	b := e.buildLadder(symbol, price)
	e.lastSeq[symbol]++
	b.Sequence = e.lastSeq[symbol]
	b.LastUpdate = e.now().UnixMilli()
	ent.book = &b
	snapshot := b.Clone()
	return &snapshot
}

func (e *Engine) loop(symbol string, ent *entry) {
	defer close(ent.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ent.stop:
			return
		case <-ticker.C:
			e.tick(symbol, ent)
		}
	}
}

// tick perturbs the ladder and publishes it. A book whose market price has
// left the inside spread is rebuilt around the new price.
func (e *Engine) tick(symbol string, ent *entry) bool {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	ctx := context.Background()
	e.mu.Lock()
	if e.books[symbol] != ent {
		e.mu.Unlock()
		return false
	}
	if price, ok := e.prices.LatestPrice(ctx, symbol); ok {
		ent.market = price
	}

	if ent.book == nil {
		var snapshot *models.OrderBook
		if ent.market > 0 {
			snapshot = e.initLocked(symbol, ent, ent.market)
		}
		e.mu.Unlock()
		if snapshot == nil {
			return false
		}
		e.publish(ctx, *snapshot)
		return true
	}

	b := ent.book
	if ent.market > 0 && !insideSpread(b, ent.market) {
		rebuilt := e.buildLadder(symbol, ent.market)
		rebuilt.Sequence = b.Sequence
		*b = rebuilt
	} else {
		if ent.market > 0 {
			b.MarketPrice = ent.market
		}
		e.perturb(b)
		refreshTop(b)
	}
	e.lastSeq[symbol]++
	b.Sequence = e.lastSeq[symbol]
	b.LastUpdate = e.now().UnixMilli()
	snapshot := b.Clone()
	e.mu.Unlock()

	e.publish(ctx, snapshot)
	return true
}

func (e *Engine) publish(ctx context.Context, b models.OrderBook) {
	e.store(ctx, b)

	e.hooksMu.RLock()
	listeners := append(([]func(models.OrderBook))(nil), e.listeners...)
	e.hooksMu.RUnlock()
	for _, fn := range listeners {
		fn(b)
	}
}

func (e *Engine) store(ctx context.Context, b models.OrderBook) {
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, repository.OrderBookKey(b.Symbol), raw, e.cfg.CacheTTL); err != nil {
		e.logger.Warn("Order book cache write failed", zap.String("symbol", b.Symbol), zap.Error(err))
	}
}
