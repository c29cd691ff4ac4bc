package book

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/testutils"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePrices() *fakePrices { return &fakePrices{prices: make(map[string]float64)} }

func (f *fakePrices) set(symbol string, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = p
}

func (f *fakePrices) LatestPrice(ctx context.Context, symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, ok
}

type bookRecorder struct {
	mu    sync.Mutex
	books []models.OrderBook
}

func (r *bookRecorder) record(b models.OrderBook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = append(r.books, b)
}

func (r *bookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.books)
}

func (r *bookRecorder) last() models.OrderBook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.books[len(r.books)-1]
}

func newTestEngine(tick time.Duration) (*Engine, *fakePrices, *testutils.MockCache) {
	prices := newFakePrices()
	cache := testutils.NewMockCache()
	cfg := Config{
		Levels:        20,
		TickInterval:  tick,
		StepFraction:  0.0005,
		BaseQuantity:  1000,
		Decay:         0.9,
		PerturbLevels: 5,
		PerturbPct:    0.1,
	}
	e := NewEngine(cfg, cache, prices, RealRand{rand.New(rand.NewSource(42))}, zap.NewNop())
	return e, prices, cache
}

func TestBuildLadder(t *testing.T) {
	e, _, _ := newTestEngine(time.Hour)
	b := e.buildLadder("AAPL", 100)

	require.Len(t, b.Bids, 20)
	require.Len(t, b.Asks, 20)
	assert.Equal(t, 99.95, b.Bids[0].Price)
	assert.Equal(t, 100.05, b.Asks[0].Price)
	assert.Equal(t, 1000.0, b.Bids[0].Quantity)
	assert.Equal(t, 900.0, b.Asks[1].Quantity)
	assert.Equal(t, 10, b.Bids[0].Orders)
	assert.Equal(t, 9, b.Asks[1].Orders)
	assert.Equal(t, 99950.0, b.Bids[0].Total)
	assert.Equal(t, 0.1, b.Spread)
	assert.Equal(t, 0.1, b.SpreadPercent)

	for i := 1; i < len(b.Bids); i++ {
		assert.Less(t, b.Bids[i].Price, b.Bids[i-1].Price, "bids descend")
		assert.Greater(t, b.Asks[i].Price, b.Asks[i-1].Price, "asks ascend")
	}
}

func TestBuildLadder_SubDollarPrecision(t *testing.T) {
	e, _, _ := newTestEngine(time.Hour)

	b := e.buildLadder("XRP", 0.5)
	assert.Equal(t, 0.49975, b.Bids[0].Price)
	assert.Equal(t, 0.50025, b.Asks[0].Price)

	// The tick never drops below one unit of precision; non-positive bids are cut.
	tiny := e.buildLadder("DUST", 0.000002)
	require.Len(t, tiny.Bids, 1)
	assert.Equal(t, 0.000001, tiny.Bids[0].Price)
	assert.Len(t, tiny.Asks, 20)
	assert.Less(t, tiny.Bids[0].Price, tiny.Asks[0].Price)
}

func TestEngine_SubscribeWithPriceInitialises(t *testing.T) {
	e, prices, cache := newTestEngine(time.Hour)
	defer e.Stop()
	rec := &bookRecorder{}
	e.OnUpdate(rec.record)
	prices.set("AAPL", 189.5)

	require.NoError(t, e.Subscribe(context.Background(), "AAPL"))

	require.Equal(t, 1, rec.count())
	b, err := e.GetOrderBook(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Sequence)
	assert.Equal(t, 189.5, b.MarketPrice)
	assert.Len(t, b.Bids, 20)

	raw, err := cache.Get(context.Background(), repository.OrderBookKey("AAPL"))
	require.NoError(t, err)
	var cached models.OrderBook
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, b.Sequence, cached.Sequence)
}

func TestEngine_DeferredUntilPrice(t *testing.T) {
	e, _, _ := newTestEngine(time.Hour)
	defer e.Stop()
	rec := &bookRecorder{}
	e.OnUpdate(rec.record)
	ctx := context.Background()

	require.NoError(t, e.Subscribe(ctx, "NVDA"))
	assert.Equal(t, []string{"NVDA"}, e.Active())
	assert.Zero(t, rec.count())

	_, err := e.GetOrderBook(ctx, "NVDA")
	assert.ErrorIs(t, err, ErrBookUnavailable)
	_, err = e.GetMarketDepth(ctx, "NVDA")
	assert.ErrorIs(t, err, ErrBookUnavailable)

	e.OnQuote(models.Quote{Symbol: "NVDA", Price: 120})
	require.Equal(t, 1, rec.count())
	assert.Equal(t, 120.0, rec.last().MarketPrice)

	// Later quotes don't rebuild the book outside a tick.
	e.OnQuote(models.Quote{Symbol: "NVDA", Price: 121})
	assert.Equal(t, 1, rec.count())
}

func TestEngine_OnQuoteIgnoresUnsubscribed(t *testing.T) {
	e, _, cache := newTestEngine(time.Hour)
	e.OnQuote(models.Quote{Symbol: "AAPL", Price: 100})
	assert.Empty(t, e.Active())
	assert.Zero(t, cache.SetCount)
}

func TestEngine_TickKeepsInvariants(t *testing.T) {
	e, prices, _ := newTestEngine(time.Hour)
	defer e.Stop()
	prices.set("AAPL", 100)
	require.NoError(t, e.Subscribe(context.Background(), "AAPL"))

	e.mu.Lock()
	ent := e.books["AAPL"]
	e.mu.Unlock()

	rnd := rand.New(rand.NewSource(7))
	price := 100.0
	prevSeq := int64(1)
	for i := 0; i < 200; i++ {
		price += (rnd.Float64() - 0.5) * 0.4
		prices.set("AAPL", price)
		require.True(t, e.tick("AAPL", ent))

		b, err := e.GetOrderBook(context.Background(), "AAPL")
		require.NoError(t, err)
		assert.Greater(t, b.Sequence, prevSeq)
		prevSeq = b.Sequence

		bid, _ := b.BestBid()
		ask, _ := b.BestAsk()
		assert.Less(t, bid.Price, ask.Price)
		assert.Less(t, bid.Price, price)
		assert.Greater(t, ask.Price, price)
		for _, l := range append(b.Bids, b.Asks...) {
			assert.GreaterOrEqual(t, l.Quantity, 1.0)
			assert.GreaterOrEqual(t, l.Orders, 1)
		}

		d := Depth(b)
		assert.GreaterOrEqual(t, d.PressureIndex, 0)
		assert.LessOrEqual(t, d.PressureIndex, 100)
	}
}

func TestEngine_TickRecentresOnPriceJump(t *testing.T) {
	e, prices, _ := newTestEngine(time.Hour)
	defer e.Stop()
	prices.set("AAPL", 100)
	require.NoError(t, e.Subscribe(context.Background(), "AAPL"))

	e.mu.Lock()
	ent := e.books["AAPL"]
	e.mu.Unlock()

	prices.set("AAPL", 120)
	require.True(t, e.tick("AAPL", ent))

	b, _ := e.GetOrderBook(context.Background(), "AAPL")
	assert.Equal(t, 119.94, b.Bids[0].Price)
	assert.Equal(t, 120.06, b.Asks[0].Price)
	assert.Equal(t, int64(2), b.Sequence)
	assert.Equal(t, 120.0, b.MarketPrice)
}

func TestEngine_RefCountedLifecycle(t *testing.T) {
	e, prices, _ := newTestEngine(5 * time.Millisecond)
	defer e.Stop()
	rec := &bookRecorder{}
	e.OnUpdate(rec.record)
	prices.set("AAPL", 100)
	ctx := context.Background()

	require.NoError(t, e.Subscribe(ctx, "AAPL"))
	require.NoError(t, e.Subscribe(ctx, "AAPL"))
	assert.Equal(t, 2, e.RefCount("AAPL"))

	testutils.Eventually(t, time.Second, func() bool { return rec.count() >= 3 }, "timer never ticked")

	require.NoError(t, e.Unsubscribe("AAPL"))
	assert.Equal(t, []string{"AAPL"}, e.Active())

	require.NoError(t, e.Unsubscribe("AAPL"))
	assert.Empty(t, e.Active())
	assert.ErrorIs(t, e.Unsubscribe("AAPL"), ErrNotSubscribed)

	// Unsubscribe waits for the timer, so nothing more is published.
	stopped := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, rec.count())
}

func TestEngine_SequenceContinuesAcrossReinit(t *testing.T) {
	e, prices, _ := newTestEngine(time.Hour)
	defer e.Stop()
	rec := &bookRecorder{}
	e.OnUpdate(rec.record)
	prices.set("AAPL", 100)
	ctx := context.Background()

	require.NoError(t, e.Subscribe(ctx, "AAPL"))
	first := rec.last().Sequence
	require.NoError(t, e.Unsubscribe("AAPL"))

	require.NoError(t, e.Subscribe(ctx, "AAPL"))
	assert.Greater(t, rec.last().Sequence, first)
}

func TestEngine_TickAfterUnsubscribeIsNoop(t *testing.T) {
	e, prices, _ := newTestEngine(time.Hour)
	prices.set("AAPL", 100)
	require.NoError(t, e.Subscribe(context.Background(), "AAPL"))

	e.mu.Lock()
	ent := e.books["AAPL"]
	e.mu.Unlock()
	require.NoError(t, e.Unsubscribe("AAPL"))

	assert.False(t, e.tick("AAPL", ent))
}

func TestEngine_GetOrderBookCacheThenLazy(t *testing.T) {
	e, prices, cache := newTestEngine(time.Hour)
	ctx := context.Background()

	cached := models.OrderBook{Symbol: "MSFT", Asks: []models.OrderBookLevel{{Price: 411, Quantity: 5}}, Sequence: 9}
	raw, _ := json.Marshal(cached)
	require.NoError(t, cache.Set(ctx, repository.OrderBookKey("MSFT"), raw, time.Minute))

	b, err := e.GetOrderBook(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, int64(9), b.Sequence)

	prices.set("TSLA", 240)
	b, err = e.GetOrderBook(ctx, "TSLA")
	require.NoError(t, err)
	assert.Len(t, b.Asks, 20)
	assert.Empty(t, e.Active(), "a lazy read starts no timer")

	_, err = cache.Get(ctx, repository.OrderBookKey("TSLA"))
	assert.NoError(t, err)
}

func TestEngine_LastUnsubscribeDropsCachedBook(t *testing.T) {
	e, prices, cache := newTestEngine(time.Hour)
	ctx := context.Background()
	prices.set("AAPL", 100)

	require.NoError(t, e.Subscribe(ctx, "AAPL"))
	require.NoError(t, e.Subscribe(ctx, "AAPL"))
	_, err := cache.Get(ctx, repository.OrderBookKey("AAPL"))
	require.NoError(t, err)

	require.NoError(t, e.Unsubscribe("AAPL"))
	_, err = cache.Get(ctx, repository.OrderBookKey("AAPL"))
	assert.NoError(t, err, "still subscribed once")

	require.NoError(t, e.Unsubscribe("AAPL"))
	_, err = cache.Get(ctx, repository.OrderBookKey("AAPL"))
	assert.Error(t, err)
}

func TestDepth(t *testing.T) {
	b := models.OrderBook{
		Symbol: "AAPL",
		Bids:   []models.OrderBookLevel{{Price: 99, Quantity: 200}, {Price: 98, Quantity: 100}},
		Asks:   []models.OrderBookLevel{{Price: 101, Quantity: 100}},
	}
	d := Depth(b)
	assert.Equal(t, 300.0, d.BidVolume)
	assert.Equal(t, 100.0, d.AskVolume)
	assert.Equal(t, 2, d.BidDepth)
	assert.Equal(t, 1, d.AskDepth)
	assert.Equal(t, 0.5, d.Imbalance)
	assert.Equal(t, 75, d.PressureIndex)

	empty := Depth(models.OrderBook{Symbol: "X"})
	assert.Zero(t, empty.Imbalance)
	assert.Equal(t, 50, empty.PressureIndex)

	askOnly := Depth(models.OrderBook{Asks: []models.OrderBookLevel{{Price: 1, Quantity: 10}}})
	assert.Equal(t, -1.0, askOnly.Imbalance)
	assert.Equal(t, 0, askOnly.PressureIndex)
}
