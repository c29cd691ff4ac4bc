package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/repository"
)

func TestGetTimeSeries_VendorThenCache(t *testing.T) {
	f := newFixture(testConfig())
	ctx := context.Background()
	f.rest.Series = []map[string]interface{}{
		{"datetime": "2024-01-03", "close": "11"},
		{"datetime": "2024-01-02", "close": "10"},
	}

	candles, err := f.m.GetTimeSeries(ctx, "aapl", "1day", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 11.0, candles[0].Close)

	_, err = f.cache.Get(ctx, repository.SeriesKey("AAPL", "1day"))
	require.NoError(t, err)

	// Vendor outage: the cached series is served instead.
	f.rest.FailAll = true
	candles, err = f.m.GetTimeSeries(ctx, "AAPL", "1day", 2)
	require.NoError(t, err)
	assert.Len(t, candles, 2)
	assert.Equal(t, 11.0, candles[0].Close)
}

func TestGetTimeSeries_MockWhenNothingElse(t *testing.T) {
	f := newFixture(testConfig())
	f.rest.FailAll = true

	candles, err := f.m.GetTimeSeries(context.Background(), "NVDA", "1h", 10)
	require.NoError(t, err)
	require.Len(t, candles, 10)
	assert.Equal(t, round2(basePrice("NVDA")), candles[9].Close, "mock series ends at the base price")
	assert.Less(t, candles[0].Time, candles[9].Time)
}

func TestGetTimeSeries_UnavailableWithoutMock(t *testing.T) {
	cfg := testConfig()
	cfg.MockFallback = false
	f := newFixture(cfg)
	f.rest.FailAll = true

	_, err := f.m.GetTimeSeries(context.Background(), "NVDA", "1day", 10)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetSymbols_FallsBackToDefaults(t *testing.T) {
	f := newFixture(testConfig())
	f.rest.FailAll = true

	all, err := f.m.GetSymbols(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, len(DefaultSymbols))

	none, err := f.m.GetSymbols(context.Background(), "LSE")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetSymbols_FromVendor(t *testing.T) {
	f := newFixture(testConfig())
	f.rest.Symbols = []map[string]interface{}{
		{"symbol": "IBM", "instrument_name": "IBM", "exchange": "NYSE"},
		{"name": "skipped without symbol"},
	}

	out, err := f.m.GetSymbols(context.Background(), "NYSE")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "IBM", out[0].Symbol)
}
