package repository

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache: miss")

// Cache is the volatile shared store. Entries may vanish at any time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

func QuoteKey(symbol string) string     { return "quote:" + symbol }
func OrderBookKey(symbol string) string { return "orderbook:" + symbol }
func SeriesKey(symbol, interval string) string {
	return "timeseries:" + symbol + ":" + interval
}
func SymbolsKey(exchange string) string { return "symbols:" + exchange }
