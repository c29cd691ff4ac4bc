package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LocalBus delivers in-process only. It stands in when Kafka is disabled or
// unreachable.
type LocalBus struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
}

func NewLocalBus(logger *zap.Logger) *LocalBus {
	return &LocalBus{logger: logger, handlers: make(map[int]Handler)}
}

// Publish runs every handler on the caller's goroutine.
func (b *LocalBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			b.logger.Warn("Bus handler failed", zap.String("group", msg.Group), zap.Error(err))
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }
