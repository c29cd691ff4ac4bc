package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/pkg/config"
)

// KafkaBus mirrors hub events through one Kafka topic. Messages are keyed by
// group id, so a group's events land on one partition and one worker.
type KafkaBus struct {
	logger     *zap.Logger
	writer     KafkaWriter
	reader     KafkaReader
	numWorkers int
	seq        atomic.Int64
}

func NewKafkaBus(logger *zap.Logger, writer KafkaWriter, reader KafkaReader, numWorkers int) *KafkaBus {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &KafkaBus{
		logger:     logger,
		writer:     writer,
		reader:     reader,
		numWorkers: numWorkers,
	}
}

// NewKafkaBusFromConfig wires real kafka-go clients. Every instance reads with
// its own consumer group so each one sees every mirrored event.
func NewKafkaBusFromConfig(cfg config.KafkaConfig, instanceID string, logger *zap.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn("Kafka writer error", zap.String("detail", fmt.Sprintf(msg, args...)))
		}),
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		Topic:             cfg.Topic,
		GroupID:           cfg.GroupID + "-" + instanceID,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           200 * time.Millisecond,
		StartOffset:       kafka.LastOffset,
		CommitInterval:    time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
	})

	return NewKafkaBus(logger, writer, reader, cfg.NumWorkers)
}

func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	msg.Seq = b.seq.Add(1)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Group),
		Value: payload,
	})
}

// Subscribe consumes until ctx is done, then drains the workers.
func (b *KafkaBus) Subscribe(ctx context.Context, handler Handler) error {
	workerChans := make([]chan []byte, b.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < b.numWorkers; i++ {
		workerChans[i] = make(chan []byte, 100)
		wg.Add(1)
		go b.worker(i, workerChans[i], handler, &wg)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		b.logger.Info("Bus consumer started", zap.Int("workers", b.numWorkers))
		for {
			m, err := b.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
					return
				}
				b.logger.Error("Kafka Read Error", zap.Error(err))
				continue
			}

			// Same group always goes to the same worker
			workerID := getWorkerID(m.Key, b.numWorkers)

			select {
			case workerChans[workerID] <- m.Value:
			case <-ctx.Done():
				return
			default:
				b.logger.Warn("Dropping slow bus message", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
			}
		}
	}()

	<-ctx.Done()
	<-readDone

	for _, ch := range workerChans {
		close(ch)
	}
	wg.Wait()
	b.logger.Info("Bus consumer stopped")
	return nil
}

func (b *KafkaBus) worker(id int, msgs <-chan []byte, handler Handler, wg *sync.WaitGroup) {
	defer wg.Done()
	ctx := context.Background()

	// Dedup state is only correct because of deterministic sharding
	lastSeq := make(map[string]int64)

	for payload := range msgs {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}

		key := msg.Origin + "|" + msg.Group
		if msg.Seq <= lastSeq[key] {
			b.logger.Debug("Skipping duplicate bus message", zap.String("group", msg.Group), zap.Int64("seq", msg.Seq))
			continue
		}
		lastSeq[key] = msg.Seq

		if err := handler(ctx, msg); err != nil {
			b.logger.Warn("Bus handler failed", zap.String("group", msg.Group), zap.Int("worker_id", id), zap.Error(err))
		}
	}
}

func (b *KafkaBus) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	return errors.Join(werr, rerr)
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}
