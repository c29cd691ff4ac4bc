package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/auth"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/book"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/bus"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/gateway"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/ingest"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/upstream"
	"github.com/shubham-shewale/marketstream/pkg/config"
)

const localSecret = "local-dev-secret"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	instanceID := cfg.App.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With(zap.String("instance", instanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := repository.NewRedisStore(rdb)
	if err := store.Ping(ctx); err != nil {
		logger.Warn("Redis unreachable at startup, serving from memory until it recovers", zap.Error(err))
	}

	rest := upstream.NewRESTClient(cfg.Upstream.RestURL, cfg.Upstream.APIKey, cfg.Upstream.RequestTimeout)
	dialer := upstream.NewStreamDialer(cfg.Upstream.StreamURL, cfg.Upstream.APIKey)

	quotes := ingest.NewManager(ingest.ConfigFromUpstream(cfg.Upstream), store, rest, dialer, logger.Named("ingest"))
	books := book.NewEngine(book.ConfigFromBook(cfg.Book), store, quotes, book.NewRealRand(), logger.Named("book"))
	wsHub := hub.NewHub(hub.ConfigFromHub(cfg.Hub, instanceID), quotes, books, logger.Named("hub"))

	mirror := newMirror(ctx, cfg.Kafka, instanceID, logger.Named("bus"))
	wsHub.SetMirror(mirror)

	quotes.OnUpdate(wsHub.OnQuote)
	quotes.OnUpdate(books.OnQuote)
	quotes.OnConnectionFailed(wsHub.OnFeedFailed)
	quotes.OnStateChange(func(s ingest.State) {
		logger.Info("Upstream state changed", zap.String("state", s.String()))
	})
	books.OnUpdate(wsHub.OnBook)

	secret := cfg.Auth.Secret
	if secret == "" {
		logger.Warn("No auth secret configured, using the local development secret")
		secret = localSecret
	}

	server := gateway.NewServer(gateway.Deps{
		Hub:    wsHub,
		Quotes: quotes,
		Books:  books,
		Auth:   auth.NewVerifier(secret, cfg.Auth.Issuer),
		Health: store,
		Stats: func() interface{} {
			return map[string]interface{}{
				"hub":    wsHub.Stats(),
				"ingest": quotes.Stats(),
				"books":  books.Active(),
			}
		},
		SendBuffer: cfg.Hub.SendBuffer,
	}, logger.Named("gateway"))

	srv := &http.Server{Addr: cfg.App.Port, Handler: server.Handler()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := quotes.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, ingest.ErrConnectionFailed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return mirror.Subscribe(gctx, wsHub.HandleRemote) })
	g.Go(func() error {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		wsHub.Shutdown()
		books.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Gateway stopped with error", zap.Error(err))
	}

	if err := mirror.Close(); err != nil {
		logger.Warn("Error closing bus", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("Error closing redis", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}

// newMirror prefers Kafka and degrades to in-process delivery when it is
// disabled or the topic cannot be ensured.
func newMirror(ctx context.Context, cfg config.KafkaConfig, instanceID string, logger *zap.Logger) bus.Bus {
	if !cfg.Enabled {
		logger.Info("Kafka disabled, events stay on this instance")
		return bus.NewLocalBus(logger)
	}

	tc := bus.NewTopicCreator(logger, &bus.RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 5 * time.Second}}, bus.RealClock{})
	if err := tc.Ensure(ctx, cfg.Brokers, bus.TopicSpecFromConfig(cfg)); err != nil {
		logger.Warn("Kafka topic unavailable, falling back to local bus", zap.String("topic", cfg.Topic), zap.Error(err))
		return bus.NewLocalBus(logger)
	}
	logger.Info("Kafka mirror ready", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return bus.NewKafkaBusFromConfig(cfg, instanceID, logger)
}
