package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/feedsim/internal/feed"
	"github.com/shubham-shewale/marketstream/pkg/config"
)

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

	base := make(map[string]float64)
	for k, v := range feed.DefaultBasePrices {
		base[k] = v
	}
	for _, sym := range cfg.Feedsim.Symbols {
		if _, ok := base[sym]; !ok {
			base[sym] = 100.0
		}
	}

	sim := feed.NewSimulator(logger, base, feed.NewRealRand(), feed.RealClock{})
	server := feed.NewServer(sim, cfg.Feedsim.Interval, cfg.Upstream.APIKey, logger)
	srv := &http.Server{Addr: cfg.Feedsim.Port, Handler: server.Handler()}

	go func() {
		logger.Info("Feed simulator started", zap.String("port", cfg.Feedsim.Port), zap.Duration("interval", cfg.Feedsim.Interval))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}
