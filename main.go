package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/kravtsov-ilia/simple-event-service/api"
	"github.com/kravtsov-ilia/simple-event-service/config"
	"github.com/kravtsov-ilia/simple-event-service/consumer"
	"github.com/kravtsov-ilia/simple-event-service/storage"
	"github.com/kravtsov-ilia/simple-event-service/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, history, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer closeStore()

	var deduper consumer.Deduper
	if opts := cfg.Redis.RedisOptions(); opts != nil {
		rc := redis.NewClient(opts)
		defer rc.Close()
		deduper = consumer.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
		logger.Info("redelivery dedupe enabled")
	}

	source, err := newSource(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("broker: %v", err)
	}

	registry := subscription.NewRegistry()
	dispatcher := subscription.NewDispatcher(registry, logger, cfg.Consumer.FanoutConcurrency)
	processor := consumer.NewProcessor(store, dispatcher, deduper, logger, consumer.RetryPolicy{
		Initial: cfg.Consumer.RetryInitial,
		Max:     cfg.Consumer.RetryMax,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	server := api.Register(e, registry, processor, history, cfg.Server, logger)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx, source, processor.Handle, logger, consumer.Backoff{
			Initial: cfg.Consumer.ReconnectInitial,
			Max:     cfg.Consumer.ReconnectMax,
		})
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.WithField("addr", addr).Info("notification relay listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("websocket shutdown")
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("consumer did not stop before the shutdown timeout")
	}
}

func newLogger(cfg config.LogConfig) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func newStore(ctx context.Context, cfg *config.Config) (consumer.Store, api.History, func(), error) {
	switch cfg.Store.Kind {
	case config.StoreSQLite:
		s, err := storage.NewSQLStore(ctx, cfg.Store.SQLiteDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { s.Close() }, nil
	default:
		s, err := storage.NewTableStore(cfg.Broker.StorageConnectionString, cfg.Store.Table)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := s.EnsureTable(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("ensure table %s: %w", cfg.Store.Table, err)
		}
		return s, nil, func() {}, nil
	}
}

func newSource(ctx context.Context, cfg *config.Config, logger log.FieldLogger) (consumer.Source, error) {
	switch cfg.Broker.Kind {
	case config.BrokerAzQueue:
		src, err := consumer.NewAzureQueueSource(consumer.AzureQueueConfig{
			ConnectionString:  cfg.Broker.StorageConnectionString,
			Queue:             cfg.Broker.Queue,
			VisibilityTimeout: cfg.Broker.VisibilityTimeout,
			PollInterval:      cfg.Broker.PollInterval,
			MaxDequeueCount:   cfg.Broker.MaxDequeueCount,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := src.EnsureQueue(ctx); err != nil {
			return nil, err
		}
		return src, nil
	default:
		return consumer.NewAMQPSource(consumer.AMQPConfig{
			URL:        cfg.Broker.AMQPURL,
			Exchange:   cfg.Broker.Exchange,
			Queue:      cfg.Broker.Queue,
			BindingKey: cfg.Broker.BindingKey,
			Prefetch:   cfg.Broker.Prefetch,
		}, logger), nil
	}
}
