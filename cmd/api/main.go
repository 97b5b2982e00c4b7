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

	"mailqueue/internal/config"
	"mailqueue/internal/handler"
	"mailqueue/internal/httpserver"
	"mailqueue/internal/push"
	"mailqueue/internal/repository"
	"mailqueue/internal/service"
	"mailqueue/pkg/db"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/mq"
	"mailqueue/pkg/otel"
	"mailqueue/pkg/outbox"
	"mailqueue/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "mailqueue-api"
	}
	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	outboxRepo := outbox.NewRepository(dbConn)
	emailRepo := repository.NewEmailRepository(dbConn, outboxRepo)

	// 表不存在时拒绝启动
	if err := emailRepo.CheckTable(ctx); err != nil {
		log.Fatal("queue table check failed", zap.Error(err))
	}

	// RabbitMQ publisher for the outbox relay
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	relay := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	go relay.Start(ctx)

	// Push fan-out
	hub := push.NewHub(cfg.Push, log)
	var notifier service.Notifier = hub
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		fanout := push.NewRedisFanout(rdb, hub, log)
		go fanout.Run(ctx, nil)
		notifier = fanout
	}

	queue := service.NewQueueService(emailRepo, notifier, log)

	router := httpserver.NewRouter(
		handler.NewEmailHandler(queue, log),
		handler.NewWSHandler(hub, queue, cfg.Push.PingInterval, log),
		map[string]httpserver.ReadinessCheck{
			"db": dbConn.Ping,
			"mq": func(context.Context) error {
				if !publisher.IsConnected() {
					return errors.New("publisher disconnected")
				}
				return nil
			},
		},
		log,
	)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("API server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down API server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	log.Info("API server shutdown complete")
}
