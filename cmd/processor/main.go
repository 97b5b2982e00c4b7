package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailqueue/internal/assistant"
	"mailqueue/internal/config"
	"mailqueue/internal/mqhandler"
	"mailqueue/internal/repository"
	"mailqueue/internal/service"
	"mailqueue/pkg/db"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/mq"
	"mailqueue/pkg/otel"
	"mailqueue/pkg/outbox"
)

const (
	queueName = "email.inserted.processor.q"
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

	if err := cfg.ValidateProcessor(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("Starting email processor...")

	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "mailqueue-processor"
	}
	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownTracing()

	// 任务根 context：收到信号后先排空再取消
	rootCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("DB ready")

	emailRepo := repository.NewEmailRepository(dbConn, outbox.NewRepository(dbConn))

	// pipeline
	client := assistant.NewClient(cfg.Assistant, nil, log)
	orchestrator := service.NewOrchestrator(client, service.PollConfig{
		Interval: cfg.Pipeline.PollInterval,
		MaxWait:  cfg.Pipeline.MaxWait,
		MaxPolls: cfg.Pipeline.MaxPolls,
	}, log)
	writer := service.NewStatusWriter(emailRepo, cfg.Pipeline.WriteTimeout, log)
	processor := service.NewProcessor(orchestrator, writer, cfg.Pipeline.MarkProcessing, log)
	dispatcher := mqhandler.NewDispatcher(processor, cfg.Pipeline.MaxInFlight, log)

	log.Info("Init consumer", zap.String("queue", queueName))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, queueName, mq.RoutingKeyEmailInserted, cfg.MQ.Prefetch, log)
	if err != nil {
		log.Fatal("consumer init failed", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetAsyncHandler(dispatcher.HandleAsync)

	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- consumer.StartConsuming(rootCtx)
	}()

	// health & metrics
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := dbConn.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: cfg.Server.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server failed", zap.Error(err))
		}
	}()

	log.Info("Processor running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	consumerStopped := false
	select {
	case <-quit:
	case err := <-consumeDone:
		log.Error("consumer stopped", zap.Error(err))
		consumerStopped = true
	}

	log.Info("Shutting down processor gracefully...")

	log.Info("Stopping MQ consumer...")
	consumer.Stop()
	// 消费循环退出后不会再有新任务进入 dispatcher
	if !consumerStopped {
		select {
		case <-consumeDone:
		case <-time.After(cfg.Pipeline.DrainTimeout):
			log.Warn("consume loop did not stop in time")
			cancelTasks()
			<-consumeDone
		}
	}

	log.Info("Draining in-flight tasks...", zap.Duration("timeout", cfg.Pipeline.DrainTimeout))
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout)
	if err := dispatcher.Wait(drainCtx); err != nil {
		log.Warn("drain timed out, requeueing remaining tasks", zap.Error(err))
	}
	cancelDrain()
	cancelTasks()

	// 被取消的任务不写状态，消息 nack 后重新入队；需在关闭通道前完成
	_ = dispatcher.Wait(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Info("Processor shutdown complete")
}
