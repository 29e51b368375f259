package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/apiserver"
	"github.com/railrepay/evaluation-coordinator/pkg/app"
	"github.com/railrepay/evaluation-coordinator/pkg/config"
	"github.com/railrepay/evaluation-coordinator/pkg/eventbus"
	"github.com/railrepay/evaluation-coordinator/pkg/gateway"
	"github.com/railrepay/evaluation-coordinator/pkg/intake"
	"github.com/railrepay/evaluation-coordinator/pkg/metrics"
	"github.com/railrepay/evaluation-coordinator/pkg/orchestrator"
	"github.com/railrepay/evaluation-coordinator/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	repo := postgres.NewWorkflowRepository(db.DB())
	decisionClient := gateway.NewDecisionClient(&cfg.Decision, logger)
	orch := orchestrator.New(repo, decisionClient, logger, recorder)

	var deduper eventbus.Deduper
	if len(cfg.Redis.Addresses) > 0 {
		redisDeduper, err := eventbus.DialRedisDeduper(&cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisDeduper.Close()
		deduper = redisDeduper
	} else {
		logger.Warn("redis not configured, using in-process event dedupe")
		deduper = eventbus.NewMemoryDeduper(cfg.Redis.DedupeTTL)
	}

	producer := eventbus.NewProducer(eventbus.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	})

	delayHandler := intake.NewDelayNotificationHandler(repo, orch, logger, recorder)
	finalizedHandler := intake.NewEvaluationFinalizedHandler(repo, orch, logger, recorder)

	// Distinct group ids keep the two consumer loops from contending for
	// each other's events.
	delayConsumer := eventbus.NewConsumer(eventbus.ConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		GroupID:    cfg.Kafka.DelayGroup,
		Topic:      cfg.Kafka.DelayTopic,
		RetryTopic: cfg.Kafka.DelayRetryTopic,
		DLQTopic:   cfg.Kafka.DLQTopic,
		MaxRetries: cfg.Kafka.MaxRetries,
	}, producer, delayHandler.Handle, deduper, logger)

	finalizedConsumer := eventbus.NewConsumer(eventbus.ConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		GroupID:    cfg.Kafka.FinalizedGroup,
		Topic:      cfg.Kafka.FinalizedTopic,
		RetryTopic: cfg.Kafka.FinalizedRetryTopic,
		DLQTopic:   cfg.Kafka.DLQTopic,
		MaxRetries: cfg.Kafka.MaxRetries,
	}, producer, finalizedHandler.Handle, deduper, logger)

	// Shared between the server (registers post-202 evaluations) and the
	// app (drains them before closing the pool).
	var background sync.WaitGroup

	server := apiserver.NewServer(repo, orch, logger, recorder, registry, &background)

	application := app.New(cfg, server, delayConsumer, finalizedConsumer, producer, db, &background, logger)
	application.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	application.Stop(ctx)
}
