package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/apiserver"
	"github.com/railrepay/evaluation-coordinator/pkg/config"
	"github.com/railrepay/evaluation-coordinator/pkg/eventbus"
	"github.com/railrepay/evaluation-coordinator/pkg/store/postgres"
)

// App owns the HTTP listener and both event-consumer handles so there are
// no package-level mutable globals. Stop ordering matters: intake first,
// in-flight work drains, the database pool closes last.
type App struct {
	httpServer        *http.Server
	delayConsumer     *eventbus.Consumer
	finalizedConsumer *eventbus.Consumer
	producer          *eventbus.Producer
	store             *postgres.Store
	background        *sync.WaitGroup
	logger            *zap.Logger

	cancelConsumers context.CancelFunc
}

// New wires the app around a shared wait group; the HTTP handlers register
// their post-202 evaluation goroutines on it so Stop can drain them.
func New(cfg *config.Config, server *apiserver.Server, delayConsumer, finalizedConsumer *eventbus.Consumer, producer *eventbus.Producer, store *postgres.Store, background *sync.WaitGroup, logger *zap.Logger) *App {
	if background == nil {
		background = &sync.WaitGroup{}
	}
	return &App{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			Handler:      server.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.ReadTimeout * 2,
		},
		delayConsumer:     delayConsumer,
		finalizedConsumer: finalizedConsumer,
		producer:          producer,
		store:             store,
		background:        background,
		logger:            logger,
	}
}

func (a *App) Start() {
	consumerCtx, cancel := context.WithCancel(context.Background())
	a.cancelConsumers = cancel

	go func() {
		a.logger.Info("starting http server", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("http server error", zap.Error(err))
		}
	}()

	go a.runConsumer(consumerCtx, a.delayConsumer, "delay")
	go a.runConsumer(consumerCtx, a.finalizedConsumer, "finalized")
}

func (a *App) runConsumer(ctx context.Context, consumer *eventbus.Consumer, name string) {
	a.logger.Info("starting event consumer", zap.String("consumer", name))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("event consumer stopped", zap.String("consumer", name), zap.Error(err))
	}
}

// Stop shuts down in dependency order: no new HTTP requests, no new event
// deliveries, in-flight work drains, then the pool, so nothing uses a
// closed database. Consumer Close blocks until the current handler call
// returns; the wait group covers evaluations started from the HTTP path.
func (a *App) Stop(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server forced to shut down", zap.Error(err))
	}

	if err := a.delayConsumer.Close(); err != nil {
		a.logger.Error("failed to close delay consumer", zap.Error(err))
	}
	if err := a.finalizedConsumer.Close(); err != nil {
		a.logger.Error("failed to close finalized consumer", zap.Error(err))
	}
	if a.cancelConsumers != nil {
		a.cancelConsumers()
	}

	a.background.Wait()

	if err := a.producer.Close(); err != nil {
		a.logger.Error("failed to close producer", zap.Error(err))
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close database pool", zap.Error(err))
	}

	a.logger.Info("shutdown complete")
}
