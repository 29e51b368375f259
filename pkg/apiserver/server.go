package apiserver

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/apiserver/handlers"
	"github.com/railrepay/evaluation-coordinator/pkg/apiserver/middleware"
	"github.com/railrepay/evaluation-coordinator/pkg/metrics"
)

type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// NewServer builds the router; background tracks handler goroutines that
// outlive their request so the app can drain them on shutdown.
func NewServer(store handlers.WorkflowStore, driver handlers.Driver, logger *zap.Logger, recorder *metrics.Recorder, gatherer prometheus.Gatherer, background *sync.WaitGroup) *Server {
	s := &Server{logger: logger}
	s.setupRouter(store, driver, recorder, gatherer, background)
	return s
}

func (s *Server) setupRouter(store handlers.WorkflowStore, driver handlers.Driver, recorder *metrics.Recorder, gatherer prometheus.Gatherer, background *sync.WaitGroup) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	evaluationHandler := handlers.NewEvaluationHandler(store, driver, s.logger, recorder, background)
	r.POST("/evaluate/:journeyID", evaluationHandler.Evaluate)
	r.GET("/status/:journeyID", evaluationHandler.Status)

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
