// Package api is the operator HTTP surface of the admission engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/broker"
	"github.com/rustyeddy/guardrail/risk"
)

// Options configures a Server.
type Options struct {
	Gate *broker.Gate
	// Paper, when set, receives every marked price so paper orders can fill
	// at the last price.
	Paper    *broker.Paper
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server represents the API server.
type Server struct {
	router    *gin.Engine
	gate      *broker.Gate
	engine    *risk.Engine
	paper     *broker.Paper
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	validator *validator.Validate
}

func NewServer(opts Options) *Server {
	s := &Server{
		gate:      opts.Gate,
		engine:    opts.Gate.Engine(),
		paper:     opts.Paper,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger,
		validator: newValidator(),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("stopping API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthCheck)
		v1.GET("/snapshot", s.getSnapshot)

		orders := v1.Group("/orders")
		{
			orders.POST("", s.submitOrder)
			orders.POST("/evaluate", s.evaluateOrder)
			orders.POST("/admit", s.admitOrder)
		}

		tickets := v1.Group("/tickets")
		{
			tickets.POST("/:id/commit", s.commitTicket)
			tickets.DELETE("/:id", s.releaseTicket)
		}

		v1.POST("/fills", s.applyFill)
		v1.POST("/positions", s.recordPositionChange)
		v1.GET("/positions", s.listPositions)
		v1.POST("/prices", s.markPrice)
		v1.GET("/exposure", s.getTotalExposure)
		v1.GET("/exposure/:symbol", s.getSymbolExposure)

		v1.GET("/policy", s.getPolicy)
		v1.PATCH("/policy", s.updatePolicy)

		v1.POST("/loss", s.recordLoss)
		v1.POST("/daily/reset", s.resetDaily)

		breaker := v1.Group("/breaker")
		{
			breaker.GET("", s.breakerStatus)
			breaker.POST("/trip", s.tripBreaker)
			breaker.POST("/untrip", s.untripBreaker)
		}
		v1.PUT("/dryrun", s.setDryRun)
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
