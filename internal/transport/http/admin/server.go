// Package adminhttp exposes the operator API: deploying and stopping
// strategy instances, inspecting tick history, and driving the backtest
// candle cache and run engine.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cryptobots/internal/backtest"
	"cryptobots/internal/logger"
	"cryptobots/internal/store/model"
	"cryptobots/internal/strategy"
)

// RunnerAPI is the slice of the live runner the HTTP layer needs.
type RunnerAPI interface {
	Run(ctx context.Context, typ strategy.Type, params map[string]any, interval string) (string, error)
	Stop(ctx context.Context, id string) error
	Instances(ctx context.Context, limit int) ([]model.StrategyInstanceModel, error)
	TickLogs(ctx context.Context, id string, limit int) ([]model.TickLogModel, error)
}

type Server struct {
	addr    string
	runner  RunnerAPI
	engine  *backtest.Engine
	sync    *backtest.SyncService
	results *backtest.ResultStore
	router  *gin.Engine
}

type ServerConfig struct {
	Addr    string
	Runner  RunnerAPI
	Engine  *backtest.Engine
	Sync    *backtest.SyncService
	Results *backtest.ResultStore
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("admin http server requires the runner")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:    cfg.Addr,
		runner:  cfg.Runner,
		engine:  cfg.Engine,
		sync:    cfg.Sync,
		results: cfg.Results,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debugf("http %s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(started))
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")

	instances := api.Group("/instances")
	instances.POST("", s.handleDeploy)
	instances.GET("", s.handleInstances)
	instances.POST("/:id/stop", s.handleStop)
	instances.GET("/:id/ticks", s.handleTicks)

	bt := api.Group("/backtest")
	bt.POST("/fetch", s.handleFetch)
	bt.GET("/jobs", s.handleJobs)
	bt.GET("/jobs/:id", s.handleJobStatus)
	bt.GET("/manifest", s.handleManifest)
	bt.POST("/runs", s.handleRunStart)
	bt.GET("/runs", s.handleRunList)
	bt.GET("/runs/:id", s.handleRunDetail)
	bt.GET("/runs/:id/fills", s.handleRunFills)
	bt.GET("/runs/:id/equity", s.handleRunEquity)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("admin http listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
