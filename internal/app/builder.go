package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"cryptobots/internal/backtest"
	"cryptobots/internal/config"
	"cryptobots/internal/config/loader"
	"cryptobots/internal/exchange"
	"cryptobots/internal/exchange/binance"
	"cryptobots/internal/risk"
	"cryptobots/internal/runner"
	"cryptobots/internal/store"
	"cryptobots/internal/store/sqlite"
	adminhttp "cryptobots/internal/transport/http/admin"
)

// Venue is the full surface the app needs from the exchange adapter.
type Venue interface {
	exchange.SnapshotProvider
	exchange.OrderGateway
	exchange.CandleSource
	backtest.RangedSource
}

// AppBuilder assembles the application from configuration. The venue and
// store factories can be overridden for tests and replay harnesses.
type AppBuilder struct {
	cfg *config.Config

	venueFn func(*config.Config) (Venue, error)
	storeFn func(string) (store.Store, error)
}

type AppBuilderOption func(*AppBuilder)

// WithVenue replaces the exchange adapter factory.
func WithVenue(fn func(*config.Config) (Venue, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.venueFn = fn }
}

// WithStore replaces the persistence factory.
func WithStore(fn func(string) (store.Store, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.storeFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:     cfg,
		venueFn: buildBinanceVenue,
		storeFn: buildSqliteStore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildBinanceVenue(cfg *config.Config) (Venue, error) {
	return binance.New(binance.Config{
		APIKey:         cfg.Exchange.APIKey,
		APISecret:      cfg.Exchange.APISecret,
		SpotBaseURL:    cfg.Exchange.SpotBaseURL,
		FuturesBaseURL: cfg.Exchange.FuturesBaseURL,
		HTTPTimeout:    time.Duration(cfg.Exchange.HTTPTimeoutSeconds) * time.Second,
		ProxyEnabled:   cfg.Exchange.ProxyEnabled,
		RESTProxyURL:   cfg.Exchange.RESTProxyURL,
		StaleThreshold: time.Duration(cfg.Exchange.StaleThresholdSeconds) * time.Second,
	})
}

func buildSqliteStore(path string) (store.Store, error) {
	return sqlite.NewSqliteStore(path)
}

func (b *AppBuilder) Build(_ context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	venue, err := b.venueFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("building exchange adapter: %w", err)
	}
	st, err := b.storeFn(cfg.App.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	run, err := runner.NewRunner(runner.Config{
		TickTimeout:      time.Duration(cfg.Runner.TickTimeoutSeconds) * time.Second,
		BreakerTimeout:   time.Duration(cfg.Runner.BreakerTimeoutSeconds) * time.Second,
		StopTimeout:      time.Duration(cfg.Runner.StopTimeoutSeconds) * time.Second,
		BreakerThreshold: cfg.Runner.BreakerThreshold,
		Risk: risk.Limits{
			MaxExposure: decimal.NewFromFloat(cfg.Runner.MaxExposure),
			FeeBuffer:   decimal.NewFromFloat(cfg.Runner.FeeBuffer),
		},
	}, venue, venue, venue, st)
	if err != nil {
		return nil, err
	}

	candleStore, err := backtest.NewStore(cfg.Backtest.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("opening candle store: %w", err)
	}
	results, err := backtest.NewResultStore(filepath.Join(cfg.Backtest.DataRoot, "runs.db"))
	if err != nil {
		return nil, fmt.Errorf("opening result store: %w", err)
	}
	syncSvc, err := backtest.NewSyncService(backtest.SyncConfig{
		Store:  candleStore,
		Source: venue,
	})
	if err != nil {
		return nil, err
	}
	engine, err := backtest.NewEngine(backtest.EngineConfig{
		CandleStore: candleStore,
		Results:     results,
		Instruments: venue,
		ReportDir:   cfg.Backtest.ReportDir,
	})
	if err != nil {
		return nil, err
	}

	httpSrv, err := adminhttp.NewServer(adminhttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Runner:  run,
		Engine:  engine,
		Sync:    syncSvc,
		Results: results,
	})
	if err != nil {
		return nil, err
	}

	var deployments *loader.DeploymentLoader
	if cfg.App.DeploymentsPath != "" {
		deployments, err = loader.NewDeploymentLoader(cfg.App.DeploymentsPath)
		if err != nil {
			return nil, fmt.Errorf("loading deployments: %w", err)
		}
	}

	return &App{
		cfg:         cfg,
		runner:      run,
		httpSrv:     httpSrv,
		deployments: deployments,
		candleStore: candleStore,
		results:     results,
		syncSvc:     syncSvc,
		engine:      engine,
		store:       st,
	}, nil
}
