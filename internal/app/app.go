package app

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"cryptobots/internal/backtest"
	"cryptobots/internal/config"
	"cryptobots/internal/config/loader"
	"cryptobots/internal/logger"
	"cryptobots/internal/runner"
	"cryptobots/internal/store"
	"cryptobots/internal/strategy"
	adminhttp "cryptobots/internal/transport/http/admin"
)

// App owns application-level orchestration: build dependencies from
// configuration, start the runner and admin HTTP server, shut everything
// down together.
type App struct {
	cfg         *config.Config
	runner      *runner.Runner
	httpSrv     *adminhttp.Server
	deployments *loader.DeploymentLoader
	candleStore *backtest.Store
	results     *backtest.ResultStore
	syncSvc     *backtest.SyncService
	engine      *backtest.Engine
	store       store.Store
}

// NewApp builds the application object without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts every service and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	a.syncSvc.SetContext(ctx)
	a.engine.SetContext(ctx)

	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("admin http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := a.runner.Start(ctx); err != nil {
			return err
		}
		a.applyDeployments(ctx)
		return a.runner.Wait()
	})

	err := group.Wait()
	a.Close()
	return err
}

// applyDeployments starts file-declared instances that are not already
// running, then keeps watching the file for additions.
func (a *App) applyDeployments(ctx context.Context) {
	if a.deployments == nil {
		return
	}
	a.deployments.Subscribe(func(snap loader.Snapshot) {
		for _, dep := range snap.Deployments {
			if !dep.AutoStart {
				continue
			}
			if a.deploymentRunning(ctx, dep.Name) {
				continue
			}
			typ, err := strategy.ParseType(dep.Type)
			if err != nil {
				logger.Errorf("deployment %s: %v", dep.Name, err)
				continue
			}
			params := make(map[string]any, len(dep.Params)+1)
			for k, v := range dep.Params {
				params[k] = v
			}
			params["name"] = dep.Name
			id, err := a.runner.Run(ctx, typ, params, dep.Interval)
			if err != nil {
				logger.Errorf("deployment %s failed to start: %v", dep.Name, err)
				continue
			}
			logger.Infof("deployment %s started as instance %s", dep.Name, id)
		}
	})
}

// deploymentRunning reports whether an instance started from the named
// deployment is still active. The name travels inside the params blob.
func (a *App) deploymentRunning(ctx context.Context, name string) bool {
	list, err := a.runner.Instances(ctx, 0)
	if err != nil {
		return false
	}
	for _, inst := range list {
		if !inst.Status.Running() {
			continue
		}
		if gjson.GetBytes(inst.ParamsJSON, "name").String() == name {
			return true
		}
	}
	return false
}

// Runner exposes the underlying runner (for testing and replay harnesses).
func (a *App) Runner() *runner.Runner {
	if a == nil {
		return nil
	}
	return a.runner
}

// Close releases stores. Safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.candleStore != nil {
		_ = a.candleStore.Close()
	}
	if a.results != nil {
		_ = a.results.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
