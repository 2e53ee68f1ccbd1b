package app

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/config"
	"cryptobots/internal/exchange"
	"cryptobots/internal/store"
	"cryptobots/internal/store/sqlite"
)

type stubVenue struct{}

func (stubVenue) GetSnapshot(ctx context.Context, instrument string) (exchange.Snapshot, error) {
	return exchange.Snapshot{}, fmt.Errorf("stub venue has no market data")
}

func (stubVenue) GetInstrument(ctx context.Context, instrument string) (exchange.Instrument, error) {
	return exchange.Instrument{}, fmt.Errorf("unknown instrument %q", instrument)
}

func (stubVenue) Place(ctx context.Context, spec exchange.OrderSpec) (string, error) {
	return "", fmt.Errorf("stub venue rejects orders")
}

func (stubVenue) Cancel(ctx context.Context, instrument, orderID string) error { return nil }

func (stubVenue) Poll(ctx context.Context, instrument, orderID string) (exchange.Order, error) {
	return exchange.Order{}, fmt.Errorf("no such order")
}

func (stubVenue) FetchHistory(ctx context.Context, instrument, interval string, limit int) ([]exchange.Candle, error) {
	return nil, nil
}

func (stubVenue) FetchRange(ctx context.Context, instrument, interval string, start, end int64, limit int) ([]exchange.Candle, error) {
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		App: config.AppConfig{
			LogLevel: "error",
			DBPath:   filepath.Join(root, "app.db"),
			HTTPAddr: ":0",
		},
		Backtest: config.BacktestConfig{
			DataRoot:  filepath.Join(root, "candles"),
			ReportDir: filepath.Join(root, "reports"),
		},
	}
}

func TestBuilderAssemblesApp(t *testing.T) {
	b := NewAppBuilder(testConfig(t),
		WithVenue(func(*config.Config) (Venue, error) { return stubVenue{}, nil }),
		WithStore(func(path string) (store.Store, error) { return sqlite.NewSqliteStore(path) }),
	)
	a, err := b.Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	defer a.Close()

	assert.NotNil(t, a.runner)
	assert.NotNil(t, a.httpSrv)
	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.syncSvc)
	assert.Nil(t, a.deployments)
}

func TestBuilderSurfacesVenueError(t *testing.T) {
	b := NewAppBuilder(testConfig(t),
		WithVenue(func(*config.Config) (Venue, error) { return nil, fmt.Errorf("no credentials") }),
	)
	_, err := b.Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestNewAppRequiresConfig(t *testing.T) {
	_, err := NewApp(nil)
	assert.Error(t, err)
}
