package runner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
	"cryptobots/internal/store"
	"cryptobots/internal/store/model"
	"cryptobots/internal/strategy"
)

// memStore is an in-memory store.Store; transactions are no-ops.
type memStore struct {
	mu        sync.Mutex
	instances map[string]model.StrategyInstanceModel
	logs      []model.TickLogModel
}

func newMemStore() *memStore {
	return &memStore{instances: make(map[string]model.StrategyInstanceModel)}
}

func (s *memStore) Begin(context.Context) (store.UnitOfWork, error) { return &memUow{s: s}, nil }
func (s *memStore) Close() error                                    { return nil }

type memUow struct{ s *memStore }

func (u *memUow) Commit() error                      { return nil }
func (u *memUow) Rollback() error                    { return nil }
func (u *memUow) Instances() store.InstanceRepository { return u }
func (u *memUow) TickLogs() store.TickLogRepository   { return u }

func (u *memUow) Save(_ context.Context, rec *model.StrategyInstanceModel) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.instances[rec.ID] = *rec
	return nil
}

func (u *memUow) FindByID(_ context.Context, id string) (*model.StrategyInstanceModel, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	rec, ok := u.s.instances[id]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (u *memUow) ListActive(_ context.Context) ([]model.StrategyInstanceModel, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var out []model.StrategyInstanceModel
	for _, rec := range u.s.instances {
		if rec.Status.Running() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (u *memUow) List(_ context.Context, limit int) ([]model.StrategyInstanceModel, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var out []model.StrategyInstanceModel
	for _, rec := range u.s.instances {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAtUnix > out[b].CreatedAtUnix })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (u *memUow) UpdateStatus(_ context.Context, id string, status model.InstanceStatus) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	rec, ok := u.s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	rec.Status = status
	u.s.instances[id] = rec
	return nil
}

func (u *memUow) UpdateState(_ context.Context, id string, state []byte, tickedAt int64) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	rec, ok := u.s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	rec.StateJSON = state
	rec.LastTickUnix = &tickedAt
	u.s.instances[id] = rec
	return nil
}

func (u *memUow) Insert(_ context.Context, log *model.TickLogModel) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.logs = append(u.s.logs, *log)
	return nil
}

func (u *memUow) ListByInstance(_ context.Context, id string, limit int) ([]model.TickLogModel, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var out []model.TickLogModel
	for _, l := range u.s.logs {
		if l.InstanceID == id {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) status(id string) model.InstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[id].Status
}

// fakeVenue implements both the snapshot provider and the order gateway over
// a mutable in-memory book.
type fakeVenue struct {
	mu        sync.Mutex
	inst      exchange.Instrument
	bid, ask  decimal.Decimal
	position  decimal.Decimal
	open      []exchange.Order
	terminal  map[string]exchange.Order
	nextID    int
	placed    int
	cancelled int
}

func newFakeVenue(symbol string, perp bool, bid, ask float64) *fakeVenue {
	return &fakeVenue{
		inst: exchange.Instrument{
			Symbol:      symbol,
			Base:        "ETH",
			Quote:       "USDT",
			Perp:        perp,
			TickSize:    decimal.NewFromFloat(0.01),
			StepSize:    decimal.NewFromFloat(0.001),
			MinQty:      decimal.NewFromFloat(0.001),
			MinNotional: decimal.NewFromInt(5),
		},
		bid:      decimal.NewFromFloat(bid),
		ask:      decimal.NewFromFloat(ask),
		terminal: make(map[string]exchange.Order),
	}
}

func (v *fakeVenue) GetSnapshot(_ context.Context, instrument string) (exchange.Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	open := make([]exchange.Order, len(v.open))
	copy(open, v.open)
	return exchange.Snapshot{
		Instrument: v.inst,
		Bid:        v.bid,
		Ask:        v.ask,
		Last:       v.bid.Add(v.ask).Div(decimal.NewFromInt(2)),
		Time:       time.Now(),
		OpenOrders: open,
		Position:   exchange.Position{Instrument: instrument, Quantity: v.position},
		Balances:   map[string]decimal.Decimal{"USDT": decimal.NewFromInt(100000), "ETH": decimal.NewFromInt(100)},
	}, nil
}

func (v *fakeVenue) GetInstrument(context.Context, string) (exchange.Instrument, error) {
	return v.inst, nil
}

func (v *fakeVenue) Place(_ context.Context, spec exchange.OrderSpec) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	v.placed++
	id := strconv.Itoa(v.nextID)
	v.open = append(v.open, exchange.Order{
		ID:         id,
		Instrument: spec.Instrument,
		Side:       spec.Side,
		Type:       spec.Type,
		Price:      spec.Price,
		Quantity:   spec.Quantity,
		Status:     exchange.StatusOpen,
		ClientTag:  spec.ClientTag,
	})
	return id, nil
}

func (v *fakeVenue) Cancel(_ context.Context, _, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, o := range v.open {
		if o.ID == orderID {
			o.Status = exchange.StatusCancelled
			v.terminal[orderID] = o
			v.open = append(v.open[:i], v.open[i+1:]...)
			v.cancelled++
			return nil
		}
	}
	return &exchange.AlreadyTerminalError{OrderID: orderID, Status: exchange.StatusCancelled}
}

func (v *fakeVenue) Poll(_ context.Context, _, orderID string) (exchange.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, o := range v.open {
		if o.ID == orderID {
			return o, nil
		}
	}
	if o, ok := v.terminal[orderID]; ok {
		return o, nil
	}
	return exchange.Order{}, fmt.Errorf("order %s not found", orderID)
}

func (v *fakeVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placed
}

func (v *fakeVenue) openCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.open)
}

func gridParams() map[string]any {
	return map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"levels":      5,
		"spacing_abs": 10,
		"investment":  500,
	}
}

func TestRunnerDeploysAndTicks(t *testing.T) {
	venue := newFakeVenue("ETH/USDT:USDT", true, 99.5, 100.5)
	st := newMemStore()
	r, err := NewRunner(Config{}, venue, venue, nil, st)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	id, err := r.Run(ctx, strategy.TypeGrid, gridParams(), "1m")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool { return venue.placedCount() == 5 },
		3*time.Second, 20*time.Millisecond, "first tick places the full ladder")
	assert.Equal(t, model.InstanceStatusActive, st.status(id))

	recs, err := r.Instances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "grid", recs[0].Type)
}

func TestRunnerStopCancelsAndConfirms(t *testing.T) {
	venue := newFakeVenue("ETH/USDT:USDT", true, 99.5, 100.5)
	st := newMemStore()
	r, err := NewRunner(Config{StopPollInterval: 10 * time.Millisecond}, venue, venue, nil, st)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	id, err := r.Run(ctx, strategy.TypeGrid, gridParams(), "1m")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return venue.placedCount() == 5 },
		3*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Stop(ctx, id))
	assert.Equal(t, 0, venue.openCount(), "all orders cancelled")
	assert.Equal(t, model.InstanceStatusStopped, st.status(id))

	assert.Error(t, r.Stop(ctx, id), "double stop is an error")
}

func TestRunnerResumesActiveInstances(t *testing.T) {
	venue := newFakeVenue("ETH/USDT:USDT", true, 99.5, 100.5)
	st := newMemStore()

	seed := &model.StrategyInstanceModel{
		ID:         "11111111-2222-3333-4444-555555555555",
		Type:       "grid",
		Interval:   "1m",
		ClientTag:  "cbot-grid-11111111",
		ParamsJSON: []byte(`{"instrument":"ETH/USDT:USDT","levels":5,"spacing_abs":10,"investment":500}`),
		Status:     model.InstanceStatusActive,
	}
	uow, _ := st.Begin(context.Background())
	require.NoError(t, uow.Instances().Save(context.Background(), seed))

	r, err := NewRunner(Config{}, venue, venue, nil, st)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	assert.Eventually(t, func() bool { return venue.placedCount() == 5 },
		3*time.Second, 20*time.Millisecond, "resumed instance ticks again")
}

func TestRunnerRejectsBadDeployment(t *testing.T) {
	venue := newFakeVenue("ETH/USDT:USDT", true, 99.5, 100.5)
	st := newMemStore()
	r, err := NewRunner(Config{}, venue, venue, nil, st)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Run(ctx, strategy.TypeGrid, map[string]any{"instrument": "ETH/USDT:USDT", "levels": 1}, "1m")
	assert.Error(t, err)

	_, err = r.Run(ctx, strategy.TypeGrid, gridParams(), "nonsense")
	assert.Error(t, err)

	recs, err := r.Instances(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "failed deployments persist nothing")
}
