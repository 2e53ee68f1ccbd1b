// Package runner owns strategy instance lifecycles: deployment, restart
// recovery, per-instance tick scheduling and clean shutdown.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
	"cryptobots/internal/pkg/circuit"
	"cryptobots/internal/risk"
	"cryptobots/internal/scheduler"
	"cryptobots/internal/store"
	"cryptobots/internal/store/model"
	"cryptobots/internal/strategy"
)

type Config struct {
	TickTimeout      time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	StopPollInterval time.Duration
	StopTimeout      time.Duration
	Risk             risk.Limits
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TickTimeout <= 0 {
		out.TickTimeout = 45 * time.Second
	}
	if out.BreakerThreshold <= 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerTimeout <= 0 {
		out.BreakerTimeout = 2 * time.Minute
	}
	if out.StopPollInterval <= 0 {
		out.StopPollInterval = 2 * time.Second
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = time.Minute
	}
	return out
}

// TickReport summarizes one executed tick for observers.
type TickReport struct {
	InstanceID  string
	Type        strategy.Type
	StartedAt   time.Time
	Duration    time.Duration
	Placed      int
	Cancelled   int
	Failures    int
	Skipped     int
	NeedsReview bool
	Done        bool
	Err         error
}

// TickHook observes tick outcomes. Hooks run synchronously on the instance
// goroutine and must return quickly.
type TickHook func(TickReport)

type runningInstance struct {
	id         string
	typ        strategy.Type
	clientTag  string
	interval   time.Duration
	controller strategy.Controller
	breaker    *circuit.CircuitBreaker
	gate       *risk.Gate
	cancel     context.CancelFunc
}

type Runner struct {
	cfg       Config
	snapshots exchange.SnapshotProvider
	gateway   exchange.OrderGateway
	candles   exchange.CandleSource
	store     store.Store
	hooks     []TickHook

	mu        sync.Mutex
	instances map[string]*runningInstance
	group     *errgroup.Group
	ctx       context.Context
}

func NewRunner(cfg Config, snapshots exchange.SnapshotProvider, gateway exchange.OrderGateway, candles exchange.CandleSource, st store.Store) (*Runner, error) {
	if snapshots == nil || gateway == nil || st == nil {
		return nil, fmt.Errorf("runner: snapshot provider, gateway and store are required")
	}
	return &Runner{
		cfg:       cfg.withDefaults(),
		snapshots: snapshots,
		gateway:   gateway,
		candles:   candles,
		store:     st,
		instances: make(map[string]*runningInstance),
	}, nil
}

// OnTick registers a hook. Must be called before Start.
func (r *Runner) OnTick(hook TickHook) {
	if hook != nil {
		r.hooks = append(r.hooks, hook)
	}
}

// Start recovers persisted active instances and begins ticking them. It
// returns immediately; Wait blocks on the supervision group.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.group != nil {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	r.group = group
	r.ctx = groupCtx
	r.mu.Unlock()

	uow, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("runner: opening store: %w", err)
	}
	records, err := uow.Instances().ListActive(ctx)
	if err != nil {
		_ = uow.Rollback()
		return fmt.Errorf("runner: listing active instances: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return err
	}

	for _, rec := range records {
		rec := rec
		if err := r.resume(ctx, rec); err != nil {
			logger.Errorf("runner: cannot resume instance %s (%s): %v", rec.ID, rec.Type, err)
			r.markFailed(ctx, rec.ID, err)
		}
	}
	logger.Infof("runner: started with %d recovered instance(s)", len(records))
	return nil
}

// Wait blocks until every instance loop has exited.
func (r *Runner) Wait() error {
	r.mu.Lock()
	group := r.group
	r.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Run deploys a new strategy instance and starts ticking it. Parameter
// problems fail here, before anything is persisted or scheduled.
func (r *Runner) Run(ctx context.Context, typ strategy.Type, params map[string]any, interval string) (string, error) {
	if interval == "" {
		interval = strategy.DefaultInterval(typ)
	}
	dur, ok := scheduler.ParseIntervalDuration(interval)
	if !ok {
		return "", fmt.Errorf("invalid interval %q", interval)
	}

	controller, err := r.buildController(ctx, typ, params)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	tag := clientTagFor(typ, id)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding params: %w", err)
	}

	rec := &model.StrategyInstanceModel{
		ID:         id,
		Type:       string(typ),
		Interval:   interval,
		ClientTag:  tag,
		ParamsJSON: paramsJSON,
		Status:     model.InstanceStatusActive,
	}
	if err := r.saveInstance(ctx, rec); err != nil {
		return "", err
	}

	r.launch(id, typ, tag, dur, controller)
	logger.Infof("runner: deployed %s instance %s interval=%s", typ, id, interval)
	return id, nil
}

// Stop winds an instance down: stop scheduling, cancel its open orders,
// confirm the cancels landed, then mark it stopped.
func (r *Runner) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s is not running", id)
	}
	inst.cancel()

	if err := r.setStatus(ctx, id, model.InstanceStatusStopping); err != nil {
		return err
	}
	if err := r.flushOrders(ctx, inst); err != nil {
		return fmt.Errorf("stopping %s: %w", id, err)
	}
	if err := r.setStatus(ctx, id, model.InstanceStatusStopped); err != nil {
		return err
	}
	logger.Infof("runner: instance %s stopped", id)
	return nil
}

// Instances lists persisted instances, newest first.
func (r *Runner) Instances(ctx context.Context, limit int) ([]model.StrategyInstanceModel, error) {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()
	return uow.Instances().List(ctx, limit)
}

// TickLogs lists recent tick outcomes for one instance.
func (r *Runner) TickLogs(ctx context.Context, id string, limit int) ([]model.TickLogModel, error) {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()
	return uow.TickLogs().ListByInstance(ctx, id, limit)
}

func (r *Runner) resume(ctx context.Context, rec model.StrategyInstanceModel) error {
	typ, err := strategy.ParseType(rec.Type)
	if err != nil {
		return err
	}
	var params map[string]any
	if err := json.Unmarshal(rec.ParamsJSON, &params); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	controller, err := r.buildController(ctx, typ, params)
	if err != nil {
		return err
	}
	dur, ok := scheduler.ParseIntervalDuration(rec.Interval)
	if !ok {
		return fmt.Errorf("invalid interval %q", rec.Interval)
	}
	r.launch(rec.ID, typ, rec.ClientTag, dur, controller)
	logger.Infof("runner: resumed %s instance %s", typ, rec.ID)
	return nil
}

func (r *Runner) buildController(ctx context.Context, typ strategy.Type, params map[string]any) (strategy.Controller, error) {
	// Resolve every instrument the raw params mention up front; construction
	// validates against real trading rules.
	instruments := strategy.InstrumentSet{}
	for _, v := range params {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "/") {
			continue
		}
		inst, err := r.snapshots.GetInstrument(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("resolving instrument %s: %w", s, err)
		}
		instruments[s] = inst
	}
	return strategy.New(typ, params, instruments, strategy.Deps{Candles: r.candles})
}

func (r *Runner) launch(id string, typ strategy.Type, tag string, interval time.Duration, controller strategy.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.ctx
	if base == nil {
		base = context.Background()
	}
	instCtx, cancel := context.WithCancel(base)
	inst := &runningInstance{
		id:         id,
		typ:        typ,
		clientTag:  tag,
		interval:   interval,
		controller: controller,
		breaker:    circuit.NewCircuitBreaker(string(typ)+"/"+shortID(id), r.cfg.BreakerThreshold, r.cfg.BreakerTimeout),
		gate:       risk.NewGate(r.cfg.Risk),
		cancel:     cancel,
	}
	r.instances[id] = inst

	sched := scheduler.NewIntervalScheduler(instCtx, interval)
	sched.Name = string(typ) + "/" + shortID(id)
	sched.RunImmediately = true

	loop := func() error {
		sched.Start(func() { r.tick(instCtx, inst) })
		return nil
	}
	if r.group != nil {
		r.group.Go(loop)
	} else {
		go func() { _ = loop() }()
	}
}

// flushOrders cancels every open order belonging to the instance and polls
// until the venue confirms each one terminal.
func (r *Runner) flushOrders(ctx context.Context, inst *runningInstance) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()

	pending := make(map[string]string) // order id -> instrument
	for _, instrument := range inst.controller.Instruments() {
		snap, err := r.snapshots.GetSnapshot(ctx, instrument)
		if err != nil {
			return err
		}
		for _, o := range ownOrders(snap.OpenOrders, inst.clientTag) {
			if err := r.gateway.Cancel(ctx, instrument, o.ID); err != nil && !exchange.IsAlreadyTerminal(err) {
				return err
			}
			pending[o.ID] = instrument
		}
	}

	for len(pending) > 0 {
		for id, instrument := range pending {
			order, err := r.gateway.Poll(ctx, instrument, id)
			if err != nil {
				return err
			}
			if order.Status.Terminal() {
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cancel confirmation timed out with %d order(s) pending", len(pending))
		case <-time.After(r.cfg.StopPollInterval):
		}
	}
	return nil
}

func (r *Runner) setStatus(ctx context.Context, id string, status model.InstanceStatus) error {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := uow.Instances().UpdateStatus(ctx, id, status); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}

func (r *Runner) markFailed(ctx context.Context, id string, cause error) {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return
	}
	rec, err := uow.Instances().FindByID(ctx, id)
	if err != nil || rec == nil {
		_ = uow.Rollback()
		return
	}
	rec.Status = model.InstanceStatusFailed
	rec.LastError = cause.Error()
	if err := uow.Instances().Save(ctx, rec); err != nil {
		_ = uow.Rollback()
		return
	}
	_ = uow.Commit()
}

func (r *Runner) saveInstance(ctx context.Context, rec *model.StrategyInstanceModel) error {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := uow.Instances().Save(ctx, rec); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}

func ownOrders(orders []exchange.Order, tag string) []exchange.Order {
	var out []exchange.Order
	for _, o := range orders {
		if tag != "" && strings.HasPrefix(o.ClientTag, tag) {
			out = append(out, o)
		}
	}
	return out
}

func clientTagFor(typ strategy.Type, id string) string {
	return "cbot-" + string(typ) + "-" + shortID(id)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
