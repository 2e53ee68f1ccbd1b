package runner

import (
	"context"
	"encoding/json"
	"time"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
	"cryptobots/internal/reconcile"
	"cryptobots/internal/store/model"
	"cryptobots/internal/strategy"
)

// tick runs one full cycle for an instance: snapshot, decide, gate, reconcile,
// persist. Every failure mode leaves durable state consistent; the next tick
// recomputes everything from live venue state.
func (r *Runner) tick(ctx context.Context, inst *runningInstance) {
	started := time.Now()
	report := TickReport{InstanceID: inst.id, Type: inst.typ, StartedAt: started}
	defer func() {
		report.Duration = time.Since(started)
		r.recordTick(inst, report)
		for _, hook := range r.hooks {
			hook(report)
		}
	}()

	if !inst.breaker.Allow() {
		report.Skipped++
		logger.Warnf("tick %s: circuit open, skipping", inst.id)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TickTimeout)
	defer cancel()

	rec, err := r.loadInstance(ctx, inst.id)
	if err != nil {
		report.Err = err
		return
	}
	if rec == nil || !rec.Status.Running() {
		return
	}

	snaps := strategy.Snapshots{}
	for _, instrument := range inst.controller.Instruments() {
		snap, err := r.snapshots.GetSnapshot(ctx, instrument)
		if err != nil {
			report.Err = err
			if exchange.IsConnectivity(err) {
				inst.breaker.RecordFailure()
			}
			logger.Warnf("tick %s: snapshot %s: %v", inst.id, instrument, err)
			return
		}
		snaps[instrument] = snap
	}

	out, newState, err := inst.controller.Tick(ctx, snaps, json.RawMessage(rec.StateJSON))
	if err != nil {
		report.Err = err
		logger.Errorf("tick %s: controller: %v", inst.id, err)
		return
	}
	report.NeedsReview = out.NeedsReview
	report.Done = out.Done

	for i := range out.Orders {
		out.Orders[i].ClientTag = inst.clientTag
	}

	connectivity := false
	for _, instrument := range inst.controller.Instruments() {
		snap := snaps[instrument]
		specs := specsFor(out.Orders, instrument)

		admissible, violations := inst.gate.Filter(specs, snap)
		for _, v := range violations {
			report.Failures++
			logger.Warnf("tick %s: %s: %v", inst.id, instrument, v)
		}

		plan := reconcile.Diff(admissible, ownOrders(snap.OpenOrders, inst.clientTag), reconcile.ToleranceFor(snap.Instrument))
		if plan.Empty() {
			continue
		}
		res := reconcile.Apply(ctx, r.gateway, instrument, plan)
		report.Placed += len(res.Placed)
		report.Cancelled += len(res.Cancelled)
		report.Failures += len(res.Failures)
		for _, f := range res.Failures {
			if exchange.IsConnectivity(f.Err) {
				connectivity = true
			}
		}
	}

	if connectivity {
		inst.breaker.RecordFailure()
	} else {
		inst.breaker.RecordSuccess()
	}

	if err := r.persistState(ctx, inst.id, newState, out.NeedsReview, started.Unix()); err != nil {
		report.Err = err
		logger.Errorf("tick %s: persisting state: %v", inst.id, err)
		return
	}

	if out.Done {
		logger.Infof("tick %s: strategy reports done (%s)", inst.id, out.Note)
		r.finish(inst)
	}
}

// finish winds down an instance that declared itself complete.
func (r *Runner) finish(inst *runningInstance) {
	r.mu.Lock()
	delete(r.instances, inst.id)
	r.mu.Unlock()
	inst.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
	defer cancel()
	if err := r.flushOrders(ctx, inst); err != nil {
		logger.Warnf("finish %s: flushing orders: %v", inst.id, err)
	}
	if err := r.setStatus(ctx, inst.id, model.InstanceStatusDone); err != nil {
		logger.Errorf("finish %s: %v", inst.id, err)
	}
}

func (r *Runner) loadInstance(ctx context.Context, id string) (*model.StrategyInstanceModel, error) {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()
	return uow.Instances().FindByID(ctx, id)
}

func (r *Runner) persistState(ctx context.Context, id string, state json.RawMessage, needsReview bool, tickedAt int64) error {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := uow.Instances().UpdateState(ctx, id, state, tickedAt); err != nil {
		_ = uow.Rollback()
		return err
	}
	if needsReview {
		rec, err := uow.Instances().FindByID(ctx, id)
		if err == nil && rec != nil && !rec.NeedsReview {
			rec.NeedsReview = true
			if err := uow.Instances().Save(ctx, rec); err != nil {
				_ = uow.Rollback()
				return err
			}
		}
	}
	return uow.Commit()
}

// recordTick writes the tick log with its own context: the tick context may
// already be past its deadline.
func (r *Runner) recordTick(inst *runningInstance, report TickReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uow, err := r.store.Begin(ctx)
	if err != nil {
		logger.Warnf("tick %s: opening store for log: %v", inst.id, err)
		return
	}
	entry := &model.TickLogModel{
		InstanceID:    inst.id,
		StartedAtUnix: report.StartedAt.Unix(),
		DurationMs:    report.Duration.Milliseconds(),
		Placed:        report.Placed,
		Cancelled:     report.Cancelled,
		Failures:      report.Failures,
		Skipped:       report.Skipped,
		NeedsReview:   report.NeedsReview,
	}
	if report.Err != nil {
		entry.Error = report.Err.Error()
	}
	if err := uow.TickLogs().Insert(ctx, entry); err != nil {
		_ = uow.Rollback()
		logger.Warnf("tick %s: writing tick log: %v", inst.id, err)
		return
	}
	if err := uow.Commit(); err != nil {
		logger.Warnf("tick %s: committing tick log: %v", inst.id, err)
	}
}

func specsFor(specs []exchange.OrderSpec, instrument string) []exchange.OrderSpec {
	var out []exchange.OrderSpec
	for _, s := range specs {
		if s.Instrument == instrument {
			out = append(out, s)
		}
	}
	return out
}
