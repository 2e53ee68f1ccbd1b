// Package scheduler drives strategy instance ticks on a fixed interval.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"cryptobots/internal/logger"
)

// IntervalScheduler fires a task on a fixed wall-clock grid anchored at the
// first run. If a tick is still executing when the next slot arrives, the
// slot is skipped and logged (never queued), so one instance can never race
// itself on order state.
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
	busy  atomic.Bool
}

func NewIntervalScheduler(ctx context.Context, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks until the context is cancelled, running task on the interval
// grid. The task runs on the scheduler goroutine; long ticks cause skipped
// slots, not overlap.
func (s *IntervalScheduler) Start(task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalScheduler[%s]: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("IntervalScheduler[%s]: started interval=%s run_immediately=%v at=%s",
		s.Name, s.Interval, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		s.runGuarded(task)
	}

	anchor := s.nowFn().UTC()
	nextAt := anchor.Add(s.Interval)
	for {
		if !s.waitUntil(nextAt) {
			return
		}
		s.runGuarded(task)
		nextAt = nextSlotAfter(anchor, s.Interval, s.nowFn().UTC())
	}
}

func (s *IntervalScheduler) runGuarded(task func()) {
	if !s.busy.CompareAndSwap(false, true) {
		logger.Warnf("IntervalScheduler[%s]: previous tick still running, skipping slot", s.Name)
		return
	}
	defer s.busy.Store(false)
	task()
}

func (s *IntervalScheduler) waitUntil(target time.Time) bool {
	now := s.nowFn().UTC()
	wait := target.Sub(now)
	if wait <= 0 {
		select {
		case <-s.ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		logger.Infof("IntervalScheduler[%s]: ctx done, exit", s.Name)
		return false
	case <-timer.C:
		return true
	}
}

func nextSlotAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}
