package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"15m", 15 * time.Minute, true},
		{" 1H ", time.Hour, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"", 0, false},
		{"m", 0, false},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"5x", 0, false},
		{"1.5h", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseIntervalDuration(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNextSlotAfterStaysOnGrid(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	interval := time.Minute

	// Just after the anchor the next slot is anchor+1m.
	next := nextSlotAfter(anchor, interval, anchor.Add(time.Second))
	assert.Equal(t, anchor.Add(time.Minute), next)

	// A slow tick that overran two slots lands on the next future slot,
	// not on the two missed ones.
	next = nextSlotAfter(anchor, interval, anchor.Add(2*time.Minute+30*time.Second))
	assert.Equal(t, anchor.Add(3*time.Minute), next)

	// Exactly on a slot boundary advances to the following slot.
	next = nextSlotAfter(anchor, interval, anchor.Add(5*time.Minute))
	assert.Equal(t, anchor.Add(6*time.Minute), next)
}

func TestSchedulerRunsAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewIntervalScheduler(ctx, 10*time.Millisecond)
	s.Name = "test"
	s.RunImmediately = true

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(func() { runs.Add(1) })
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit after cancel")
	}
}

func TestSchedulerSkipsBusySlots(t *testing.T) {
	s := NewIntervalScheduler(context.Background(), time.Minute)
	s.busy.Store(true)

	ran := false
	s.runGuarded(func() { ran = true })
	assert.False(t, ran)

	s.busy.Store(false)
	s.runGuarded(func() { ran = true })
	assert.True(t, ran)
}
