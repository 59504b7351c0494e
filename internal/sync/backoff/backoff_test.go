package backoff

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
)

// =====================================================
// Policy Tests
// =====================================================

// TestCalculateBackoff_strictlyIncreasing checks delay(n+1) > delay(n) for
// random jitter draws, across the cap.
func TestCalculateBackoff_strictlyIncreasing(t *testing.T) {
	configs := []Config{
		DefaultConfig(),
		{BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond, Factor: 2, Jitter: 0.2},
		{BaseDelay: 100 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Factor: 3, Jitter: 0.5},
		{BaseDelay: time.Second, MaxDelay: time.Hour, Factor: 1.5, Jitter: 0.2, TailStep: time.Millisecond},
	}
	r := rand.New(rand.NewPCG(1, 2))

	for _, cfg := range configs {
		p := NewPolicy(cfg)
		for trial := 0; trial < 200; trial++ {
			prev := time.Duration(0)
			for n := 1; n <= 40; n++ {
				d := p.WithRand(r.Float64).CalculateBackoff(n)
				require.Greater(t, d, prev, "cfg=%+v attempt=%d", cfg, n)
				prev = d
			}
		}
	}
}

// TestCalculateBackoff_extremeJitter checks the adversarial draw where
// attempt n jitters fully up and attempt n+1 fully down.
func TestCalculateBackoff_extremeJitter(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, Factor: 2, Jitter: 0.9})
	high := p.WithRand(func() float64 { return 0.999999 })
	low := p.WithRand(func() float64 { return 0 })

	for n := 1; n < 30; n++ {
		assert.Greater(t, low.CalculateBackoff(n+1), high.CalculateBackoff(n), "attempt %d", n)
	}
}

// TestCalculateBackoff_jitterBounds checks jitter stays within ±20%.
func TestCalculateBackoff_jitterBounds(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	for n := 1; n <= 8; n++ {
		e := p.envelope(n)
		lo := p.WithRand(func() float64 { return 0 }).CalculateBackoff(n)
		hi := p.WithRand(func() float64 { return 0.999999 }).CalculateBackoff(n)
		assert.GreaterOrEqual(t, float64(lo), 0.8*e-1)
		assert.LessOrEqual(t, float64(hi), 1.2*e+1)
	}
}

// TestCalculateBackoff_exponential checks the envelope doubles before the cap.
func TestCalculateBackoff_exponential(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2}).
		WithRand(func() float64 { return 0.5 })

	assert.Equal(t, time.Second, p.CalculateBackoff(1))
	assert.Equal(t, 2*time.Second, p.CalculateBackoff(2))
	assert.Equal(t, 4*time.Second, p.CalculateBackoff(3))
	assert.Equal(t, time.Second, p.CalculateBackoff(0))
	assert.Equal(t, time.Minute, p.CalculateBackoff(7))
	assert.Equal(t, time.Minute+time.Second, p.CalculateBackoff(8))
}

// TestCalculateBackoffFor_serviceUnavailable checks the floor is added.
func TestCalculateBackoffFor_serviceUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPolicy(cfg).WithRand(func() float64 { return 0.5 })

	plain := p.CalculateBackoffFor(1, apperrors.New(apperrors.ErrNetwork, "reset"))
	unavailable := p.CalculateBackoffFor(1, apperrors.New(apperrors.ErrServiceUnavailable, "503"))

	assert.Equal(t, cfg.BaseDelay, plain)
	assert.Equal(t, cfg.BaseDelay+cfg.ServiceUnavailableFloor, unavailable)
}

// =====================================================
// Scheduler Tests
// =====================================================

// TestScheduler_Wait checks a short wait completes.
func TestScheduler_Wait(t *testing.T) {
	s := NewScheduler(NewPolicy(DefaultConfig()))
	require.NoError(t, s.Wait(context.Background(), time.Millisecond))
	assert.Equal(t, 0, s.Pending())
}

// TestScheduler_WaitContextCancel checks cancellation returns promptly.
func TestScheduler_WaitContextCancel(t *testing.T) {
	s := NewScheduler(NewPolicy(DefaultConfig()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := s.Wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, s.Pending())
}

// TestScheduler_CancelAll checks pending waits and tasks are released.
func TestScheduler_CancelAll(t *testing.T) {
	s := NewScheduler(NewPolicy(DefaultConfig()))

	ran := make(chan struct{}, 1)
	task := s.Schedule(time.Hour, func() { ran <- struct{}{} })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Wait(context.Background(), time.Hour) }()

	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, s.CancelAll())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("wait was not released")
	}
	<-task.Done()
	assert.False(t, task.Cancel())
	assert.Empty(t, ran)
}

// TestTask_CancelAfterFire checks Cancel reports a fired task.
func TestTask_CancelAfterFire(t *testing.T) {
	s := NewScheduler(NewPolicy(DefaultConfig()))
	task := s.Schedule(time.Millisecond, nil)
	<-task.Done()
	assert.False(t, task.Cancel())
}
