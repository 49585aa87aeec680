package crawler

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testLimiter(initial float64) *AdaptiveLimiter {
	return NewAdaptiveLimiter(LimiterConfig{
		InitialRPS: initial,
		MinRPS:     5,
		MaxRPS:     100,
		TargetRTT:  200 * time.Millisecond,
		Adaptive:   true,
	})
}

func TestNewAdaptiveLimiter(t *testing.T) {
	tests := []struct {
		name     string
		cfg      LimiterConfig
		wantRate float64
	}{
		{
			name:     "initial rate within bounds",
			cfg:      LimiterConfig{InitialRPS: 10, MinRPS: 5, MaxRPS: 100},
			wantRate: 10,
		},
		{
			name:     "initial rate clamped to floor",
			cfg:      LimiterConfig{InitialRPS: 1, MinRPS: 5, MaxRPS: 100},
			wantRate: 5,
		},
		{
			name:     "initial rate clamped to ceiling",
			cfg:      LimiterConfig{InitialRPS: 500, MinRPS: 5, MaxRPS: 100},
			wantRate: 100,
		},
		{
			name:     "zero config takes defaults",
			cfg:      LimiterConfig{},
			wantRate: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewAdaptiveLimiter(tt.cfg)
			if got := limiter.CurrentRate(); got != tt.wantRate {
				t.Errorf("CurrentRate() = %v, want %v", got, tt.wantRate)
			}
		})
	}
}

func TestAdaptiveLimiter_Wait_ContextCancellation(t *testing.T) {
	limiter := NewAdaptiveLimiter(LimiterConfig{InitialRPS: 1, MinRPS: 1, MaxRPS: 1})
	ctx, cancel := context.WithCancel(context.Background())

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first Wait() failed: %v", err)
	}
	cancel()
	if err := limiter.Wait(ctx); err == nil {
		t.Error("Wait() should have failed with cancelled context")
	}
}

func TestAdaptiveLimiter_ObserveRTT_Backoff(t *testing.T) {
	limiter := testLimiter(10)

	for range 5 {
		limiter.ObserveRTT(500 * time.Millisecond)
	}

	got := limiter.CurrentRate()
	if got >= 10 {
		t.Errorf("CurrentRate() = %v, should have backed off below initial 10", got)
	}
	if got < 5 {
		t.Errorf("CurrentRate() = %v, should not drop below floor of 5", got)
	}
}

func TestAdaptiveLimiter_ObserveRTT_Recovery(t *testing.T) {
	limiter := testLimiter(10)

	for range 10 {
		limiter.ObserveRTT(500 * time.Millisecond)
	}
	afterBackoff := limiter.CurrentRate()

	for range 20 {
		limiter.ObserveRTT(100 * time.Millisecond)
	}
	if got := limiter.CurrentRate(); got <= afterBackoff {
		t.Errorf("CurrentRate() = %v, should have recovered above %v", got, afterBackoff)
	}
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	slow := testLimiter(10)
	for range 50 {
		slow.ObserveRTT(5 * time.Second)
	}
	if got := slow.CurrentRate(); got != 5 {
		t.Errorf("CurrentRate() = %v, want floor 5", got)
	}

	fast := testLimiter(10)
	for range 100 {
		fast.ObserveRTT(time.Millisecond)
	}
	if got := fast.CurrentRate(); got != 100 {
		t.Errorf("CurrentRate() = %v, want ceiling 100", got)
	}
}

func TestAdaptiveLimiter_SingleOutlierDropsAtMostHalf(t *testing.T) {
	limiter := testLimiter(40)

	before := limiter.CurrentRate()
	limiter.ObserveRTT(10 * time.Second)
	after := limiter.CurrentRate()

	if after >= before {
		t.Errorf("rate should drop after slow RTT, got %v (was %v)", after, before)
	}
	if after < before*backoffFactor {
		t.Errorf("rate dropped from %v to %v, more than one backoff step", before, after)
	}
}

func TestAdaptiveLimiter_Penalize(t *testing.T) {
	limiter := testLimiter(40)
	limiter.Penalize()
	if got := limiter.CurrentRate(); got != 20 {
		t.Errorf("CurrentRate() after Penalize = %v, want 20", got)
	}

	limiter.SetRate(40)
	limiter.Penalize()
	if got := limiter.CurrentRate(); got != 40 {
		t.Errorf("Penalize changed a pinned rate: got %v, want 40", got)
	}
}

func TestAdaptiveLimiter_SetRateAndEnableAdaptation(t *testing.T) {
	limiter := testLimiter(10)

	limiter.SetRate(50)
	if got := limiter.CurrentRate(); got != 50 {
		t.Fatalf("SetRate(50) got %v", got)
	}
	limiter.SetRate(3)
	if got := limiter.CurrentRate(); got != 5 {
		t.Errorf("SetRate(3) = %v, want clamped 5", got)
	}
	limiter.SetRate(50)

	limiter.ObserveRTT(5 * time.Second)
	if got := limiter.CurrentRate(); got != 50 {
		t.Errorf("rate changed while adaptation disabled: got %v, want 50", got)
	}

	limiter.EnableAdaptation()
	limiter.ObserveRTT(5 * time.Second)
	if got := limiter.CurrentRate(); got == 50 {
		t.Error("rate did not change after EnableAdaptation")
	}
}

func TestAdaptiveLimiter_CurrentEMA(t *testing.T) {
	limiter := testLimiter(10)

	if got := limiter.CurrentEMA(); got != 200*time.Millisecond {
		t.Errorf("initial CurrentEMA() = %v, want 200ms", got)
	}
	for range 3 {
		limiter.ObserveRTT(300 * time.Millisecond)
	}
	ema := limiter.CurrentEMA()
	if ema <= 200*time.Millisecond || ema > 300*time.Millisecond {
		t.Errorf("CurrentEMA() = %v, want between 200ms and 300ms", ema)
	}
}

func TestAdaptiveLimiter_ConcurrentAccess(t *testing.T) {
	limiter := testLimiter(100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 20 {
				_ = limiter.Wait(ctx)
				limiter.ObserveRTT(100 * time.Millisecond)
				_ = limiter.CurrentRate()
			}
		})
	}
	wg.Wait()
}
