package crawler

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// emaAlpha weights a new RTT observation against the running average.
	emaAlpha = 0.2

	// recoveryFactor raises the rate by 10% per observation under target RTT.
	recoveryFactor = 1.1

	// backoffFactor bounds how far one slow observation can drop the rate.
	backoffFactor = 0.5
)

// LimiterConfig configures an AdaptiveLimiter.
type LimiterConfig struct {
	InitialRPS float64
	MinRPS     float64
	MaxRPS     float64
	TargetRTT  time.Duration
	Adaptive   bool // false pins the rate at InitialRPS
}

// DefaultLimiterConfig returns 10 rps adapting between 5 and 100 rps toward a
// 500ms target RTT.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		InitialRPS: 10,
		MinRPS:     5,
		MaxRPS:     100,
		TargetRTT:  500 * time.Millisecond,
		Adaptive:   true,
	}
}

// AdaptiveLimiter paces fetches against one site. The rate follows an
// exponential moving average of observed response times: it eases up while
// the server answers faster than TargetRTT and backs off when it slows down
// or signals overload.
type AdaptiveLimiter struct {
	limiter *rate.Limiter
	cfg     LimiterConfig

	mu          sync.RWMutex
	emaRTT      time.Duration
	currentRate float64
}

// NewAdaptiveLimiter creates a limiter from cfg, filling unset bounds from
// DefaultLimiterConfig.
func NewAdaptiveLimiter(cfg LimiterConfig) *AdaptiveLimiter {
	def := DefaultLimiterConfig()
	if cfg.MinRPS <= 0 {
		cfg.MinRPS = def.MinRPS
	}
	if cfg.MaxRPS < cfg.MinRPS {
		cfg.MaxRPS = max(def.MaxRPS, cfg.MinRPS)
	}
	if cfg.InitialRPS <= 0 {
		cfg.InitialRPS = def.InitialRPS
	}
	if cfg.TargetRTT <= 0 {
		cfg.TargetRTT = def.TargetRTT
	}

	a := &AdaptiveLimiter{cfg: cfg, emaRTT: cfg.TargetRTT}
	a.currentRate = a.clamp(cfg.InitialRPS)
	a.limiter = rate.NewLimiter(rate.Limit(a.currentRate), burstFor(a.currentRate))
	return a
}

// Wait blocks until the next request may start or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// ObserveRTT feeds one response time into the moving average and adjusts the
// rate. A no-op when adaptation is disabled.
func (a *AdaptiveLimiter) ObserveRTT(rtt time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cfg.Adaptive || rtt <= 0 {
		return
	}

	a.emaRTT = time.Duration(emaAlpha*float64(rtt) + (1-emaAlpha)*float64(a.emaRTT))
	ratio := float64(a.cfg.TargetRTT) / float64(a.emaRTT)

	next := a.currentRate * recoveryFactor
	if ratio < 1 {
		next = max(a.currentRate*ratio, a.currentRate*backoffFactor)
	}
	a.setLocked(next)
}

// Penalize halves the rate after the server signals overload (429 or 503).
func (a *AdaptiveLimiter) Penalize() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cfg.Adaptive {
		return
	}
	a.setLocked(a.currentRate * backoffFactor)
}

// SetRate pins the rate and disables adaptation.
func (a *AdaptiveLimiter) SetRate(rps float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.Adaptive = false
	a.currentRate = a.clamp(rps)
	a.limiter.SetLimit(rate.Limit(a.currentRate))
	a.limiter.SetBurst(burstFor(a.currentRate))
}

// EnableAdaptation re-enables adaptive pacing after SetRate.
func (a *AdaptiveLimiter) EnableAdaptation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Adaptive = true
}

// CurrentRate returns the current rate in requests per second.
func (a *AdaptiveLimiter) CurrentRate() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentRate
}

// CurrentEMA returns the moving average of observed response times.
func (a *AdaptiveLimiter) CurrentEMA() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.emaRTT
}

// setLocked applies a new rate if it moved by more than 0.1 rps. Must be
// called with mu held.
func (a *AdaptiveLimiter) setLocked(rps float64) {
	rps = a.clamp(rps)
	if math.Abs(rps-a.currentRate) <= 0.1 {
		return
	}
	a.currentRate = rps
	a.limiter.SetLimit(rate.Limit(rps))
	a.limiter.SetBurst(burstFor(rps))
}

func (a *AdaptiveLimiter) clamp(rps float64) float64 {
	return min(max(rps, a.cfg.MinRPS), a.cfg.MaxRPS)
}

func burstFor(rps float64) int {
	return max(1, int(math.Ceil(rps)))
}
