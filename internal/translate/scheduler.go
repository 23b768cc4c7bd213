package translate

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time so pacing can be tested without sleeping
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock is the wall clock
var RealClock Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler is the process-wide minimum-interval pacer. Each provider class
// gets one token bucket of burst 1 refilled every 60s/rpm, and each credential
// may additionally sit under an explicit cooldown.
type Scheduler struct {
	mu        sync.Mutex
	clock     Clock
	limiters  map[string]*rate.Limiter
	cooldowns map[string]time.Time
}

// NewScheduler creates a scheduler on clock (nil means RealClock)
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{
		clock:     clock,
		limiters:  make(map[string]*rate.Limiter),
		cooldowns: make(map[string]time.Time),
	}
}

// MinInterval returns ceil(60000/rpm) milliseconds
func MinInterval(rpm int) time.Duration {
	if rpm <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(60000/float64(rpm))) * time.Millisecond
}

// Wait blocks until provider may be called again with key. rpm <= 0 only
// honours key cooldowns. If ctx ends first the reserved slot is handed back.
func (s *Scheduler) Wait(ctx context.Context, provider, key string, rpm int) error {
	now := s.clock.Now()

	s.mu.Lock()
	var res *rate.Reservation
	if rpm > 0 {
		lim := s.limiterLocked(provider, rpm, now)
		res = lim.ReserveN(now, 1)
	}
	cooldown := s.cooldowns[key].Sub(now)
	s.mu.Unlock()

	wait := time.Duration(0)
	if res != nil {
		wait = res.DelayFrom(now)
	}
	if cooldown > wait {
		wait = cooldown
	}
	if wait <= 0 {
		return ctx.Err()
	}

	if err := s.clock.Sleep(ctx, wait); err != nil {
		if res != nil {
			res.CancelAt(s.clock.Now())
		}
		return err
	}
	return nil
}

// Cooldown blocks key until now+d. Shorter cooldowns never shorten a longer one.
func (s *Scheduler) Cooldown(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := s.clock.Now().Add(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.cooldowns[key]) {
		s.cooldowns[key] = until
	}
}

// CooldownUntil returns the time key becomes usable, zero if not cooling down
func (s *Scheduler) CooldownUntil(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldowns[key]
}

func (s *Scheduler) limiterLocked(provider string, rpm int, now time.Time) *rate.Limiter {
	limit := rate.Every(MinInterval(rpm))
	lim, ok := s.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(limit, 1)
		s.limiters[provider] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimitAt(now, limit)
	}
	return lim
}

// GeminiRPM returns the effective requests-per-minute for a Gemini model: the
// published limit for the tier, derated to 80% with a floor of 1.
func GeminiRPM(model string, tier1 bool) int {
	free := map[string]int{"gemini-2.5-flash": 10, "gemini-2.0-flash": 15, "gemini-2.0-flash-lite": 30}
	paid := map[string]int{"gemini-2.5-flash": 1000, "gemini-2.0-flash": 2000, "gemini-2.0-flash-lite": 4000}

	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		model = "gemini-2.0-flash-lite"
	}

	var rpm int
	var ok bool
	if tier1 {
		if rpm, ok = paid[model]; !ok {
			rpm = 1000
		}
	} else {
		if rpm, ok = free[model]; !ok {
			rpm = 10
		}
	}
	return max(1, int(math.Floor(float64(rpm)*0.8)))
}
