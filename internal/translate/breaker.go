package translate

import (
	"sync"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
)

const (
	// DefaultBreakerThreshold is the failure count that opens a circuit
	DefaultBreakerThreshold = 3
	// DefaultBreakerWindow is how long a failure is remembered
	DefaultBreakerWindow = 5 * time.Minute
)

type breakerKey struct {
	kind     errors.ErrorCode
	provider string
}

// CircuitState is the failure counter of one (kind, provider) pair
type CircuitState struct {
	Count  int
	LastAt time.Time
}

// Breaker counts classified provider failures and reports a circuit open
// once threshold failures land inside the window. A count is forgotten once
// window passes without a new failure.
type Breaker struct {
	mu        sync.Mutex
	clock     Clock
	threshold int
	window    time.Duration
	states    map[breakerKey]*CircuitState
}

// NewBreaker creates a breaker. Non-positive values select the defaults.
func NewBreaker(clock Clock, threshold int, window time.Duration) *Breaker {
	if clock == nil {
		clock = RealClock
	}
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if window <= 0 {
		window = DefaultBreakerWindow
	}
	return &Breaker{
		clock:     clock,
		threshold: threshold,
		window:    window,
		states:    make(map[breakerKey]*CircuitState),
	}
}

// Record counts one failure and reports whether this failure opened the circuit
func (b *Breaker) Record(kind errors.ErrorCode, provider string) bool {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	k := breakerKey{kind: kind, provider: provider}
	st, ok := b.states[k]
	if !ok || now.Sub(st.LastAt) > b.window {
		st = &CircuitState{}
		b.states[k] = st
	}
	st.Count++
	st.LastAt = now
	return st.Count == b.threshold
}

// Open reports whether calls for (kind, provider) should short-circuit
func (b *Breaker) Open(kind errors.ErrorCode, provider string) bool {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked(breakerKey{kind: kind, provider: provider}, now)
}

// Tripped returns the first open failure kind for provider, if any
func (b *Breaker) Tripped(provider string) (errors.ErrorCode, bool) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range []errors.ErrorCode{errors.ErrorQuotaExceeded, errors.ErrorAuthFailed, errors.ErrorTransientNetwork, errors.ErrorMalformedResponse} {
		if b.openLocked(breakerKey{kind: kind, provider: provider}, now) {
			return kind, true
		}
	}
	return "", false
}

// State returns a copy of the counter for (kind, provider)
func (b *Breaker) State(kind errors.ErrorCode, provider string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[breakerKey{kind: kind, provider: provider}]; ok {
		return *st
	}
	return CircuitState{}
}

// Clear forgets every counter. Operators call it after fixing quota or keys.
func (b *Breaker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[breakerKey]*CircuitState)
}

func (b *Breaker) openLocked(k breakerKey, now time.Time) bool {
	st, ok := b.states[k]
	if !ok {
		return false
	}
	if now.Sub(st.LastAt) > b.window {
		delete(b.states, k)
		return false
	}
	return st.Count >= b.threshold
}
