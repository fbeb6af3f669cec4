package router

import (
	"sync"
	"time"

	"fleetgate/logger"
)

// BreakerState is the circuit position for one protocol.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Exponential backoff cap for repeated re-opens.
const maxRecovery = 5 * time.Minute

// Measurement window for the failure counter.
const failureWindow = time.Minute

// Breaker is a per-protocol failure gate. Closed admits traffic;
// threshold failures inside the window open it for the recovery time;
// on expiry exactly one probe is admitted (half_open). Probe success
// closes it, probe failure re-opens with doubled recovery.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	recovery  time.Duration // current recovery, doubles on repeated opens
	base      time.Duration

	state         BreakerState
	failureCount  int
	windowStart   time.Time
	lastFailure   time.Time
	nextRetry     time.Time
	probeInFlight bool

	now func() time.Time // injectable clock for tests
}

func NewBreaker(name string, threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		recovery:  recovery,
		base:      recovery,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a send may proceed. In half_open it admits
// exactly one probe; concurrent callers are refused until the probe
// reports its result.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Before(b.nextRetry) {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		logger.Info("[BREAKER] %s open -> half_open, admitting probe", b.name)
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess reports a successful send.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failureCount = 0
		b.probeInFlight = false
		b.recovery = b.base
		logger.Info("[BREAKER] %s probe succeeded, half_open -> closed", b.name)
	case BreakerClosed:
		b.failureCount = 0
	}
}

// RecordFailure reports a failed send and may open the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	switch b.state {
	case BreakerHalfOpen:
		// Probe failed: re-open with exponential backoff.
		b.probeInFlight = false
		b.recovery *= 2
		if b.recovery > maxRecovery {
			b.recovery = maxRecovery
		}
		b.open(now)
	case BreakerClosed:
		if b.failureCount == 0 || now.Sub(b.windowStart) > failureWindow {
			b.windowStart = now
			b.failureCount = 0
		}
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.open(now)
		}
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.nextRetry = now.Add(b.recovery)
	logger.Warn("[BREAKER] %s opened for %s (%d failures)", b.name, b.recovery, b.failureCount)
}

// ReleaseProbe returns an unused half-open probe slot when the attempt
// was abandoned before producing a verdict.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
	}
}

// Available reports whether the next Allow would admit a send, without
// claiming the half-open probe slot.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return !b.now().Before(b.nextRetry)
	case BreakerHalfOpen:
		return !b.probeInFlight
	}
	return false
}

// State returns the current state, transitioning open -> half_open if
// the retry time has passed (the next Allow admits the probe).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's observable fields for /status.
func (b *Breaker) Snapshot() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":         b.state.String(),
		"failure_count": b.failureCount,
		"last_failure":  b.lastFailure,
		"next_retry":    b.nextRetry,
		"threshold":     b.threshold,
		"recovery":      b.recovery.String(),
	}
}

// setClock replaces the breaker's clock. Test hook.
func (b *Breaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
