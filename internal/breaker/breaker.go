// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"time"

	"github.com/archivewrapped/pipeline/internal/obs"
)

// State of the Archive circuit. The numeric values feed the
// circuit_breaker_state gauge directly.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// outcome is one recorded Archive call result inside the sliding window.
type outcome struct {
	at time.Time
	ok bool
}

// CircuitBreaker guards the Archive provider. All of a process's workers
// share one breaker, so a provider outage trips the circuit once and every
// stage's outbound calls fail fast until a cooldown probe succeeds —
// retry-queue entries then bring the affected jobs back once the provider
// recovers. Tripping is based on the failure ratio over a sliding window,
// never on a single call.
type CircuitBreaker struct {
	mu             sync.Mutex
	state          State
	window         time.Duration
	cooldown       time.Duration
	failureRatio   float64
	minSamples     int
	lastTransition time.Time
	outcomes       []outcome
	probeInFlight  bool
}

// New builds a closed breaker. minSamples stops a cold start (one failed
// call, 100% failure ratio) from tripping the circuit before the window
// holds anything representative.
func New(window, cooldown time.Duration, failureRatio float64, minSamples int) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:          Closed,
		window:         window,
		cooldown:       cooldown,
		failureRatio:   failureRatio,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
	obs.CircuitBreakerState.Set(float64(Closed))
	return cb
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition moves the breaker to a new state, keeping the metrics gauge in
// step. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if to == Open && cb.state != Open {
		obs.CircuitBreakerTrips.Inc()
	}
	cb.state = to
	cb.lastTransition = now
	obs.CircuitBreakerState.Set(float64(to))
}

// Allow reports whether the next Archive call may go out. While Open it
// refuses everything until the cooldown elapses, then admits exactly one
// half-open probe; concurrent callers racing for that probe slot all see
// false until the probe's Record lands.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) < cb.cooldown {
			return false
		}
		cb.transition(HalfOpen, time.Now())
		cb.probeInFlight = true
		return true
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds one Archive call outcome into the sliding window and applies
// the state machine: a half-open probe closes or re-opens the circuit on
// its own, a closed circuit trips once the windowed failure ratio crosses
// the threshold with enough samples behind it.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()

	cutoff := now.Add(-cb.window)
	kept := cb.outcomes[:0]
	fails := 0
	for _, o := range cb.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
			if !o.ok {
				fails++
			}
		}
	}
	cb.outcomes = append(kept, outcome{at: now, ok: ok})
	if !ok {
		fails++
	}

	if cb.state == HalfOpen {
		// The single probe decides the circuit on its own; the window is
		// history from before the outage and must not outvote it.
		if ok {
			cb.transition(Closed, now)
		} else {
			cb.transition(Open, now)
		}
		cb.probeInFlight = false
		return
	}

	total := len(cb.outcomes)
	if cb.state == Closed && total >= cb.minSamples {
		if float64(fails)/float64(total) >= cb.failureRatio {
			cb.transition(Open, now)
		}
	}
}
