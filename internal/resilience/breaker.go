// Package resilience keeps a flaky speech backend from taking the gateway
// down with it.
//
// [Breaker] is a per-backend circuit breaker: after enough consecutive
// failures it rejects calls outright for a cooldown period, then lets a few
// probe calls through to decide whether the backend has recovered.
// [FailoverChain] strings several backends together behind one of these
// breakers each, so a turn can be served by the next backend in line while
// the primary cools off. [FailoverBridge] packages the chain as a
// [bridge.Bridge].
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the backend is cooling
// off.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the breaker's operating mode.
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects every call until the cooldown elapses.
	BreakerOpen

	// BreakerProbing forwards a bounded number of probe calls to decide
	// whether to close again.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values fall back to the defaults.
type BreakerConfig struct {
	// Backend labels the breaker in logs.
	Backend string

	// TripAfter is the run of consecutive failures that opens the breaker.
	// Default 5.
	TripAfter int

	// Cooldown is how long the breaker rejects calls before probing.
	// Default 30s.
	Cooldown time.Duration

	// ProbeBudget is how many probe calls must succeed, and also the most
	// that may be in flight, while probing. Default 3.
	ProbeBudget int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter <= 0 {
		c.TripAfter = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeBudget <= 0 {
		c.ProbeBudget = 3
	}
	return c
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failRun  int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Do runs fn unless the breaker is rejecting calls, in which case it returns
// [ErrBreakerOpen] without running fn. fn's error is returned as-is and
// feeds the breaker's accounting.
func (b *Breaker) Do(fn func() error) error {
	probing, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.observe(err, probing)
	return err
}

// admit decides whether a call may proceed, handling the open-to-probing
// transition. It reports whether the call counts against the probe budget.
func (b *Breaker) admit() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false, ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probes = 0
		b.probeOK = 0
		slog.Info("breaker probing backend", "backend", b.cfg.Backend)
		fallthrough
	case BreakerProbing:
		if b.probes >= b.cfg.ProbeBudget {
			return false, ErrBreakerOpen
		}
		b.probes++
		return true, nil
	default:
		return false, nil
	}
}

// observe records a call outcome.
func (b *Breaker) observe(callErr error, probing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if callErr == nil {
		if !probing {
			b.failRun = 0
			return
		}
		b.probeOK++
		if b.probeOK >= b.cfg.ProbeBudget {
			b.state = BreakerClosed
			b.failRun = 0
			slog.Info("breaker closed, backend recovered", "backend", b.cfg.Backend)
		}
		return
	}

	b.openedAt = time.Now()
	if probing {
		// One failed probe is enough to re-open.
		b.state = BreakerOpen
		slog.Warn("breaker re-opened, probe failed", "backend", b.cfg.Backend)
		return
	}
	b.failRun++
	if b.failRun >= b.cfg.TripAfter {
		b.state = BreakerOpen
		slog.Warn("breaker opened", "backend", b.cfg.Backend, "failures", b.failRun)
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [BreakerProbing]; the stored state changes on the next
// [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failRun = 0
	b.probes = 0
	b.probeOK = 0
}
