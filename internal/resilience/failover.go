package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllBackendsFailed is returned when every backend in a [FailoverChain]
// either failed or had an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// chainLink pairs one backend with its dedicated breaker.
type chainLink[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// FailoverChain holds an ordered list of interchangeable backends, each
// behind its own [Breaker]. Calls go to the first backend whose breaker
// admits them and that does not fail. Safe for concurrent use once built;
// [FailoverChain.Add] is not synchronised and belongs in setup code.
type FailoverChain[T any] struct {
	links []chainLink[T]
	cfg   BreakerConfig
}

// NewFailoverChain creates a chain whose per-backend breakers share cfg.
func NewFailoverChain[T any](cfg BreakerConfig) *FailoverChain[T] {
	return &FailoverChain[T]{cfg: cfg}
}

// Add appends a backend to the chain. Order is priority order.
func (c *FailoverChain[T]) Add(name string, backend T) {
	bc := c.cfg
	bc.Backend = name
	c.links = append(c.links, chainLink[T]{
		name:    name,
		backend: backend,
		breaker: NewBreaker(bc),
	})
}

// Each calls visit for every backend in the chain, in priority order.
func (c *FailoverChain[T]) Each(visit func(name string, backend T)) {
	for i := range c.links {
		visit(c.links[i].name, c.links[i].backend)
	}
}

// Try runs fn against each backend in priority order until one succeeds.
// Backends with open breakers are skipped. When every backend fails, the
// last error is wrapped in [ErrAllBackendsFailed].
//
// Try is a function rather than a method so the result type can be generic.
func Try[T, R any](c *FailoverChain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.links {
		link := &c.links[i]
		var out R
		err := link.breaker.Do(func() error {
			var callErr error
			out, callErr = fn(link.backend)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping backend, breaker open", "backend", link.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", link.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}
