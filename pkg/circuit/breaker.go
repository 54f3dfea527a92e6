// Package circuit trips calls to a failing store or broker so the daemon stops waiting on it.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
)

// State is where a breaker sits in the closed → open → half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Config tunes a breaker.
type Config struct {
	Name            string        // guarded dependency, e.g. "kafka" or "postgres"
	MaxFailures     int           // failures within one window that trip the breaker
	SuccessRequired int           // consecutive half-open successes that close it again
	Timeout         time.Duration // how long it stays open before letting a trial call through
	ResetTimeout    time.Duration // length of the failure counting window while closed

	// OnStateChange runs after every transition, without the breaker lock held.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns thresholds suitable for a network store.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    time.Minute,
	}
}

// Breaker guards one dependency.
type Breaker struct {
	config *Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	lastFailure time.Time
	windowStart time.Time
}

// New creates a closed breaker. A nil config means DefaultConfig("default").
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	cb := &Breaker{config: config, now: time.Now}
	cb.windowStart = cb.now()
	return cb
}

func (cb *Breaker) Name() string {
	return cb.config.Name
}

// Execute runs fn unless the breaker is open.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult is Execute for calls that produce a value. A rejected call returns
// the zero value and a network-typed error naming the breaker.
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	if !cb.admit() {
		var zero T
		return zero, errors.New(errors.ErrorTypeNetwork, "circuit_breaker", "circuit breaker is open").
			WithContext("breaker", cb.config.Name).
			WithContext("state", StateOpen.String())
	}

	v, err := fn()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return v, err
}

func (cb *Breaker) admit() bool {
	cb.mu.Lock()
	now := cb.now()
	from := cb.state
	admitted := true

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
	case StateOpen:
		if now.Sub(cb.openedAt) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
		} else {
			admitted = false
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return admitted
}

func (cb *Breaker) onFailure() {
	cb.mu.Lock()
	now := cb.now()
	from := cb.state

	cb.failures++
	cb.lastFailure = now
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = StateOpen
		cb.openedAt = now
		cb.successes = 0
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *Breaker) onSuccess() {
	cb.mu.Lock()
	from := cb.state

	cb.successes++
	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
		cb.closeLocked()
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *Breaker) closeLocked() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.windowStart = cb.now()
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time view of a breaker for the health endpoint.
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailure,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.closeLocked()
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
