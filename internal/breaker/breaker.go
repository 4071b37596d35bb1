// Package breaker implements the per-endpoint Circuit Breaker Registry from
// spec.md §4.2, ported from the Python original's utils/circuit_breaker.py.
// State transition and admission decision happen inside one mutex-guarded
// critical section, matching the "atomic with respect to the call" guarantee
// spec.md requires.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketfeed/internal/model"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned (wrapped in a *model.TrackedError with KindCircuitOpen)
// when a call is rejected without invoking the wrapped function.
var ErrOpen = errors.New("circuit breaker is open")

// Classifier decides whether an error counts as a breaker failure. The
// default classifier treats every non-nil error as a failure.
type Classifier func(err error) bool

func defaultClassifier(err error) bool { return err != nil }

// Options configures a single breaker. Zero values fall back to spec.md's
// defaults (5 failures / 60s recovery / 2 successes).
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	Classifier       Classifier
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 60 * time.Second
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 2
	}
	if o.Classifier == nil {
		o.Classifier = defaultClassifier
	}
	return o
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	name string
	opts Options

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastStateChange time.Time
	openedAt       time.Time

	totalCalls     int64
	successfulCalls int64
	failedCalls    int64
	rejectedCalls  int64
}

func newBreaker(name string, opts Options) *Breaker {
	return &Breaker{
		name:            name,
		opts:            opts.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Stats is the point-in-time snapshot returned by Breaker.Stats().
type Stats struct {
	Name            string  `json:"name"`
	State           State   `json:"state"`
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	RejectedCalls   int64   `json:"rejected_calls"`
	SuccessRate     float64 `json:"success_rate"`
	FailureCount    int     `json:"failure_count"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rate float64
	if b.totalCalls > 0 {
		rate = float64(b.successfulCalls) / float64(b.totalCalls) * 100
	}
	return Stats{
		Name:            b.name,
		State:           b.state,
		TotalCalls:      b.totalCalls,
		SuccessfulCalls: b.successfulCalls,
		FailedCalls:     b.failedCalls,
		RejectedCalls:   b.rejectedCalls,
		SuccessRate:     rate,
		FailureCount:    b.failureCount,
	}
}

// Reset administratively forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.failureCount = 0
	b.successCount = 0
}

// Call executes fn through the breaker. A rejected call never invokes fn,
// per spec.md §4.2's guarantee.
func (b *Breaker) Call(fn func() error) error {
	if !b.admit() {
		return model.NewTrackedError(model.KindCircuitOpen, ErrOpen)
	}

	err := fn()
	b.report(err)
	return err
}

// CallContext is the async-friendly equivalent; ctx is passed through to fn
// via closure, Call itself has no async variant in Go since goroutines are
// the native concurrency unit (spec.md §9's "async equivalent").
func (b *Breaker) CallContext(ctx context.Context, fn func(context.Context) error) error {
	if !b.admit() {
		return model.NewTrackedError(model.KindCircuitOpen, ErrOpen)
	}

	err := fn(ctx)
	b.report(err)
	return err
}

// admit makes the transition + admission decision atomically.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.opts.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			return true
		}
		b.rejectedCalls++
		return false
	default:
		return true
	}
}

func (b *Breaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isFailure := b.opts.Classifier(err)
	if isFailure {
		b.failedCalls++
		b.failureCount++
		switch b.state {
		case StateHalfOpen:
			b.transitionLocked(StateOpen)
		case StateClosed:
			if b.failureCount >= b.opts.FailureThreshold {
				b.transitionLocked(StateOpen)
			}
		}
		return
	}

	b.successfulCalls++
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.opts.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) {
	b.state = to
	b.lastStateChange = time.Now()
	switch to {
	case StateOpen:
		b.openedAt = time.Now()
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	}
}

// Registry is the named-breaker registry from spec.md §4.2.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it with opts on first use.
func (r *Registry) Get(name string, opts Options) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, opts)
	r.breakers[name] = b
	return b
}

// AllStats returns a snapshot of every registered breaker, keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(names))
	for i, name := range names {
		out[name] = breakers[i].Stats()
	}
	return out
}

// EndpointOptions returns the default per-endpoint settings spec.md §4.2
// assigns to each Exchange Client resource breaker.
func EndpointOptions() Options {
	return Options{FailureThreshold: 10, RecoveryTimeout: 120 * time.Second, SuccessThreshold: 2}
}

func (s State) String() string { return fmt.Sprint(string(s)) }
