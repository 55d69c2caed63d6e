package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/logger"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig controls when a breaker opens and recovers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
}

// DefaultBreakerConfig matches the values used for actor calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         time.Minute,
	}
}

// Breaker is a per-resource circuit breaker tracking consecutive failures.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	successCount  int
	nextAttemptAt time.Time
}

// NewBreaker creates a breaker for a named resource.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: BreakerClosed,
	}
}

// Do runs op through the breaker. While the circuit is open calls fail fast
// with ErrCircuitOpen; after the cooldown a single trial call is let through.
func Do[T any](b *Breaker, op func() (T, error)) (T, error) {
	var zero T
	if err := b.before(); err != nil {
		return zero, err
	}

	v, err := op()
	if err != nil {
		b.onFailure()
		return zero, err
	}
	b.onSuccess()
	return v, nil
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Before(b.nextAttemptAt) {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		b.state = BreakerHalfOpen
		b.successCount = 0
		logger.Debugf("[breaker] %s: open -> half-open", b.name)
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == BreakerHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.successCount = 0
			logger.Infof("[breaker] %s: half-open -> closed", b.name)
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.state == BreakerHalfOpen || b.failureCount >= b.cfg.FailureThreshold {
		if b.state != BreakerOpen {
			logger.Warnf("[breaker] %s: %s -> open", b.name, b.state)
		}
		b.state = BreakerOpen
		b.successCount = 0
		b.nextAttemptAt = b.now().Add(b.cfg.Cooldown)
	}
}

// State reports the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.nextAttemptAt = time.Time{}
}

// Registry owns named breakers. It is created once at startup and passed to
// the callers that need it; there is deliberately no package-level registry,
// so tests and independent servers never share breaker state.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}
