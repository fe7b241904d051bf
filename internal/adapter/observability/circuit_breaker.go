package observability

import (
	"sync"
	"time"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// CircuitBreakerState is one of CLOSED/OPEN/HALF_OPEN (spec §4.4).
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// CircuitBreaker gates calls to one upstream dependency. Distinct from the
// teacher's version in one respect: half_open_max_calls (how many probes are
// let through while HALF_OPEN) and success_threshold (how many of those must
// succeed to close) are separate knobs per spec §4.4, not one shared number.
type CircuitBreaker struct {
	name               string
	failureThreshold   int
	successThreshold   int
	halfOpenMaxCalls   int
	timeout            time.Duration

	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	halfOpenSent int
	successCount int
	lastFailure  time.Time
}

// NewCircuitBreaker builds a breaker with independent half-open probe count
// and close threshold (spec §4.4: half_open_max_calls, success_threshold).
func NewCircuitBreaker(name string, failureThreshold, successThreshold, halfOpenMaxCalls int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		halfOpenMaxCalls: halfOpenMaxCalls,
		timeout:          timeout,
		state:            StateClosed,
	}
}

// Call executes fn under the breaker's protection, returning
// domain.ErrCircuitOpen without invoking fn if the breaker is OPEN (or its
// HALF_OPEN probe budget is exhausted).
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.halfOpenSent = 0
		cb.successCount = 0
	}
	if !cb.shouldAllowRequestLocked() {
		RecordCircuitBreakerStatus(cb.name, int(cb.state))
		cb.mu.Unlock()
		return domain.ErrCircuitOpen
	}
	if cb.state == StateHalfOpen {
		cb.halfOpenSent++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	cb.updateStateLocked(err)
	RecordCircuitBreakerStatus(cb.name, int(cb.state))
	cb.mu.Unlock()

	return err
}

func (cb *CircuitBreaker) shouldAllowRequestLocked() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.halfOpenSent < cb.halfOpenMaxCalls
	default:
		return false
	}
}

func (cb *CircuitBreaker) updateStateLocked(err error) {
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
		return
	}
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			cb.failures = 0
			cb.halfOpenSent = 0
		}
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) StateString() string {
	switch cb.State() {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker back to CLOSED (POST /admin/circuit-breakers/reset).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenSent = 0
}

// CircuitBreakerManager keeps one breaker per upstream dependency name.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

func (m *CircuitBreakerManager) GetOrCreate(name string, failureThreshold, successThreshold, halfOpenMaxCalls int, timeout time.Duration) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, failureThreshold, successThreshold, halfOpenMaxCalls, timeout)
	m.breakers[name] = cb
	return cb
}

func (m *CircuitBreakerManager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

func (m *CircuitBreakerManager) GetAll() map[string]*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*CircuitBreaker, len(m.breakers))
	for k, v := range m.breakers {
		out[k] = v
	}
	return out
}

func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
