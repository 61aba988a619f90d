package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before a trial request.
	Timeout time.Duration
	// MaxRequests bounds concurrent trial requests while half-open.
	MaxRequests uint32
	// OnStateChange is called with the breaker name on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Timeout: 60 * time.Second, MaxRequests: 1}
}

// CircuitBreaker guards calls to one upstream.
type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures uint32
	inflight uint32
	openedAt time.Time
}

// New returns a closed breaker.
func New(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// State returns the current state, promoting open to half-open once the
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) refresh() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	switch cb.state {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.inflight >= cb.cfg.MaxRequests {
			return ErrTooManyRequests
		}
		cb.inflight++
	}
	return nil
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateHalfOpen:
		if cb.inflight > 0 {
			cb.inflight--
		}
		if success {
			cb.failures = 0
			cb.transition(StateClosed)
		} else {
			cb.open()
		}
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to != StateHalfOpen {
		cb.inflight = 0
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// HostBreaker manages circuit breakers per upstream host
type HostBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewHostBreaker returns a set of breakers keyed by host.
func NewHostBreaker(cfg Config) *HostBreaker {
	return &HostBreaker{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// Execute runs fn under the breaker for host.
func (hb *HostBreaker) Execute(host string, fn func() error) error {
	return hb.get(host).Execute(fn)
}

func (hb *HostBreaker) get(host string) *CircuitBreaker {
	hb.mu.RLock()
	b, ok := hb.breakers[host]
	hb.mu.RUnlock()
	if ok {
		return b
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	if b, ok := hb.breakers[host]; ok {
		return b
	}
	b = New(host, hb.cfg)
	hb.breakers[host] = b
	return b
}

// State returns the state for host without creating a breaker.
func (hb *HostBreaker) State(host string) State {
	hb.mu.RLock()
	b, ok := hb.breakers[host]
	hb.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// Stats returns the state name of every known host.
func (hb *HostBreaker) Stats() map[string]string {
	hb.mu.RLock()
	defer hb.mu.RUnlock()
	out := make(map[string]string, len(hb.breakers))
	for host, b := range hb.breakers {
		out[host] = b.State().String()
	}
	return out
}

// Reset closes the breaker for host.
func (hb *HostBreaker) Reset(host string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	delete(hb.breakers, host)
}
