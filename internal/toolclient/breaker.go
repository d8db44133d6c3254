package toolclient

import (
	"sync"
	"time"
)

// State is the position of an endpoint circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// breaker is the circuit of a single endpoint.
type breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// allow reports whether a call may proceed. After the cooldown exactly one
// caller is let through as the half-open probe.
func (b *breaker) allow(now time.Time, cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if now.Before(b.openedAt.Add(cooldown)) {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// success resets the failure count and closes the circuit.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateClosed
	b.probing = false
}

// failure records an exhausted call. A failed probe reopens the circuit.
func (b *breaker) failure(now time.Time, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= threshold {
		b.state = StateOpen
		b.openedAt = now
	}
	b.probing = false
}

// release gives up a probe slot without judging the endpoint.
func (b *breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *breaker) snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == "" {
		return StateClosed
	}
	return b.state
}

// breakerTable maps endpoints to their circuits.
type breakerTable struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
}

func newBreakerTable() *breakerTable {
	return &breakerTable{breakers: make(map[string]*breaker)}
}

func (t *breakerTable) get(endpoint string) *breaker {
	t.mu.RLock()
	b, ok := t.breakers[endpoint]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[endpoint]; ok {
		return b
	}
	b = &breaker{state: StateClosed}
	t.breakers[endpoint] = b
	return b
}
