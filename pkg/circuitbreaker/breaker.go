// Package circuitbreaker sheds upstream calls after repeated failures
// so a dead endpoint fails fast instead of eating timeouts.
package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker counts consecutive failures and opens once they reach the
// threshold. An open breaker closes again after the cooldown passes.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool

	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// IsOpen reports whether calls should be shed. The cooldown check
// happens here, so an expired breaker closes on the next probe.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}
	if time.Since(b.lastFailure) > b.cooldown {
		b.open = false
		b.failures = 0
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.threshold {
		b.open = true
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// State is a read-only snapshot for diagnostics.
type State struct {
	Open     bool `json:"open"`
	Failures int  `json:"failures"`
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Open: b.open, Failures: b.failures}
}

// Manager keys breakers by model so one failing model never shadows
// the others.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	threshold int
	cooldown  time.Duration
}

func NewManager(threshold int, cooldown time.Duration) *Manager {
	return &Manager{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (m *Manager) GetBreaker(model string) *Breaker {
	m.mu.RLock()
	breaker, ok := m.breakers[model]
	m.mu.RUnlock()
	if ok {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if breaker, ok = m.breakers[model]; ok {
		return breaker
	}
	breaker = New(m.threshold, m.cooldown)
	m.breakers[model] = breaker
	return breaker
}

func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.breakers))
	for model, breaker := range m.breakers {
		states[model] = breaker.State()
	}
	return states
}
