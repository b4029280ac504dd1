package proxy

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when upstream calls to a host are suspended
// after repeated failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of one host's circuit.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig controls when a host's circuit opens.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit. Zero disables breaking.
	MaxFailures int
	// Cooldown is how long the circuit stays open before one trial call is
	// let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the executor's default thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}
}

type circuit struct {
	state     BreakerState
	failures  int
	openUntil time.Time
	trial     bool
}

// hostBreakers tracks one circuit per upstream host.
type hostBreakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	circuits map[string]*circuit
	now      func() time.Time
}

func newHostBreakers(cfg BreakerConfig) *hostBreakers {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &hostBreakers{cfg: cfg, circuits: make(map[string]*circuit), now: time.Now}
}

func (b *hostBreakers) get(host string) *circuit {
	c, ok := b.circuits[host]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[host] = c
	}
	return c
}

// allow reports whether a call to host may proceed. An open circuit whose
// cooldown has elapsed admits exactly one trial call.
func (b *hostBreakers) allow(host string) error {
	if b.cfg.MaxFailures <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	switch c.state {
	case StateOpen:
		if b.now().Before(c.openUntil) {
			return ErrCircuitOpen
		}
		c.state = StateHalfOpen
		c.trial = true
		return nil
	case StateHalfOpen:
		if c.trial {
			return ErrCircuitOpen
		}
		c.trial = true
		return nil
	default:
		return nil
	}
}

// record updates host's circuit with the outcome of one call.
func (b *hostBreakers) record(host string, failed bool) {
	if b.cfg.MaxFailures <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	c.trial = false
	if !failed {
		c.state = StateClosed
		c.failures = 0
		return
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.cfg.MaxFailures {
		c.state = StateOpen
		c.openUntil = b.now().Add(b.cfg.Cooldown)
	}
}

func (b *hostBreakers) state(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[host]; ok {
		return c.state
	}
	return StateClosed
}
