package kernel

import (
	"sync"
	"time"
)

// circuitState mirrors pkg/agent/circuit.go's three-state machine, adapted
// from tripping on stalled file-diff output to tripping on stalled turn
// executor output: repeated protocol failures or a run of turns that
// produce no output tokens both count as "no progress".
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreakerConfig configures when the breaker trips and how long it
// stays open before allowing a trial turn through.
type circuitBreakerConfig struct {
	NoProgressThreshold int
	SameErrorThreshold  int
	RecoveryTimeout     time.Duration
}

func defaultCircuitConfig() circuitBreakerConfig {
	return circuitBreakerConfig{
		NoProgressThreshold: 3,
		SameErrorThreshold:  3,
		RecoveryTimeout:     time.Minute,
	}
}

// circuitBreaker stops the Kernel from burning its whole retry budget on
// an executor that has stopped making progress: a run of turns with zero
// output tokens, or the same transient error repeated, trips it open.
type circuitBreaker struct {
	mu     sync.Mutex
	config circuitBreakerConfig

	state        circuitState
	lastErr      string
	errorStreak  int
	noProgress   int
	lastOpenedAt time.Time
}

func newCircuitBreaker(config circuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{config: config, state: circuitClosed}
}

// Allow reports whether a turn may proceed, transitioning open->half-open
// once the recovery timeout has elapsed.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed, circuitHalfOpen:
		return true
	case circuitOpen:
		if time.Since(cb.lastOpenedAt) >= cb.config.RecoveryTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a turn that produced tokensOut output tokens.
func (cb *circuitBreaker) RecordSuccess(tokensOut int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.state = circuitClosed
		cb.errorStreak = 0
	}

	if tokensOut == 0 {
		cb.noProgress++
		if cb.noProgress >= cb.config.NoProgressThreshold {
			cb.trip()
		}
	} else {
		cb.noProgress = 0
	}
}

// RecordError records a transient executor failure identified by kind.
func (cb *circuitBreaker) RecordError(kind string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.trip()
		return
	}

	if kind != "" && kind == cb.lastErr {
		cb.errorStreak++
	} else {
		cb.errorStreak = 1
	}
	cb.lastErr = kind
	if cb.errorStreak >= cb.config.SameErrorThreshold {
		cb.trip()
	}
}

func (cb *circuitBreaker) trip() {
	cb.state = circuitOpen
	cb.lastOpenedAt = time.Now()
}

func (cb *circuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
