package circuitbreaker

import (
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// FailureThreshold is the failure count at which the breaker opens. Values below 1 are treated as 1.
	FailureThreshold int `json:"failure-threshold"`

	// OpenTimeout is how long an open breaker refuses calls, measured from the latest failure.
	OpenTimeout time.Duration `json:"open-timeout"`

	// HalfOpenRequiredSuccesses is the number of successes needed in HALF_OPEN to close again.
	HalfOpenRequiredSuccesses int `json:"half-open-required-successes"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:          5,
		OpenTimeout:               60 * time.Second,
		HalfOpenRequiredSuccesses: 3,
	}
}

func (c Config) normalized() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.HalfOpenRequiredSuccesses < 1 {
		c.HalfOpenRequiredSuccesses = 1
	}
	if c.OpenTimeout < 0 {
		c.OpenTimeout = 0
	}
	return c
}

type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// Breaker guards a single target. OPEN -> HALF_OPEN is evaluated lazily in CanExecute;
// there is no background timer.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                sync.Mutex
	state             rmtypes.BreakerState
	failureCount      int
	lastFailure       time.Time
	halfOpenSuccesses int
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.normalized(),
		now:   time.Now,
		state: rmtypes.BreakerStateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Config() Config { return b.cfg }

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case rmtypes.BreakerStateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenRequiredSuccesses {
			b.failureCount = 0
			b.halfOpenSuccesses = 0
			b.transition(rmtypes.BreakerStateClosed)
		}
	case rmtypes.BreakerStateClosed:
		// decay by one, floored at zero
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()
	if b.failureCount >= b.cfg.FailureThreshold && b.state != rmtypes.BreakerStateOpen {
		b.transition(rmtypes.BreakerStateOpen)
	}
}

func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case rmtypes.BreakerStateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.OpenTimeout {
			b.halfOpenSuccesses = 0
			b.transition(rmtypes.BreakerStateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) State() rmtypes.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is read-only; it never triggers the OPEN -> HALF_OPEN transition.
func (b *Breaker) Snapshot() models.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := models.BreakerSnapshot{
		State:        b.state,
		FailureCount: b.failureCount,
	}
	if !b.lastFailure.IsZero() {
		lastFailure := b.lastFailure
		snap.LastFailureTime = &lastFailure
	}
	return snap
}

// transition must be called with mu held.
func (b *Breaker) transition(to rmtypes.BreakerState) {
	from := b.state
	b.state = to

	event := log.Info()
	if to == rmtypes.BreakerStateOpen {
		event = log.Warn()
	}
	event.
		Str("target", b.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("failure_count", b.failureCount).
		Msg("circuit breaker state changed")
	metric.Incr(metric.CircuitBreakerStateChanged, metric.BuildTag(
		metric.NewTag(metric.TagTarget, b.name),
		metric.NewTag(metric.TagFromState, string(from)),
		metric.NewTag(metric.TagToState, string(to)),
	))
}
