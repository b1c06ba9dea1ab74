// Package breaker implements a three-state circuit breaker that stops calls
// to an unhealthy dependency for a cooldown period.
//
//	CLOSED    calls flow; consecutive failures are counted and reaching
//	          FailureThreshold opens the circuit.
//	OPEN      calls are rejected until ResetTimeout has elapsed; the next
//	          Allow moves to HALF_OPEN and admits the call as the first probe.
//	HALF_OPEN at most HalfOpenTrialBudget probes are admitted. One success
//	          closes the circuit, one failure reopens it with a fresh timeout.
//
// All state lives behind one mutex, so each transition is decided atomically
// with the read that triggered it. The breaker never blocks on I/O.
//
// Allow hands out a Ticket for each admitted call. Results are reported with
// that ticket, and results from calls admitted before the latest transition
// are discarded.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects every call.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition reasons.
const (
	ReasonThresholdReached = "failure_threshold_reached"
	ReasonResetTimeout     = "reset_timeout_elapsed"
	ReasonProbeSucceeded   = "probe_succeeded"
	ReasonProbeFailed      = "probe_failed"
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// HalfOpenTrialBudget is the maximum number of probes admitted while half-open.
	HalfOpenTrialBudget int `yaml:"half_open_trial_budget" json:"half_open_trial_budget"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenTrialBudget: 1,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1 (got %d)", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset_timeout must be > 0 (got %s)", c.ResetTimeout)
	}
	if c.HalfOpenTrialBudget < 1 {
		return fmt.Errorf("half_open_trial_budget must be >= 1 (got %d)", c.HalfOpenTrialBudget)
	}
	return nil
}

// Transition describes a state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Snapshot is a consistent read of the breaker state.
type Snapshot struct {
	State          State         `json:"state"`
	Failures       int           `json:"failures"`
	HalfOpenTrials int           `json:"half_open_trials"`
	LastFailure    time.Time     `json:"last_failure"`
	OpenedAt       time.Time     `json:"opened_at"`
	RetryAfter     time.Duration `json:"retry_after"`
}

// Ticket identifies one admitted call. Every transition starts a new
// generation; results reported with a ticket from an earlier generation are
// ignored, so a call admitted while CLOSED cannot act as a half-open probe.
type Ticket struct {
	generation uint64
	probe      bool
}

// Probe reports whether the call was admitted as a half-open probe.
func (t Ticket) Probe() bool {
	return t.probe
}

// Breaker is a circuit breaker. The zero value is not usable; call New.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	generation  uint64
	failures    int
	trials      int
	lastFailure time.Time
	openedAt    time.Time

	// pending holds transitions not yet delivered to onChange, in order.
	pending    []Transition
	delivering bool

	now      func() time.Time
	onChange func(Transition)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers a callback invoked after every transition.
// The callback runs outside the breaker lock and sees transitions in the
// order they happened. It may call back into the breaker.
func WithStateChange(fn func(Transition)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a breaker in the CLOSED state. Zero config fields take defaults.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   withDefaults(cfg),
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenTrialBudget <= 0 {
		cfg.HalfOpenTrialBudget = def.HalfOpenTrialBudget
	}
	return cfg
}

// Allow reports whether a call may proceed. A false result means the call
// must fail fast without touching the dependency. The returned ticket must be
// passed to exactly one of OnSuccess, OnFailure or Release.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	var ticket Ticket
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen, ReasonResetTimeout)
			b.trials = 1
			allowed = true
			ticket.probe = true
		}
	case StateHalfOpen:
		if b.trials < b.cfg.HalfOpenTrialBudget {
			b.trials++
			allowed = true
			ticket.probe = true
		}
	}
	ticket.generation = b.generation
	b.mu.Unlock()

	b.deliver()
	return ticket, allowed
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess(t Ticket) {
	b.mu.Lock()
	if t.generation != b.generation {
		// Admitted before the last transition; not evidence either way.
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.transition(StateClosed, ReasonProbeSucceeded)
		b.failures = 0
		b.trials = 0
	}
	b.mu.Unlock()

	b.deliver()
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure(t Ticket) {
	b.mu.Lock()
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}
	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, ReasonThresholdReached)
			b.openedAt = now
		}
	case StateHalfOpen:
		b.failures++
		b.transition(StateOpen, ReasonProbeFailed)
		b.openedAt = now
		b.trials = 0
	}
	b.mu.Unlock()

	b.deliver()
}

// Release ends an admitted call without a verdict, e.g. when the caller
// cancelled it or it was served from cache. A probe's half-open slot is
// returned; any other ticket is a no-op.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.probe && t.generation == b.generation && b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the full breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:          b.state,
		Failures:       b.failures,
		HalfOpenTrials: b.trials,
		LastFailure:    b.lastFailure,
		OpenedAt:       b.openedAt,
		RetryAfter:     b.retryAfterLocked(),
	}
}

// RetryAfter returns the remaining OPEN cooldown, or 0 when not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryAfterLocked()
}

func (b *Breaker) retryAfterLocked() time.Duration {
	if b.state != StateOpen {
		return 0
	}
	left := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Config returns the active configuration.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// UpdateConfig replaces the configuration. The current state and counters are
// kept; a lower threshold takes effect on the next failure.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = withDefaults(cfg)
}

// transition must be called with b.mu held. The transition is queued for
// delivery by the next call to deliver.
func (b *Breaker) transition(to State, reason string) {
	tr := Transition{From: b.state, To: to, Reason: reason, At: b.now()}
	b.state = to
	b.generation++
	if b.onChange != nil {
		b.pending = append(b.pending, tr)
	}
}

// deliver hands queued transitions to onChange in order. Only one goroutine
// delivers at a time; others leave their transitions on the queue for it.
func (b *Breaker) deliver() {
	b.mu.Lock()
	if b.delivering || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	for len(b.pending) > 0 {
		tr := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()
		b.onChange(tr)
		b.mu.Lock()
	}
	b.delivering = false
	b.mu.Unlock()
}
