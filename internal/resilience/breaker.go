// Package resilience keeps context compaction alive when a completion
// backend degrades. A [Breaker] watches one backend for runs of consecutive
// failures and takes it out of rotation for a cooldown period; a
// [BackendChain] layers breakers over the configured summariser endpoints so
// a compaction cycle falls through to the next backend instead of losing its
// summary.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBackendCooling is returned by [Breaker.Do] while the backend is out of
// rotation and its cooldown has not yet elapsed.
var ErrBackendCooling = errors.New("resilience: backend cooling down")

// State is the rotation status of a backend behind a [Breaker].
type State int

const (
	// Ready means the backend is in rotation and calls are forwarded.
	Ready State = iota

	// Tripped means a failure run took the backend out of rotation. Calls
	// are refused with [ErrBackendCooling] until the cooldown elapses.
	Tripped

	// Probing means the cooldown elapsed and a limited number of calls are
	// let through to decide whether the backend recovered.
	Probing
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Tripped:
		return "tripped"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. The defaults suit the summariser path:
// compaction cycles are minutes apart, so a tripped backend sits out roughly
// one cycle before it is probed again.
type BreakerConfig struct {
	// Backend labels the guarded endpoint in log output.
	Backend string

	// TripAfter is the length of the consecutive failure run that takes the
	// backend out of rotation. Default: 3.
	TripAfter int

	// Cooldown is how long a tripped backend sits out before probing.
	// Default: 1m.
	Cooldown time.Duration

	// ProbeBudget is how many calls the probing state admits. That many
	// successes put the backend back in rotation; any failure re-trips it.
	// Default: 2.
	ProbeBudget int
}

// Breaker guards one completion backend. It is safe for concurrent use.
type Breaker struct {
	backend     string
	tripAfter   int
	cooldown    time.Duration
	probeBudget int

	now func() time.Time // stubbed in tests

	mu        sync.Mutex
	state     State
	streak    int // consecutive failures while Ready
	reopenAt  time.Time
	probesIn  int // probe calls admitted
	probeWins int
}

// NewBreaker creates a [Breaker] in the [Ready] state. Zero config fields
// take the documented defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 2
	}
	return &Breaker{
		backend:     cfg.Backend,
		tripAfter:   cfg.TripAfter,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
		now:         time.Now,
	}
}

// Do runs fn if the backend is in rotation or has a probe slot free, and
// folds the outcome into the rotation status. While the backend cools down
// it returns [ErrBackendCooling] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

// admit decides whether a call may go through, moving Tripped to Probing
// once the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Tripped:
		if b.now().Before(b.reopenAt) {
			return ErrBackendCooling
		}
		b.state = Probing
		b.probesIn = 0
		b.probeWins = 0
		slog.Info("backend cooldown over, probing", "backend", b.backend)
		fallthrough
	case Probing:
		if b.probesIn >= b.probeBudget {
			return ErrBackendCooling
		}
		b.probesIn++
	}
	return nil
}

// settle folds a call outcome into the breaker state.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		// Any probe failure re-trips for a full cooldown.
		b.trip()
		return
	}

	switch b.state {
	case Probing:
		b.probeWins++
		if b.probeWins >= b.probeBudget {
			b.state = Ready
			b.streak = 0
			slog.Info("backend back in rotation", "backend", b.backend)
		}
	case Ready:
		b.streak = 0
	}
}

// trip handles failure accounting. Must be called with b.mu held.
func (b *Breaker) trip() {
	if b.state == Probing {
		b.state = Tripped
		b.reopenAt = b.now().Add(b.cooldown)
		slog.Warn("backend failed its probe, cooling down again",
			"backend", b.backend, "cooldown", b.cooldown)
		return
	}

	b.streak++
	if b.streak >= b.tripAfter {
		b.state = Tripped
		b.reopenAt = b.now().Add(b.cooldown)
		slog.Warn("backend out of rotation after failure run",
			"backend", b.backend, "failures", b.streak, "cooldown", b.cooldown)
	}
}

// State reports the rotation status. A tripped backend whose cooldown has
// elapsed reports [Probing]; the transition itself happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Tripped && !b.now().Before(b.reopenAt) {
		return Probing
	}
	return b.state
}
