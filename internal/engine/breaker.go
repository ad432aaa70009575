package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	FailureThreshold  int           `json:"failure_threshold"`
	Cooldown          time.Duration `json:"cooldown"`
	HalfOpenMaxProbes int           `json:"half_open_max_probes"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// Breaker gates dispatches to one external target. closed lets calls
// through; failure_threshold consecutive failures opens it; after
// cooldown a bounded number of probes runs in half_open, and the probe
// outcome decides between closing and re-opening.
type Breaker struct {
	target      string
	config      BreakerConfig
	state       BreakerState
	failures    int
	probeCount  int
	lastTripped time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

func NewBreaker(target string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		target: target,
		config: config,
		state:  BreakerClosed,
		logger: logger.With(zap.String("target", target)),
	}
}

// Allow reports whether a dispatch may proceed. While open it fails
// fast with a policy error carrying the remaining cooldown.
func (b *Breaker) Allow() *DispatchError {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.lastTripped) >= b.config.Cooldown {
			b.transition(BreakerHalfOpen, "cooldown elapsed")
			b.probeCount = 1
			return nil
		}
		return policyErr("circuit open for %s: %d consecutive failures, cooldown remaining %v",
			b.target, b.failures, b.config.Cooldown-time.Since(b.lastTripped))
	case BreakerHalfOpen:
		if b.probeCount < b.config.HalfOpenMaxProbes {
			b.probeCount++
			return nil
		}
		return policyErr("circuit half-open for %s: probe limit %d reached", b.target, b.config.HalfOpenMaxProbes)
	}
	return policyErr("circuit in unknown state for %s", b.target)
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.transition(BreakerClosed, "probe succeeded")
		b.failures = 0
		b.probeCount = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastTripped = time.Now().UTC()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(BreakerOpen, "failure threshold reached")
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen, "probe failed")
		b.probeCount = 0
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSnapshot is the persistable view used by the reconciler.
type BreakerSnapshot struct {
	Target      string       `json:"target"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastTripped time.Time    `json:"last_tripped,omitempty"`
	Cooldown    time.Duration `json:"cooldown"`
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Target:      b.target,
		State:       b.state,
		Failures:    b.failures,
		LastTripped: b.lastTripped,
		Cooldown:    b.config.Cooldown,
	}
}

func (b *Breaker) Restore(snap BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = snap.State
	b.failures = snap.Failures
	b.lastTripped = snap.LastTripped
}

// ResetIfCooled moves an open breaker whose cooldown has elapsed to
// half_open. The reconciler calls this at boot.
func (b *Breaker) ResetIfCooled(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && now.Sub(b.lastTripped) >= b.config.Cooldown {
		b.transition(BreakerHalfOpen, "cooldown elapsed at reconcile")
		b.probeCount = 0
		return true
	}
	return false
}

// transition must be called with the lock held.
func (b *Breaker) transition(next BreakerState, reason string) {
	prev := b.state
	b.state = next
	b.logger.Info("circuit breaker state change",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))
}

// BreakerRegistry holds one breaker per external target key.
type BreakerRegistry struct {
	breakers map[string]*Breaker
	config   BreakerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
}

func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: map[string]*Breaker{},
		config:   config,
		logger:   logger,
	}
}

func (r *BreakerRegistry) GetOrCreate(target string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[target]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b := NewBreaker(target, r.config, r.logger)
	r.breakers[target] = b
	return b
}

func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetCooled resets every breaker past its cooldown and returns the
// count for the reconciliation report.
func (r *BreakerRegistry) ResetCooled(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reset := 0
	for _, b := range r.breakers {
		if b.ResetIfCooled(now) {
			reset++
		}
	}
	return reset
}
