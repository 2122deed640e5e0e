package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modbot/module"
)

// State is the lifecycle position of a unit. Only the host moves it.
type State int

const (
	StateLoaded State = iota
	StatePreEnabled
	StateEnabled
	StateDisabled
	StatePostDisabled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StatePreEnabled:
		return "pre-enabled"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StatePostDisabled:
		return "post-disabled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Phase names a lifecycle step
type Phase string

const (
	PhaseResolve     Phase = "resolve"
	PhasePreEnable   Phase = "preEnable"
	PhaseOnEnable    Phase = "onEnable"
	PhaseOnDisable   Phase = "onDisable"
	PhasePostDisable Phase = "postDisable"
)

// Unit is a loaded module together with its host-side state
type Unit struct {
	Descriptor module.Descriptor
	Module     module.Module
	Source     string
	Config     *module.Config

	logger *slog.Logger

	mu          sync.RWMutex
	state       State
	err         error
	phase       Phase
	preEnabled  bool
	transitions []State
}

func newUnit(d module.Descriptor, m module.Module, source string, logger *slog.Logger) *Unit {
	return &Unit{
		Descriptor:  d,
		Module:      m,
		Source:      source,
		logger:      logger,
		state:       StateLoaded,
		transitions: []State{StateLoaded},
	}
}

// Name returns the module name
func (u *Unit) Name() string {
	return u.Descriptor.Name
}

// State returns the current lifecycle state
func (u *Unit) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// Err returns the error that failed the unit, if any
func (u *Unit) Err() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.err
}

// FailedPhase returns the phase the unit failed in, empty if it did not
func (u *Unit) FailedPhase() Phase {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.phase
}

// Transitions returns every state the unit went through, in order
func (u *Unit) Transitions() []State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]State(nil), u.transitions...)
}

// Active reports whether the unit still takes part in the lifecycle
func (u *Unit) Active() bool {
	s := u.State()
	return s == StatePreEnabled || s == StateEnabled
}

func (u *Unit) set(s State) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.state = s
	u.transitions = append(u.transitions, s)
	if s == StatePreEnabled {
		u.preEnabled = true
	}
}

func (u *Unit) fail(phase Phase, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.state = StateFailed
	u.transitions = append(u.transitions, StateFailed)
	// keep the first failure
	if u.err == nil {
		u.err = err
		u.phase = phase
	}
}

func (u *Unit) passedPreEnable() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.preEnabled
}

// run executes one hook, converting panics to errors
func (u *Unit) run(ctx context.Context, phase Phase, hook func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panic: %v", phase, rec)
		}
	}()

	start := time.Now()
	u.logger.Debug("running hook", "phase", phase)
	if err := hook(ctx); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	u.logger.Debug("hook finished", "phase", phase, "duration", time.Since(start))
	return nil
}
