package blocking

import (
	"sync"
	"time"

	"github.com/maltedev/price-watch/internal/errclass"
)

type State struct {
	IsBlocked           bool       `json:"is_blocked"`
	BlockedSince        *time.Time `json:"blocked_since,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastTransition      time.Time  `json:"last_transition"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

// Gate is what strategies consult before spending browser or network
// resources, and report outcomes to afterwards.
type Gate interface {
	Refusing() bool
	Observe(err error)
}

// Cooldowns bound how long pre-flight checks refuse work after a
// blocking signal. Once a cooldown lapses the next operation is let
// through; its success is what clears the blocked state.
type Cooldowns struct {
	Blocked     time.Duration
	Captcha     time.Duration
	RateLimited time.Duration
}

func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Blocked:     30 * time.Minute,
		Captcha:     time.Hour,
		RateLimited: 15 * time.Minute,
	}
}

// Machine tracks whether the target is currently blocking us. All reads
// and transitions are serialized.
type Machine struct {
	mu              sync.Mutex
	state           State
	activeInterval  time.Duration
	blockedInterval time.Duration
	cooldowns       Cooldowns
	refuseUntil     time.Time
	now             func() time.Time
	onTransition    func(State)
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithCooldowns(c Cooldowns) Option {
	return func(m *Machine) { m.cooldowns = c }
}

// WithTransitionHook registers fn to be called, outside the lock, after
// every state change.
func WithTransitionHook(fn func(State)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

func New(activeInterval, blockedInterval time.Duration, opts ...Option) *Machine {
	m := &Machine{
		activeInterval:  activeInterval,
		blockedInterval: blockedInterval,
		cooldowns:       DefaultCooldowns(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) MarkBlocked() State {
	m.mu.Lock()
	now := m.now()
	if !m.state.IsBlocked {
		m.state.IsBlocked = true
		m.state.BlockedSince = &now
	}
	m.state.ConsecutiveFailures++
	m.state.LastTransition = now
	m.extendLocked(now, m.cooldowns.Blocked)
	s := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(s)
	return s
}

func (m *Machine) MarkUnblocked() State {
	m.mu.Lock()
	now := m.now()
	m.state.IsBlocked = false
	m.state.BlockedSince = nil
	m.state.ConsecutiveFailures = 0
	m.state.LastTransition = now
	m.refuseUntil = time.Time{}
	s := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(s)
	return s
}

// Observe applies the outcome of a completed operation: a blocking
// classification marks the target blocked, a success while blocked
// clears it. Rate limiting only starts a cooldown; other failures leave
// the state alone.
func (m *Machine) Observe(err error) {
	if err == nil {
		if m.IsBlocked() {
			m.MarkUnblocked()
		}
		return
	}
	switch errclass.KindOf(err) {
	case errclass.KindBlocked:
		m.MarkBlocked()
	case errclass.KindCaptcha:
		m.MarkBlocked()
		m.mu.Lock()
		m.extendLocked(m.now(), m.cooldowns.Captcha)
		m.mu.Unlock()
	case errclass.KindRateLimited:
		m.mu.Lock()
		m.extendLocked(m.now(), m.cooldowns.RateLimited)
		m.mu.Unlock()
	}
}

// Refusing reports whether a cooldown is running.
func (m *Machine) Refusing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.refuseUntil)
}

// ResetCooldown lets the next operation through without changing the
// state. Used when an operator supplies a fresh credential.
func (m *Machine) ResetCooldown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuseUntil = time.Time{}
}

func (m *Machine) extendLocked(now time.Time, d time.Duration) {
	if until := now.Add(d); until.After(m.refuseUntil) {
		m.refuseUntil = until
	}
}

func (m *Machine) IsBlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsBlocked
}

func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// CheckInterval is the delay before the next monitor cycle.
func (m *Machine) CheckInterval() time.Duration {
	if m.IsBlocked() {
		return m.blockedInterval
	}
	return m.activeInterval
}

func (m *Machine) snapshotLocked() State {
	s := m.state
	if s.BlockedSince != nil {
		t := *s.BlockedSince
		s.BlockedSince = &t
	}
	if m.now().Before(m.refuseUntil) {
		t := m.refuseUntil
		s.CooldownUntil = &t
	}
	return s
}

func (m *Machine) notify(s State) {
	if m.onTransition != nil {
		m.onTransition(s)
	}
}
