package vehicle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrUnsupportedMode = errors.New("vehicle: unsupported flight mode")

// State is the telemetry-confirmed view of the vehicle. Connected is false
// until the first heartbeat of a session and after link loss.
type State struct {
	Connected bool      `json:"connected"`
	Mode      Mode      `json:"mode"`
	Armed     bool      `json:"armed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Machine holds the authoritative vehicle state. Observe and
// MarkDisconnected are its only writers; requests produce intents and never
// touch state.
type Machine struct {
	mu sync.RWMutex
	st State

	seq atomic.Uint64
	now func() time.Time
}

func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

// Observe records a telemetry-reported mode/armed pair. It reports whether
// anything visible (connection, mode, armed) changed.
func (m *Machine) Observe(mode Mode, armed bool, at time.Time) (State, bool) {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.st
	m.st = State{Connected: true, Mode: mode, Armed: armed, UpdatedAt: at}
	changed := !prev.Connected || prev.Mode != mode || prev.Armed != armed
	return m.st, changed
}

// MarkDisconnected drops to the Disconnected state. Mode and armed are
// unknown without telemetry.
func (m *Machine) MarkDisconnected() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = State{UpdatedAt: m.now()}
	return m.st
}

// NewIntent allocates the next sequence id.
func (m *Machine) NewIntent(kind IntentKind) Intent {
	policy := WaitForCondition
	if kind == IntentLand || kind == IntentSetVelocity {
		policy = FireAndForget
	}
	return Intent{
		Seq:       m.seq.Add(1),
		Kind:      kind,
		Policy:    policy,
		CreatedAt: m.now(),
	}
}

func (m *Machine) RequestModeChange(target Mode) (Intent, error) {
	if !target.Supported() {
		return Intent{}, fmt.Errorf("%w: %s", ErrUnsupportedMode, target)
	}
	in := m.NewIntent(IntentSetMode)
	in.Mode = target
	if target == ModeLand {
		in.Kind = IntentLand
		in.Policy = FireAndForget
	}
	return in, nil
}

func (m *Machine) RequestArm(arm bool) (Intent, error) {
	if arm {
		return m.NewIntent(IntentArm), nil
	}
	return m.NewIntent(IntentDisarm), nil
}
