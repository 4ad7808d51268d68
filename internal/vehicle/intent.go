package vehicle

import (
	"fmt"
	"time"
)

type IntentKind int

const (
	IntentArm IntentKind = iota + 1
	IntentDisarm
	IntentSetMode
	IntentTakeoff
	IntentLand
	IntentSetVelocity
)

func (k IntentKind) String() string {
	switch k {
	case IntentArm:
		return "arm"
	case IntentDisarm:
		return "disarm"
	case IntentSetMode:
		return "set_mode"
	case IntentTakeoff:
		return "takeoff"
	case IntentLand:
		return "land"
	case IntentSetVelocity:
		return "set_velocity"
	default:
		return fmt.Sprintf("intent(%d)", int(k))
	}
}

func (k IntentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StateChanging reports whether intents of this kind are serialized against
// each other.
func (k IntentKind) StateChanging() bool {
	return k != IntentSetVelocity
}

type CompletionPolicy int

const (
	FireAndForget CompletionPolicy = iota
	WaitForCondition
)

func (p CompletionPolicy) String() string {
	if p == WaitForCondition {
		return "wait"
	}
	return "fire_and_forget"
}

func (p CompletionPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Velocity is a setpoint in the vehicle-local NED frame, m/s.
type Velocity struct {
	Vx float64 `json:"vx"`
	Vy float64 `json:"vy"`
	Vz float64 `json:"vz"`
}

func (v Velocity) IsZero() bool {
	return v.Vx == 0 && v.Vy == 0 && v.Vz == 0
}

// Intent is a caller-issued request. It never changes vehicle state by
// itself; state follows telemetry.
type Intent struct {
	Seq       uint64           `json:"seq"`
	Kind      IntentKind       `json:"kind"`
	Mode      Mode             `json:"mode,omitempty"`
	Altitude  float64          `json:"altitude_m,omitempty"`
	Velocity  Velocity         `json:"velocity"`
	Policy    CompletionPolicy `json:"policy"`
	Timeout   time.Duration    `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}

func (i Intent) String() string {
	switch i.Kind {
	case IntentSetMode:
		return fmt.Sprintf("#%d %s(%s)", i.Seq, i.Kind, i.Mode)
	case IntentTakeoff:
		return fmt.Sprintf("#%d %s(%.1fm)", i.Seq, i.Kind, i.Altitude)
	case IntentSetVelocity:
		return fmt.Sprintf("#%d %s(%.2f,%.2f,%.2f)", i.Seq, i.Kind, i.Velocity.Vx, i.Velocity.Vy, i.Velocity.Vz)
	default:
		return fmt.Sprintf("#%d %s", i.Seq, i.Kind)
	}
}
