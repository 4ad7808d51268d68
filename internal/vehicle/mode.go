package vehicle

import (
	"fmt"
	"strings"
)

// Mode is the flight mode reported by the flight controller.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeStabilize
	ModeAcro
	ModeAltHold
	ModeAuto
	ModeGuided
	ModeLoiter
	ModeRTL
	ModeLand
)

// ArduCopter custom_mode numbers.
var customModes = map[Mode]uint32{
	ModeStabilize: 0,
	ModeAcro:      1,
	ModeAltHold:   2,
	ModeAuto:      3,
	ModeGuided:    4,
	ModeLoiter:    5,
	ModeRTL:       6,
	ModeLand:      9,
}

var modeNames = map[Mode]string{
	ModeUnknown:   "UNKNOWN",
	ModeStabilize: "STABILIZE",
	ModeAcro:      "ACRO",
	ModeAltHold:   "ALT_HOLD",
	ModeAuto:      "AUTO",
	ModeGuided:    "GUIDED",
	ModeLoiter:    "LOITER",
	ModeRTL:       "RTL",
	ModeLand:      "LAND",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// CustomMode returns the flight-controller mode number. ok is false for
// ModeUnknown and out-of-range values.
func (m Mode) CustomMode() (uint32, bool) {
	v, ok := customModes[m]
	return v, ok
}

// Supported reports whether m may be requested from the vehicle.
func (m Mode) Supported() bool {
	_, ok := customModes[m]
	return ok
}

// ModeFromCustom maps a flight-controller mode number back to a Mode.
func ModeFromCustom(v uint32) Mode {
	for m, cm := range customModes {
		if cm == v {
			return m
		}
	}
	return ModeUnknown
}

// ParseMode accepts mode names case-insensitively ("guided", "ALT_HOLD").
func ParseMode(s string) (Mode, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	want = strings.ReplaceAll(want, "-", "_")
	for m, name := range modeNames {
		if m != ModeUnknown && name == want {
			return m, nil
		}
	}
	return ModeUnknown, fmt.Errorf("unknown flight mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	if strings.EqualFold(string(b), modeNames[ModeUnknown]) {
		*m = ModeUnknown
		return nil
	}
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
