package telemetry

import (
	"time"

	"gcslink/internal/vehicle"
)

// Sample is one complete, internally consistent telemetry snapshot. Each
// field group carries the time the link last refreshed it. Samples are
// values; a published Sample is never modified.
type Sample struct {
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`

	// Attitude, radians.
	Roll       float64   `json:"roll"`
	Pitch      float64   `json:"pitch"`
	Yaw        float64   `json:"yaw"`
	AttitudeAt time.Time `json:"attitude_at,omitempty"`

	// HUD: heading in degrees [0,360), altitude in meters relative to home,
	// speeds and climb in m/s.
	HeadingDeg  float64   `json:"heading_deg"`
	AltitudeM   float64   `json:"altitude_m"`
	GroundSpeed float64   `json:"ground_speed"`
	AirSpeed    float64   `json:"air_speed"`
	Climb       float64   `json:"climb"`
	HUDAt       time.Time `json:"hud_at,omitempty"`

	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	PositionAt time.Time `json:"position_at,omitempty"`

	Armed    bool         `json:"armed"`
	Mode     vehicle.Mode `json:"mode"`
	StatusAt time.Time    `json:"status_at,omitempty"`
}

// HasStatus reports whether a heartbeat contributed to this sample.
func (s Sample) HasStatus() bool {
	return !s.StatusAt.IsZero()
}

// NormalizeHeading folds any angle in degrees into [0,360).
func NormalizeHeading(deg float64) float64 {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	return deg
}
