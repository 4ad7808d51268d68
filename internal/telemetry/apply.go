package telemetry

import (
	"math"
	"time"

	"gcslink/internal/vehicle"
	"gcslink/internal/wire"
)

// Apply folds one inbound message into a copy of prev and returns the new
// snapshot. ok is false for messages that carry no telemetry, in which case
// prev is returned unchanged.
func Apply(prev Sample, msg wire.Message, at time.Time) (next Sample, ok bool) {
	next = prev
	switch m := msg.(type) {
	case *wire.Heartbeat:
		if m.Type == wire.TypeGCS {
			return prev, false
		}
		next.Armed = m.Armed
		next.Mode = vehicle.ModeFromCustom(m.CustomMode)
		next.StatusAt = at
	case *wire.Attitude:
		next.Roll = float64(m.Roll)
		next.Pitch = float64(m.Pitch)
		next.Yaw = float64(m.Yaw)
		next.AttitudeAt = at
	case *wire.VFRHUD:
		next.AirSpeed = float64(m.Airspeed)
		next.GroundSpeed = float64(m.Groundspeed)
		next.HeadingDeg = NormalizeHeading(float64(m.Heading))
		next.AltitudeM = float64(m.Alt)
		next.Climb = float64(m.Climb)
		next.HUDAt = at
	case *wire.GlobalPosition:
		next.Lat = float64(m.Lat) / 1e7
		next.Lon = float64(m.Lon) / 1e7
		next.AltitudeM = float64(m.RelativeAlt) / 1000
		if m.Hdg != math.MaxUint16 {
			next.HeadingDeg = NormalizeHeading(float64(m.Hdg) / 100)
		}
		next.PositionAt = at
	default:
		return prev, false
	}
	next.Seq = prev.Seq + 1
	next.UpdatedAt = at
	return next, true
}
