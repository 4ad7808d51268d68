// Package sim is a small ArduCopter-like vehicle that speaks the wire
// protocol. It backs the "sim:" endpoint and the end-to-end tests.
package sim

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"gcslink/internal/vehicle"
	"gcslink/internal/wire"
)

// ForceDisarmMagic in CommandLong param 2 disarms even while airborne.
const ForceDisarmMagic = 21196

const metersPerDegLat = 111320.0

type Config struct {
	SystemID          uint8
	Version           uint8
	HeartbeatInterval time.Duration
	TelemetryInterval time.Duration

	ClimbRate   float64 // m/s during takeoff
	DescentRate float64 // m/s in LAND
	ArmDelay    time.Duration

	// Velocity setpoints older than SetpointTimeout are dropped and the
	// vehicle holds position.
	SetpointTimeout time.Duration

	HomeLat float64
	HomeLon float64

	// RefuseArm acknowledges arm commands without ever arming.
	RefuseArm bool
}

func (c Config) withDefaults() Config {
	if c.SystemID == 0 {
		c.SystemID = 1
	}
	if c.Version == 0 {
		c.Version = wire.ProtocolVersion
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 100 * time.Millisecond
	}
	if c.ClimbRate <= 0 {
		c.ClimbRate = 2.5
	}
	if c.DescentRate <= 0 {
		c.DescentRate = 1.0
	}
	if c.SetpointTimeout <= 0 {
		c.SetpointTimeout = 3 * time.Second
	}
	if c.HomeLat == 0 && c.HomeLon == 0 {
		c.HomeLat, c.HomeLon = -35.363261, 149.165230
	}
	return c
}

// State is the simulated vehicle's physical and control state.
type State struct {
	Mode       vehicle.Mode
	Armed      bool
	Alt        float64 // meters above home
	TargetAlt  float64
	Vx, Vy, Vz float64 // NED m/s
	Lat, Lon   float64
	Heading    float64 // degrees
}

type Vehicle struct {
	cfg   Config
	start time.Time

	mu          sync.Mutex
	st          State
	armAt       time.Time
	lastSetAt   time.Time
	setpoints   uint64
	received    map[wire.MsgID]uint64
	lastCommand *wire.CommandLong
}

func New(cfg Config) *Vehicle {
	cfg = cfg.withDefaults()
	return &Vehicle{
		cfg:      cfg,
		start:    time.Now(),
		st:       State{Mode: vehicle.ModeStabilize, Lat: cfg.HomeLat, Lon: cfg.HomeLon},
		received: make(map[wire.MsgID]uint64),
	}
}

func (v *Vehicle) Snapshot() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st
}

// Update mutates state directly, for seeding scenarios.
func (v *Vehicle) Update(fn func(*State)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.st)
}

// Received counts inbound messages of the given id.
func (v *Vehicle) Received(id wire.MsgID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.received[id]
}

// Setpoints counts accepted velocity setpoints.
func (v *Vehicle) Setpoints() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setpoints
}

type frameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	hdr wire.Header
}

func (fw *frameWriter) send(msg wire.Message) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	b, err := wire.Encode(fw.hdr, msg)
	if err != nil {
		return err
	}
	fw.hdr.Seq++
	_, err = fw.w.Write(b)
	return err
}

// Serve runs the vehicle on rw until ctx is done or rw fails. rw is closed
// on return.
func (v *Vehicle) Serve(ctx context.Context, rw io.ReadWriteCloser) error {
	defer rw.Close()

	fw := &frameWriter{w: rw, hdr: wire.Header{SystemID: v.cfg.SystemID, ComponentID: 1}}
	readErr := make(chan error, 1)
	go func() {
		readErr <- v.readLoop(rw, fw)
	}()

	hb := time.NewTicker(v.cfg.HeartbeatInterval)
	defer hb.Stop()
	tel := time.NewTicker(v.cfg.TelemetryInterval)
	defer tel.Stop()

	if err := fw.send(v.heartbeat()); err != nil {
		return err
	}
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-hb.C:
			if err := fw.send(v.heartbeat()); err != nil {
				return err
			}
		case now := <-tel.C:
			v.step(now, now.Sub(last))
			last = now
			for _, m := range v.telemetry(now) {
				if err := fw.send(m); err != nil {
					return err
				}
			}
		}
	}
}

func (v *Vehicle) readLoop(r io.Reader, fw *frameWriter) error {
	sp := wire.NewSplitter(wire.DefaultMaxFrameBytes)
	buf := make([]byte, 2048)
	for {
		n, err := r.Read(buf)
		for _, frame := range sp.Feed(buf[:n]) {
			_, msg, derr := wire.Decode(frame)
			if derr != nil {
				continue
			}
			if reply := v.handle(msg, time.Now()); reply != nil {
				if err := fw.send(reply); err != nil {
					return err
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

func (v *Vehicle) handle(msg wire.Message, now time.Time) wire.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.received[msg.ID()]++

	switch m := msg.(type) {
	case *wire.SetMode:
		mode := vehicle.ModeFromCustom(m.CustomMode)
		if mode == vehicle.ModeUnknown {
			return nil
		}
		v.setModeLocked(mode)
	case *wire.CommandLong:
		cp := *m
		v.lastCommand = &cp
		return &wire.CommandAck{Command: m.Command, Result: v.commandLocked(m, now)}
	case *wire.SetPositionTargetLocalNED:
		if m.TypeMask != wire.VelocityOnlyTypeMask || m.CoordinateFrame != wire.FrameLocalNED {
			return nil
		}
		if !v.st.Armed || v.st.Mode != vehicle.ModeGuided {
			return nil
		}
		v.setpoints++
		v.lastSetAt = now
		v.st.Vx, v.st.Vy, v.st.Vz = float64(m.Vx), float64(m.Vy), float64(m.Vz)
	}
	return nil
}

func (v *Vehicle) setModeLocked(mode vehicle.Mode) {
	if mode != vehicle.ModeGuided {
		v.st.Vx, v.st.Vy, v.st.Vz = 0, 0, 0
		v.st.TargetAlt = 0
	}
	v.st.Mode = mode
}

func (v *Vehicle) commandLocked(m *wire.CommandLong, now time.Time) uint8 {
	switch m.Command {
	case wire.CmdComponentArmDisarm:
		if m.Params[0] == 1 {
			if v.st.Armed || v.cfg.RefuseArm {
				return wire.ResultAccepted
			}
			v.armAt = now.Add(v.cfg.ArmDelay)
			return wire.ResultAccepted
		}
		if v.st.Alt > 0.2 && m.Params[1] != ForceDisarmMagic {
			return wire.ResultDenied
		}
		v.st.Armed = false
		v.armAt = time.Time{}
		return wire.ResultAccepted
	case wire.CmdNavTakeoff:
		if !v.st.Armed || v.st.Mode != vehicle.ModeGuided {
			return wire.ResultDenied
		}
		alt := float64(m.Params[6])
		if alt <= 0 {
			return wire.ResultDenied
		}
		v.st.TargetAlt = alt
		return wire.ResultAccepted
	case wire.CmdNavLand:
		v.setModeLocked(vehicle.ModeLand)
		return wire.ResultAccepted
	default:
		return wire.ResultUnsupported
	}
}

func (v *Vehicle) step(now time.Time, dt time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sec := dt.Seconds()
	st := &v.st

	if !v.armAt.IsZero() && !now.Before(v.armAt) {
		st.Armed = true
		v.armAt = time.Time{}
	}
	if !st.Armed {
		st.Vx, st.Vy, st.Vz = 0, 0, 0
		return
	}

	switch st.Mode {
	case vehicle.ModeGuided:
		if !v.lastSetAt.IsZero() && now.Sub(v.lastSetAt) > v.cfg.SetpointTimeout {
			st.Vx, st.Vy, st.Vz = 0, 0, 0
			v.lastSetAt = time.Time{}
		}
		if st.TargetAlt > st.Alt {
			st.Alt = math.Min(st.TargetAlt, st.Alt+v.cfg.ClimbRate*sec)
		}
		st.Alt = math.Max(0, st.Alt-st.Vz*sec)
		st.Lat += st.Vx * sec / metersPerDegLat
		st.Lon += st.Vy * sec / (metersPerDegLat * math.Cos(st.Lat*math.Pi/180))
		if math.Hypot(st.Vx, st.Vy) > 0.1 {
			h := math.Atan2(st.Vy, st.Vx) * 180 / math.Pi
			if h < 0 {
				h += 360
			}
			st.Heading = h
		}
	case vehicle.ModeLand:
		st.Alt = math.Max(0, st.Alt-v.cfg.DescentRate*sec)
		if st.Alt == 0 {
			st.Armed = false
		}
	}
}

func (v *Vehicle) heartbeat() *wire.Heartbeat {
	v.mu.Lock()
	defer v.mu.Unlock()
	custom, _ := v.st.Mode.CustomMode()
	status := wire.StatusStandby
	if v.st.Armed {
		status = wire.StatusActive
	}
	return &wire.Heartbeat{
		Type:         wire.TypeQuadrotor,
		CustomMode:   custom,
		Armed:        v.st.Armed,
		SystemStatus: status,
		Version:      v.cfg.Version,
	}
}

func (v *Vehicle) telemetry(now time.Time) []wire.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.st
	boot := uint32(now.Sub(v.start).Milliseconds())
	yaw := st.Heading * math.Pi / 180
	if yaw > math.Pi {
		yaw -= 2 * math.Pi
	}
	return []wire.Message{
		&wire.Attitude{TimeBootMs: boot, Yaw: float32(yaw)},
		&wire.VFRHUD{
			Groundspeed: float32(math.Hypot(st.Vx, st.Vy)),
			Heading:     int16(math.Round(st.Heading)) % 360,
			Alt:         float32(st.Alt),
			Climb:       float32(-st.Vz),
		},
		&wire.GlobalPosition{
			TimeBootMs:  boot,
			Lat:         int32(math.Round(st.Lat * 1e7)),
			Lon:         int32(math.Round(st.Lon * 1e7)),
			RelativeAlt: int32(math.Round(st.Alt * 1000)),
			Hdg:         uint16(math.Round(st.Heading*100)) % 36000,
		},
	}
}

// LastCommand returns a copy of the most recent CommandLong, if any.
func (v *Vehicle) LastCommand() (wire.CommandLong, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastCommand == nil {
		return wire.CommandLong{}, false
	}
	return *v.lastCommand, true
}
