// Package command turns operator intents into wire messages and resolves
// them against telemetry.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"gcslink/internal/telemetry"
	"gcslink/internal/vehicle"
	"gcslink/internal/velocity"
	"gcslink/internal/wire"
)

const (
	DefaultArmTimeout       = 10 * time.Second
	DefaultDisarmTimeout    = 10 * time.Second
	DefaultModeTimeout      = 5 * time.Second
	DefaultTakeoffTimeout   = 60 * time.Second
	DefaultTakeoffThreshold = 0.95
	DefaultMaxAltitude      = 120.0
	DefaultMinAirborneAlt   = 0.5
	DefaultHistory          = 64
)

type Sender interface {
	Send(wire.Message) error
}

// Telemetry is the confirmed view of the vehicle. *telemetry.Cache
// satisfies it.
type Telemetry interface {
	Read() (telemetry.Sample, bool)
	AwaitCondition(ctx context.Context, pred func(telemetry.Sample) bool, timeout time.Duration) (telemetry.Sample, error)
}

// Streamer is the part of *velocity.Streamer the dispatcher drives.
type Streamer interface {
	Set(vx, vy, vz float64) velocity.Setpoint
	Press(velocity.Direction) velocity.Setpoint
	Release(velocity.Direction) velocity.Setpoint
	Reset() velocity.Setpoint
}

type Config struct {
	ArmTimeout       time.Duration
	DisarmTimeout    time.Duration
	ModeTimeout      time.Duration
	TakeoffTimeout   time.Duration
	TakeoffThreshold float64
	MaxAltitude      float64
	// MinAirborneAlt is the altitude above home below which the vehicle
	// counts as landed for velocity control.
	MinAirborneAlt   float64
	TargetSystem     uint8
	History          int
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ArmTimeout <= 0 {
		c.ArmTimeout = DefaultArmTimeout
	}
	if c.DisarmTimeout <= 0 {
		c.DisarmTimeout = DefaultDisarmTimeout
	}
	if c.ModeTimeout <= 0 {
		c.ModeTimeout = DefaultModeTimeout
	}
	if c.TakeoffTimeout <= 0 {
		c.TakeoffTimeout = DefaultTakeoffTimeout
	}
	if c.TakeoffThreshold <= 0 || c.TakeoffThreshold > 1 {
		c.TakeoffThreshold = DefaultTakeoffThreshold
	}
	if c.MaxAltitude <= 0 {
		c.MaxAltitude = DefaultMaxAltitude
	}
	if c.MinAirborneAlt <= 0 {
		c.MinAirborneAlt = DefaultMinAirborneAlt
	}
	if c.History <= 0 {
		c.History = DefaultHistory
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSent      Outcome = "sent" // fire-and-forget
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Record is a resolved intent.
type Record struct {
	Intent   vehicle.Intent `json:"intent"`
	Outcome  Outcome        `json:"outcome"`
	Err      string         `json:"error,omitempty"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
}

// Dispatcher executes intents for one connection session. Arm, Disarm,
// Takeoff, Land and SetMode are serialized; velocity bypasses that path.
type Dispatcher struct {
	cfg     Config
	session context.Context
	send    Sender
	tel     Telemetry
	machine *vehicle.Machine
	stream  Streamer
	log     *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	outstanding *vehicle.Intent // non-nil while a serialized intent runs

	history *lru.Cache[uint64, Record]
}

// New binds a dispatcher to a session. Cancelling session cancels every
// outstanding wait.
func New(session context.Context, send Sender, tel Telemetry, machine *vehicle.Machine, stream Streamer, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	h, err := lru.New[uint64, Record](cfg.History)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &Dispatcher{
		cfg:     cfg,
		session: session,
		send:    send,
		tel:     tel,
		machine: machine,
		stream:  stream,
		log:     cfg.Logger.With("component", "command"),
		now:     time.Now,
		history: h,
	}
}

func (d *Dispatcher) Arm(ctx context.Context) error {
	in, err := d.machine.RequestArm(true)
	if err != nil {
		return err
	}
	in.Timeout = d.cfg.ArmTimeout
	return d.serialized(ctx, in, func(ctx context.Context) error {
		if err := d.sendArm(true); err != nil {
			return err
		}
		return d.await(ctx, in, func(s telemetry.Sample) bool { return s.HasStatus() && s.Armed })
	})
}

func (d *Dispatcher) Disarm(ctx context.Context) error {
	in, err := d.machine.RequestArm(false)
	if err != nil {
		return err
	}
	in.Timeout = d.cfg.DisarmTimeout
	return d.serialized(ctx, in, func(ctx context.Context) error {
		if err := d.sendArm(false); err != nil {
			return err
		}
		return d.await(ctx, in, func(s telemetry.Sample) bool { return s.HasStatus() && !s.Armed })
	})
}

// Takeoff climbs to alt meters. The vehicle must already be armed; if it is
// not in Guided mode it is switched first.
func (d *Dispatcher) Takeoff(ctx context.Context, alt float64) error {
	in := d.machine.NewIntent(vehicle.IntentTakeoff)
	in.Altitude = alt
	in.Timeout = d.cfg.TakeoffTimeout
	return d.serialized(ctx, in, func(ctx context.Context) error {
		if math.IsNaN(alt) || alt <= 0 || alt > d.cfg.MaxAltitude {
			return fmt.Errorf("%w: altitude %.1fm outside (0, %.0f]", ErrPreconditions, alt, d.cfg.MaxAltitude)
		}
		s, ok := d.tel.Read()
		if !ok || !s.HasStatus() {
			return fmt.Errorf("%w: no current vehicle status", ErrPreconditions)
		}
		if !s.Armed {
			return fmt.Errorf("%w: vehicle is not armed", ErrPreconditions)
		}

		if s.Mode != vehicle.ModeGuided {
			if err := d.sendMode(vehicle.ModeGuided); err != nil {
				return err
			}
			modeIn := in
			modeIn.Timeout = d.cfg.ModeTimeout
			if err := d.await(ctx, modeIn, func(s telemetry.Sample) bool { return s.Mode == vehicle.ModeGuided }); err != nil {
				return fmt.Errorf("switch to GUIDED: %w", err)
			}
		}

		cmd := &wire.CommandLong{TargetSystem: d.cfg.TargetSystem, Command: wire.CmdNavTakeoff}
		cmd.Params[6] = float32(alt)
		if err := d.sendMsg(cmd); err != nil {
			return err
		}
		threshold := d.cfg.TakeoffThreshold * alt
		return d.await(ctx, in, func(s telemetry.Sample) bool { return s.AltitudeM >= threshold })
	})
}

// Land switches to LAND and returns once the command is sent. Any velocity
// setpoint and held input are dropped.
func (d *Dispatcher) Land(ctx context.Context) error {
	in, err := d.machine.RequestModeChange(vehicle.ModeLand)
	if err != nil {
		return err
	}
	return d.serialized(ctx, in, func(context.Context) error {
		d.stream.Reset()
		return d.sendMode(vehicle.ModeLand)
	})
}

// SetMode requests mode and waits for telemetry to report it. Land is
// fire-and-forget.
func (d *Dispatcher) SetMode(ctx context.Context, mode vehicle.Mode) error {
	in, err := d.machine.RequestModeChange(mode)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPreconditions, err)
		rejected := d.machine.NewIntent(vehicle.IntentSetMode)
		rejected.Mode = mode
		d.record(rejected, rejected.CreatedAt, err)
		return err
	}
	if in.Kind == vehicle.IntentLand {
		return d.Land(ctx)
	}
	in.Timeout = d.cfg.ModeTimeout
	return d.serialized(ctx, in, func(ctx context.Context) error {
		if err := d.sendMode(mode); err != nil {
			return err
		}
		return d.await(ctx, in, func(s telemetry.Sample) bool { return s.Mode == mode })
	})
}

// SetVelocity replaces the streamed setpoint. It does not wait and is not
// serialized with other intents; the last write wins.
func (d *Dispatcher) SetVelocity(vx, vy, vz float64) (velocity.Setpoint, error) {
	in := d.machine.NewIntent(vehicle.IntentSetVelocity)
	in.Velocity = vehicle.Velocity{Vx: vx, Vy: vy, Vz: vz}
	started := d.now()

	if err := d.velocityAllowed(in.Velocity); err != nil {
		d.record(in, started, err)
		return velocity.Setpoint{}, err
	}
	sp := d.stream.Set(vx, vy, vz)
	d.record(in, started, nil)
	return sp, nil
}

// Press and Release drive the operator input session on the streamer.
func (d *Dispatcher) Press(dir velocity.Direction) (velocity.Setpoint, error) {
	if err := d.velocityAllowed(vehicle.Velocity{Vx: 1}); err != nil {
		return velocity.Setpoint{}, err
	}
	return d.stream.Press(dir), nil
}

func (d *Dispatcher) Release(dir velocity.Direction) velocity.Setpoint {
	return d.stream.Release(dir)
}

func (d *Dispatcher) ClearVelocity() velocity.Setpoint {
	return d.stream.Reset()
}

func (d *Dispatcher) velocityAllowed(v vehicle.Velocity) error {
	for _, c := range []float64{v.Vx, v.Vy, v.Vz} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: velocity component is not finite", ErrPreconditions)
		}
	}
	if v.IsZero() {
		return nil
	}
	s, ok := d.tel.Read()
	if !ok || !s.HasStatus() || !s.Armed {
		return fmt.Errorf("%w: vehicle is not armed", ErrPreconditions)
	}
	if s.Mode == vehicle.ModeLand {
		return fmt.Errorf("%w: vehicle is landing", ErrPreconditions)
	}
	if s.HUDAt.IsZero() && s.PositionAt.IsZero() {
		return fmt.Errorf("%w: no altitude reported", ErrPreconditions)
	}
	if s.AltitudeM < d.cfg.MinAirborneAlt {
		return fmt.Errorf("%w: vehicle is not airborne (%.1fm < %.1fm)", ErrPreconditions, s.AltitudeM, d.cfg.MinAirborneAlt)
	}
	return nil
}

// Outstanding returns the state-changing intent in flight, if any.
func (d *Dispatcher) Outstanding() (vehicle.Intent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outstanding == nil {
		return vehicle.Intent{}, false
	}
	return *d.outstanding, true
}

// History returns recently resolved intents, oldest first.
func (d *Dispatcher) History() []Record {
	out := d.history.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].Intent.Seq < out[j].Intent.Seq })
	return out
}

func (d *Dispatcher) serialized(ctx context.Context, in vehicle.Intent, fn func(context.Context) error) error {
	started := d.now()
	d.mu.Lock()
	if cur := d.outstanding; cur != nil {
		d.mu.Unlock()
		err := fmt.Errorf("%w: %s outstanding", ErrBusy, *cur)
		d.record(in, started, err)
		return err
	}
	d.outstanding = &in
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.outstanding = nil
		d.mu.Unlock()
	}()

	if err := d.session.Err(); err != nil {
		err = fmt.Errorf("%w: %s: session ended", ErrCancelled, in)
		d.record(in, started, err)
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.session, cancel)
	defer stop()

	d.log.Info("command started", "intent", in.String())
	err := fn(ctx)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = fmt.Errorf("%w: %s: %w", ErrCancelled, in, err)
	}
	d.record(in, started, err)
	return err
}

func (d *Dispatcher) await(ctx context.Context, in vehicle.Intent, pred func(telemetry.Sample) bool) error {
	_, err := d.tel.AwaitCondition(ctx, pred, in.Timeout)
	if errors.Is(err, telemetry.ErrTimeout) {
		return fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, in, in.Timeout)
	}
	return err
}

func (d *Dispatcher) record(in vehicle.Intent, started time.Time, err error) {
	r := Record{Intent: in, Started: started, Finished: d.now()}
	switch {
	case err == nil && in.Policy == vehicle.FireAndForget:
		r.Outcome = OutcomeSent
	case err == nil:
		r.Outcome = OutcomeSucceeded
	case errors.Is(err, ErrPreconditions), errors.Is(err, ErrBusy):
		r.Outcome = OutcomeRejected
	case errors.Is(err, ErrConfirmationTimeout):
		r.Outcome = OutcomeTimedOut
	case errors.Is(err, ErrCancelled):
		r.Outcome = OutcomeCancelled
	default:
		r.Outcome = OutcomeFailed
	}
	if err != nil {
		r.Err = err.Error()
	}
	d.history.Add(in.Seq, r)

	// Velocity updates arrive at input rates; keep them out of the info log.
	if in.Kind == vehicle.IntentSetVelocity {
		d.log.Debug("velocity setpoint", "intent", in.String(), "outcome", r.Outcome)
		return
	}
	if err != nil {
		d.log.Warn("command resolved", "intent", in.String(), "outcome", r.Outcome, "error", err)
		return
	}
	d.log.Info("command resolved", "intent", in.String(), "outcome", r.Outcome, "took", r.Finished.Sub(started))
}

func (d *Dispatcher) sendArm(arm bool) error {
	cmd := &wire.CommandLong{TargetSystem: d.cfg.TargetSystem, Command: wire.CmdComponentArmDisarm}
	if arm {
		cmd.Params[0] = 1
	}
	return d.sendMsg(cmd)
}

func (d *Dispatcher) sendMode(mode vehicle.Mode) error {
	custom, ok := mode.CustomMode()
	if !ok {
		return fmt.Errorf("%w: %s", vehicle.ErrUnsupportedMode, mode)
	}
	return d.sendMsg(&wire.SetMode{TargetSystem: d.cfg.TargetSystem, CustomMode: custom})
}

func (d *Dispatcher) sendMsg(m wire.Message) error {
	if err := d.send.Send(m); err != nil {
		return fmt.Errorf("command: send %s: %w", m.ID(), err)
	}
	return nil
}
