// Package gcs ties a link session to the telemetry cache, the vehicle state
// machine, the command dispatcher and the velocity streamer.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gcslink/internal/command"
	"gcslink/internal/link"
	"gcslink/internal/status"
	"gcslink/internal/telemetry"
	"gcslink/internal/vehicle"
	"gcslink/internal/velocity"
	"gcslink/internal/wire"
)

const DefaultHeartbeatInterval = time.Second

// FrameTap receives every decodable inbound frame. It runs on the link's read
// loop and must not block.
type FrameTap interface {
	Frame(at time.Time, frame []byte)
}

// SampleTap receives every published telemetry sample on the session pump.
// It must not block.
type SampleTap interface {
	Sample(telemetry.Sample)
}

type FrameTapFunc func(at time.Time, frame []byte)

func (f FrameTapFunc) Frame(at time.Time, frame []byte) { f(at, frame) }

type SampleTapFunc func(telemetry.Sample)

func (f SampleTapFunc) Sample(s telemetry.Sample) { f(s) }

type Config struct {
	Link              link.Config
	Commands          command.Config
	Velocity          velocity.Config
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration

	// Registry receives every connection status change. Nil uses
	// status.Default.
	Registry *status.Registry

	FrameTaps  []FrameTap
	SampleTaps []SampleTap

	Logger *slog.Logger
}

// Station is the façade UIs talk to. It owns at most one session at a time.
type Station struct {
	cfg      Config
	log      *slog.Logger
	link     *link.Link
	machine  *vehicle.Machine
	registry *status.Registry

	mu       sync.Mutex
	sess     *session
	last     *session // most recent session, kept after it ends
	cache    *telemetry.Cache
	lastDisp *command.Dispatcher
}

type session struct {
	conn   *link.Conn
	ctx    context.Context
	cancel context.CancelFunc
	cache  *telemetry.Cache
	disp   *command.Dispatcher
	stream *velocity.Streamer
	done   chan struct{}
	err    error // set before done is closed
}

func New(cfg Config) *Station {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = telemetry.DefaultStaleAfter
	}
	if cfg.Registry == nil {
		cfg.Registry = status.Default
	}
	s := &Station{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "station"),
		machine:  vehicle.NewMachine(),
		registry: cfg.Registry,
		cache:    telemetry.NewCache(cfg.StaleAfter),
	}

	lc := cfg.Link
	lc.Logger = cfg.Logger
	userStatus := lc.OnStatus
	lc.OnStatus = func(st link.Status) {
		s.registry.Publish(st)
		if userStatus != nil {
			userStatus(st)
		}
	}
	if len(cfg.FrameTaps) > 0 {
		taps := cfg.FrameTaps
		lc.OnFrame = func(at time.Time, frame []byte) {
			for _, t := range taps {
				t.Frame(at, frame)
			}
		}
	}
	s.link = link.New(lc)
	s.registry.Publish(s.link.Status())
	return s
}

// Connect opens ep and starts a session once the vehicle's heartbeat is seen.
func (s *Station) Connect(ctx context.Context, ep link.Endpoint) error {
	conn, err := s.link.Connect(ctx, ep)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	cache := telemetry.NewCache(s.cfg.StaleAfter)

	vc := s.cfg.Velocity
	vc.TargetSystem = conn.TargetSystem()
	vc.Logger = s.cfg.Logger
	stream := velocity.New(conn, vc)

	cc := s.cfg.Commands
	cc.TargetSystem = conn.TargetSystem()
	cc.Logger = s.cfg.Logger
	disp := command.New(sessCtx, conn, cache, s.machine, stream, cc)

	sess := &session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: cancel,
		cache:  cache,
		disp:   disp,
		stream: stream,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.sess = sess
	s.last = sess
	s.cache = cache
	s.lastDisp = disp
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return s.pump(sess) })
	g.Go(func() error {
		if err := stream.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.heartbeat(gctx, conn) })
	go func() {
		sess.err = g.Wait()
		close(sess.done)
	}()

	if s.link.Conn() != conn {
		// The link went away before the session was registered. The pump
		// sees the closed stream and ends the session.
		<-sess.done
		if sess.err != nil {
			return sess.err
		}
		return fmt.Errorf("gcs: disconnected before session started: %w", context.Canceled)
	}
	return nil
}

// Disconnect ends the session: outstanding intents resolve as cancelled,
// the link is released and the vehicle state drops to Disconnected. Cached
// telemetry is dropped at once rather than left to go stale. Safe to call
// at any time.
func (s *Station) Disconnect() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
	s.link.Disconnect()
	if sess != nil {
		<-sess.done
		s.machine.MarkDisconnected()
		s.mu.Lock()
		if s.cache == sess.cache {
			s.cache = telemetry.NewCache(s.cfg.StaleAfter)
		}
		s.mu.Unlock()
	}
}

// Done is closed when the current session ends, or is nil without one.
func (s *Station) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess.done
}

// Wait blocks until the most recently started session ends and reports why:
// nil after Disconnect, an error wrapping link.ErrDisconnected after a link
// loss. It returns link.ErrNotConnected if no session was ever started.
func (s *Station) Wait(ctx context.Context) error {
	s.mu.Lock()
	sess := s.last
	s.mu.Unlock()
	if sess == nil {
		return link.ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.done:
		return sess.err
	}
}

// pump is the only writer into the session cache and the state machine.
func (s *Station) pump(sess *session) error {
	var prev telemetry.Sample
	for in := range sess.conn.Receive() {
		if in.Err != nil {
			s.lost(sess, in.Err)
			return in.Err
		}
		if sess.ctx.Err() != nil {
			// Ending; drain without touching vehicle state.
			continue
		}
		next, ok := telemetry.Apply(prev, in.Msg, in.At)
		if !ok {
			if ack, isAck := in.Msg.(*wire.CommandAck); isAck && ack.Result != wire.ResultAccepted {
				s.log.Warn("command not accepted", "command", ack.Command, "result", ack.Result)
			}
			continue
		}
		sess.cache.Publish(next)
		prev = next
		if hb, isHB := in.Msg.(*wire.Heartbeat); isHB {
			if st, changed := s.machine.Observe(next.Mode, hb.Armed, in.At); changed {
				s.log.Info("vehicle state", "mode", st.Mode.String(), "armed", st.Armed)
			}
		}
		for _, t := range s.cfg.SampleTaps {
			t.Sample(next)
		}
	}
	s.end(sess)
	return nil
}

// end detaches sess and stops its goroutines. The connection is already
// closed when this runs.
func (s *Station) end(sess *session) {
	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
	sess.cancel()
	s.machine.MarkDisconnected()
}

func (s *Station) lost(sess *session, err error) {
	s.end(sess)
	s.log.Warn("session lost", "session", sess.conn.ID(), "error", err)
}

func (s *Station) heartbeat(ctx context.Context, conn *link.Conn) error {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := conn.Send(link.GCSHeartbeat()); err != nil {
				s.log.Debug("gcs heartbeat not sent", "error", err)
			}
		}
	}
}

func (s *Station) current() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, link.ErrNotConnected
	}
	return s.sess, nil
}

func (s *Station) Arm(ctx context.Context) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	return sess.disp.Arm(ctx)
}

func (s *Station) Disarm(ctx context.Context) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	return sess.disp.Disarm(ctx)
}

func (s *Station) Takeoff(ctx context.Context, altitude float64) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	return sess.disp.Takeoff(ctx, altitude)
}

func (s *Station) Land(ctx context.Context) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	return sess.disp.Land(ctx)
}

func (s *Station) SetMode(ctx context.Context, mode vehicle.Mode) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	return sess.disp.SetMode(ctx, mode)
}

func (s *Station) SetVelocity(vx, vy, vz float64) (velocity.Setpoint, error) {
	sess, err := s.current()
	if err != nil {
		return velocity.Setpoint{}, err
	}
	return sess.disp.SetVelocity(vx, vy, vz)
}

func (s *Station) ClearVelocity() (velocity.Setpoint, error) {
	sess, err := s.current()
	if err != nil {
		return velocity.Setpoint{}, err
	}
	return sess.disp.ClearVelocity(), nil
}

func (s *Station) Press(dir velocity.Direction) (velocity.Setpoint, error) {
	sess, err := s.current()
	if err != nil {
		return velocity.Setpoint{}, err
	}
	return sess.disp.Press(dir)
}

func (s *Station) Release(dir velocity.Direction) (velocity.Setpoint, error) {
	sess, err := s.current()
	if err != nil {
		return velocity.Setpoint{}, err
	}
	return sess.disp.Release(dir), nil
}

// ReadLatest returns the freshest telemetry, or false when nothing was
// received this session or the last sample is past the staleness threshold.
func (s *Station) ReadLatest() (telemetry.Sample, bool) {
	s.mu.Lock()
	c := s.cache
	s.mu.Unlock()
	return c.Read()
}

func (s *Station) VehicleState() vehicle.State { return s.machine.State() }

func (s *Station) LinkStatus() link.Status { return s.link.Status() }

// Snapshot is the status document served to UIs.
type Snapshot struct {
	Link          link.Status        `json:"link"`
	LinkStats     *link.Stats        `json:"link_stats,omitempty"`
	Vehicle       vehicle.State      `json:"vehicle"`
	Telemetry     *telemetry.Sample  `json:"telemetry,omitempty"`
	TelemetryAge  time.Duration      `json:"telemetry_age_ns"`
	Fresh         bool               `json:"telemetry_fresh"`
	Velocity      *velocity.Setpoint `json:"velocity,omitempty"`
	VelocityStats *velocity.Stats    `json:"velocity_stats,omitempty"`
	Outstanding   *vehicle.Intent    `json:"outstanding,omitempty"`
	History       []command.Record   `json:"history"`
}

func (s *Station) Snapshot() Snapshot {
	s.mu.Lock()
	sess := s.sess
	cache := s.cache
	disp := s.lastDisp
	s.mu.Unlock()

	snap := Snapshot{
		Link:    s.link.Status(),
		Vehicle: s.machine.State(),
		History: []command.Record{},
	}
	if last, ok := cache.Last(); ok {
		snap.Telemetry = &last
		snap.TelemetryAge, _ = cache.Age()
		_, snap.Fresh = cache.Read()
	}
	if disp != nil {
		snap.History = disp.History()
		if in, ok := disp.Outstanding(); ok {
			snap.Outstanding = &in
		}
	}
	if sess != nil {
		st := sess.conn.Stats()
		snap.LinkStats = &st
		sp := sess.stream.Current()
		snap.Velocity = &sp
		vs := sess.stream.Stats()
		snap.VelocityStats = &vs
	}
	return snap
}

// ConnectString parses s and connects.
func (s *Station) ConnectString(ctx context.Context, endpoint string) error {
	ep, err := link.ParseEndpoint(endpoint)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return s.Connect(ctx, ep)
}
