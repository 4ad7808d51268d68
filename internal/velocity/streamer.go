// Package velocity keeps the operator's velocity setpoint and re-asserts it
// on a fixed cadence. The vehicle reverts to hover when setpoints stop, so a
// setpoint is only in effect while it keeps arriving.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gcslink/internal/link"
	"gcslink/internal/wire"
)

const (
	DefaultInterval   = time.Second
	DefaultInputSpeed = 1.0 // m/s
)

// Sender must not block. link.Conn satisfies it.
type Sender interface {
	Send(wire.Message) error
}

type Direction int

const (
	Forward Direction = iota
	Back
	Left
	Right
	Up
	Down
)

var directionNames = [...]string{"forward", "back", "left", "right", "up", "down"}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return directionNames[d]
}

func ParseDirection(s string) (Direction, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range directionNames {
		if s == name {
			return Direction(i), nil
		}
	}
	switch s {
	case "backward":
		return Back, nil
	case "ascend":
		return Up, nil
	case "descend":
		return Down, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// vector returns the unit NED contribution of d. Up is negative z.
func (d Direction) vector() (x, y, z float64) {
	switch d {
	case Forward:
		return 1, 0, 0
	case Back:
		return -1, 0, 0
	case Right:
		return 0, 1, 0
	case Left:
		return 0, -1, 0
	case Up:
		return 0, 0, -1
	case Down:
		return 0, 0, 1
	}
	return 0, 0, 0
}

// Setpoint is a velocity in the local NED frame, m/s.
type Setpoint struct {
	Vx        float64   `json:"vx"`
	Vy        float64   `json:"vy"`
	Vz        float64   `json:"vz"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
}

func (s Setpoint) zero() bool { return s.Vx == 0 && s.Vy == 0 && s.Vz == 0 }

type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Skipped uint64 `json:"skipped"` // send queue full
}

type Config struct {
	Interval     time.Duration
	InputSpeed   float64
	TargetSystem uint8
	Logger       *slog.Logger
}

type Streamer struct {
	cfg  Config
	send Sender
	log  *slog.Logger
	now  func() time.Time

	// mu is held across a send so that once Clear returns no send of the
	// previous setpoint can follow.
	mu   sync.Mutex
	sp   Setpoint
	held map[Direction]bool
	stop bool // one zero setpoint owed after deactivation

	kick chan struct{}

	sent, failed, skipped atomic.Uint64
}

func New(send Sender, cfg Config) *Streamer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InputSpeed <= 0 {
		cfg.InputSpeed = DefaultInputSpeed
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Streamer{
		cfg:  cfg,
		send: send,
		log:  cfg.Logger.With("component", "velocity"),
		now:  time.Now,
		held: make(map[Direction]bool),
		kick: make(chan struct{}, 1),
	}
}

func (s *Streamer) Current() Setpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sp
}

// Set replaces the setpoint. The new value goes out immediately and the
// cadence restarts from now.
func (s *Streamer) Set(vx, vy, vz float64) Setpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(vx, vy, vz)
	return s.sp
}

// Clear zeroes the setpoint. Nothing further is sent unless an input is
// still held.
func (s *Streamer) Clear() Setpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sp = Setpoint{UpdatedAt: s.now(), Active: len(s.held) > 0}
	s.stop = false
	return s.sp
}

// Reset releases all held inputs and clears the setpoint.
func (s *Streamer) Reset() Setpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.held)
	s.sp = Setpoint{UpdatedAt: s.now()}
	s.stop = false
	return s.sp
}

// Press marks d held and recomputes the setpoint from all held inputs.
func (s *Streamer) Press(d Direction) Setpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[d] = true
	s.applyHeldLocked()
	return s.sp
}

func (s *Streamer) Release(d Direction) Setpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, d)
	s.applyHeldLocked()
	return s.sp
}

// Held reports the currently held inputs.
func (s *Streamer) Held() []Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Direction, 0, len(s.held))
	for d := Forward; d <= Down; d++ {
		if s.held[d] {
			out = append(out, d)
		}
	}
	return out
}

func (s *Streamer) applyHeldLocked() {
	var x, y, z float64
	for d := range s.held {
		dx, dy, dz := d.vector()
		x, y, z = x+dx, y+dy, z+dz
	}
	k := s.cfg.InputSpeed
	s.replaceLocked(x*k, y*k, z*k)
}

func (s *Streamer) replaceLocked(vx, vy, vz float64) {
	wasActive := s.sp.Active
	s.sp = Setpoint{Vx: vx, Vy: vy, Vz: vz, UpdatedAt: s.now()}
	s.sp.Active = !s.sp.zero() || len(s.held) > 0
	if wasActive && !s.sp.Active {
		s.stop = true
	}
	if s.sp.Active || s.stop {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Streamer) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Skipped: s.skipped.Load()}
}

// Run re-sends the active setpoint every Interval until ctx is done. Send
// failures are counted and never stop the loop.
func (s *Streamer) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
			s.tick()
			t.Reset(s.cfg.Interval)
		case <-t.C:
			s.tick()
		}
	}
}

func (s *Streamer) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.sp.Active:
	case s.stop:
		s.stop = false
	default:
		return
	}
	msg := wire.VelocityTarget(s.cfg.TargetSystem, s.sp.Vx, s.sp.Vy, s.sp.Vz)
	err := s.send.Send(msg)
	switch {
	case err == nil:
		s.sent.Add(1)
	case errors.Is(err, link.ErrSendQueueFull):
		s.skipped.Add(1)
		s.log.Debug("velocity send skipped", "error", err)
	default:
		s.failed.Add(1)
		s.log.Warn("velocity send failed", "error", err)
	}
}
