// Package link owns the transport to the vehicle: connection lifecycle,
// framing, the handshake and the outbound queue.
package link

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gcslink/internal/wire"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSendQueue      = 64
	DefaultReceiveQueue   = 256

	// GCS identity on the wire.
	DefaultSystemID    uint8 = 255
	DefaultComponentID uint8 = 190
)

type Config struct {
	ConnectTimeout time.Duration
	SystemID       uint8
	ComponentID    uint8
	SendQueue      int
	ReceiveQueue   int
	MaxFrameBytes  int

	// OnStatus is called synchronously on every lifecycle transition.
	OnStatus func(Status)
	// OnFrame sees every decodable inbound frame as received. It runs on
	// the read loop and must not block.
	OnFrame func(at time.Time, frame []byte)

	// Dial overrides how endpoints are opened.
	Dial func(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SystemID == 0 {
		c.SystemID = DefaultSystemID
	}
	if c.ComponentID == 0 {
		c.ComponentID = DefaultComponentID
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.ReceiveQueue <= 0 {
		c.ReceiveQueue = DefaultReceiveQueue
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Link manages at most one Conn at a time.
type Link struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	conn          *Conn
	connecting    bool
	cancelConnect context.CancelFunc

	statusMu sync.Mutex
	status   Status

	now func() time.Time
}

func New(cfg Config) *Link {
	cfg = cfg.withDefaults()
	return &Link{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "link"),
		status: Status{State: StateDisconnected, Since: time.Now()},
		now:    time.Now,
	}
}

// Connect opens ep and waits until the vehicle's first compatible heartbeat
// arrives. Only one connection or connection attempt may exist at a time.
func (l *Link) Connect(ctx context.Context, ep Endpoint) (*Conn, error) {
	l.mu.Lock()
	if l.conn != nil || l.connecting {
		l.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.connecting = true
	l.cancelConnect = cancel
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.connecting = false
		l.cancelConnect = nil
		l.mu.Unlock()
	}()

	id := uuid.NewString()
	l.publish(Status{State: StateConnecting, Endpoint: ep.String(), SessionID: id})
	l.log.Info("connecting", "endpoint", ep.String(), "session", id)

	dial := l.cfg.Dial
	if dial == nil {
		dial = dialTransport
	}
	rw, err := dial(ctx, ep)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrUnreachable, ep, err)
		l.fail(ep, id, err)
		return nil, err
	}

	c := newConn(id, ep, rw, l.cfg, l.lost)
	c.start()
	// Datagram peers usually wait to hear from a GCS before streaming.
	_ = c.Send(GCSHeartbeat())
	if err := l.awaitHandshake(ctx, c); err != nil {
		c.close()
		l.fail(ep, id, err)
		return nil, err
	}

	l.mu.Lock()
	if err := ctx.Err(); err != nil {
		// Disconnect arrived between the handshake and registration.
		l.mu.Unlock()
		c.close()
		err = fmt.Errorf("link: connect cancelled: %w", err)
		l.fail(ep, id, err)
		return nil, err
	}
	l.conn = c
	l.mu.Unlock()
	if c.closing.Load() {
		// Lost between the handshake and registration.
		l.mu.Lock()
		if l.conn == c {
			l.conn = nil
		}
		l.mu.Unlock()
		c.close()
		err := fmt.Errorf("%w: during handshake", ErrDisconnected)
		l.fail(ep, id, err)
		return nil, err
	}

	if !l.publishConnected(c) {
		// Disconnect or loss took c before Connected went out; that
		// transition already published its own status.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("link: connect cancelled: %w", err)
		}
		return nil, fmt.Errorf("%w: before connected", ErrDisconnected)
	}
	return c, nil
}

// publishConnected announces c only while it is still the registered
// connection, so a racing Disconnect's status is always the later one.
func (l *Link) publishConnected(c *Conn) bool {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.mu.Lock()
	live := l.conn == c && !c.closing.Load()
	l.mu.Unlock()
	if !live {
		return false
	}
	l.log.Info("connected", "endpoint", c.Endpoint().String(), "session", c.ID(), "target_system", c.TargetSystem())
	l.status = Status{State: StateConnected, Endpoint: c.Endpoint().String(), SessionID: c.ID(), Since: l.now()}
	if l.cfg.OnStatus != nil {
		l.cfg.OnStatus(l.status)
	}
	return true
}

// GCSHeartbeat is the heartbeat this station emits.
func GCSHeartbeat() *wire.Heartbeat {
	return &wire.Heartbeat{
		Type:         wire.TypeGCS,
		SystemStatus: wire.StatusActive,
		Version:      wire.ProtocolVersion,
	}
}

func (l *Link) awaitHandshake(ctx context.Context, c *Conn) error {
	timer := time.NewTimer(l.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-c.handshake:
		return nil
	case <-c.mismatch:
		return fmt.Errorf("%w: vehicle heartbeat is not protocol version %d", ErrProtocolMismatch, wire.ProtocolVersion)
	case <-c.readerDone:
		return fmt.Errorf("%w: transport closed before heartbeat", ErrUnreachable)
	case <-ctx.Done():
		return fmt.Errorf("link: connect cancelled: %w", ctx.Err())
	case <-timer.C:
		if c.sawBytes.Load() && c.framesIn.Load() == 0 {
			return fmt.Errorf("%w: received data but no valid frames within %s", ErrProtocolMismatch, l.cfg.ConnectTimeout)
		}
		return fmt.Errorf("%w: no heartbeat within %s", ErrUnreachable, l.cfg.ConnectTimeout)
	}
}

// Disconnect tears down the current connection, or cancels an attempt in
// progress. It is safe to call at any time and any number of times.
func (l *Link) Disconnect() {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	if l.cancelConnect != nil {
		l.cancelConnect()
	}
	l.mu.Unlock()

	if c == nil {
		return
	}
	c.close()
	l.log.Info("disconnected", "session", c.ID())
	l.publish(Status{State: StateDisconnected, Endpoint: c.Endpoint().String(), SessionID: c.ID()})
}

// Send enqueues msg on the current connection.
func (l *Link) Send(msg wire.Message) error {
	c := l.Conn()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(msg)
}

// Conn returns the live connection or nil.
func (l *Link) Conn() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Link) Status() Status {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return l.status
}

// lost is called from a connection's read loop after unexpected I/O
// failure. The loop has already terminated the connection.
func (l *Link) lost(c *Conn, err error) {
	l.mu.Lock()
	if l.conn != c {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.mu.Unlock()

	l.log.Warn("link lost", "session", c.ID(), "error", err)
	l.publish(Status{State: StateFailed, Reason: err.Error(), Endpoint: c.Endpoint().String(), SessionID: c.ID()})
}

func (l *Link) fail(ep Endpoint, id string, err error) {
	l.log.Warn("connect failed", "endpoint", ep.String(), "session", id, "error", err)
	l.publish(Status{State: StateFailed, Reason: err.Error(), Endpoint: ep.String(), SessionID: id})
}

func (l *Link) publish(st Status) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	st.Since = l.now()
	l.status = st
	if l.cfg.OnStatus != nil {
		l.cfg.OnStatus(st)
	}
}
