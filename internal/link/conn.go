package link

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gcslink/internal/wire"
)

// Inbound is one element of a receive stream. The final element after an
// unexpected link loss carries Err wrapping ErrDisconnected; an explicit
// Disconnect simply closes the stream.
type Inbound struct {
	Header wire.Header
	Msg    wire.Message
	At     time.Time
	Err    error
}

// Stats are cumulative per-connection counters.
type Stats struct {
	FramesIn     uint64    `json:"frames_in"`
	FramesOut    uint64    `json:"frames_out"`
	BadFrames    uint64    `json:"bad_frames"`
	DroppedBytes uint64    `json:"dropped_bytes"`
	SendDrops    uint64    `json:"send_drops"`
	WriteErrors  uint64    `json:"write_errors"`
	LastRx       time.Time `json:"last_rx"`
}

// Conn is one live transport session. It is created by Link.Connect and
// destroyed by Link.Disconnect or by an unrecoverable I/O failure.
type Conn struct {
	id       string
	endpoint Endpoint
	rw       io.ReadWriteCloser
	cfg      Config
	log      *slog.Logger

	out chan []byte
	in  chan Inbound

	seq       atomic.Uint32
	targetSys atomic.Uint32

	handshake     chan struct{} // closed on the first compatible vehicle heartbeat
	handshakeOnce sync.Once
	mismatch      chan struct{} // closed on an incompatible heartbeat
	mismatchOnce  sync.Once
	sawBytes      atomic.Bool

	framesIn, framesOut, badFrames atomic.Uint64
	droppedBytes                   atomic.Uint64
	sendDrops, writeErrs           atomic.Uint64
	lastRx                         atomic.Int64

	closing    atomic.Bool
	stopOnce   sync.Once
	stop       chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}

	onLost func(*Conn, error)
}

func newConn(id string, ep Endpoint, rw io.ReadWriteCloser, cfg Config, onLost func(*Conn, error)) *Conn {
	return &Conn{
		id:         id,
		endpoint:   ep,
		rw:         rw,
		cfg:        cfg,
		log:        cfg.Logger.With("session", id),
		out:        make(chan []byte, cfg.SendQueue),
		in:         make(chan Inbound, cfg.ReceiveQueue),
		handshake:  make(chan struct{}),
		mismatch:   make(chan struct{}),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		onLost:     onLost,
	}
}

func (c *Conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Endpoint() Endpoint { return c.endpoint }

// TargetSystem is the system id of the vehicle that completed the handshake.
func (c *Conn) TargetSystem() uint8 { return uint8(c.targetSys.Load()) }

// Receive returns the inbound message stream. It is closed when the
// connection ends.
func (c *Conn) Receive() <-chan Inbound { return c.in }

// Send encodes msg and enqueues it for transmission without blocking.
func (c *Conn) Send(msg wire.Message) error {
	if c.closing.Load() {
		return ErrNotConnected
	}
	hdr := wire.Header{
		Seq:         uint8(c.seq.Add(1) - 1),
		SystemID:    c.cfg.SystemID,
		ComponentID: c.cfg.ComponentID,
	}
	frame, err := wire.Encode(hdr, msg)
	if err != nil {
		return err
	}
	select {
	case <-c.stop:
		return ErrNotConnected
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.sendDrops.Add(1)
		return ErrSendQueueFull
	}
}

func (c *Conn) Stats() Stats {
	st := Stats{
		FramesIn:     c.framesIn.Load(),
		FramesOut:    c.framesOut.Load(),
		BadFrames:    c.badFrames.Load(),
		DroppedBytes: c.droppedBytes.Load(),
		SendDrops:    c.sendDrops.Load(),
		WriteErrors:  c.writeErrs.Load(),
	}
	if ns := c.lastRx.Load(); ns != 0 {
		st.LastRx = time.Unix(0, ns)
	}
	return st
}

// terminate stops both loops and closes the transport without waiting.
func (c *Conn) terminate() {
	c.stopOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)
		_ = c.rw.Close()
	})
}

// close terminates and waits for both loops to exit. Must not be called
// from the read loop.
func (c *Conn) close() {
	c.terminate()
	<-c.readerDone
	<-c.writerDone
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer close(c.in)

	sp := wire.NewSplitter(c.cfg.MaxFrameBytes)
	buf := make([]byte, 4096)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			c.sawBytes.Store(true)
			before := sp.Dropped()
			for _, frame := range sp.Feed(buf[:n]) {
				c.handleFrame(frame)
			}
			if d := sp.Dropped() - before; d > 0 {
				c.droppedBytes.Add(uint64(d))
			}
		}
		if err == nil {
			continue
		}
		if c.closing.Load() {
			return
		}
		lost := fmt.Errorf("%w: %v", ErrDisconnected, err)
		c.log.Warn("link read failed", "error", err)
		c.deliver(Inbound{Err: lost, At: time.Now()})
		c.terminate()
		if c.onLost != nil {
			c.onLost(c, lost)
		}
		return
	}
}

func (c *Conn) handleFrame(frame []byte) {
	now := time.Now()
	hdr, msg, err := wire.Decode(frame)
	if err != nil {
		c.badFrames.Add(1)
		c.log.Debug("dropping undecodable frame", "error", err, "len", len(frame))
		return
	}
	c.framesIn.Add(1)
	c.lastRx.Store(now.UnixNano())
	if c.cfg.OnFrame != nil {
		c.cfg.OnFrame(now, frame)
	}

	if hb, ok := msg.(*wire.Heartbeat); ok && hb.Type != wire.TypeGCS {
		if hb.Version != wire.ProtocolVersion {
			c.mismatchOnce.Do(func() {
				c.log.Warn("vehicle protocol version mismatch", "got", hb.Version, "want", wire.ProtocolVersion)
				close(c.mismatch)
			})
			return
		}
		c.handshakeOnce.Do(func() {
			c.targetSys.Store(uint32(hdr.SystemID))
			close(c.handshake)
		})
	}

	select {
	case <-c.handshake:
	default:
		return
	}
	c.deliver(Inbound{Header: hdr, Msg: msg, At: now})
}

func (c *Conn) deliver(in Inbound) {
	select {
	case c.in <- in:
	case <-c.stop:
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.out:
			if _, err := c.rw.Write(frame); err != nil {
				c.writeErrs.Add(1)
				if !c.closing.Load() {
					c.log.Debug("link write failed", "error", err)
				}
				continue
			}
			c.framesOut.Add(1)
		}
	}
}
