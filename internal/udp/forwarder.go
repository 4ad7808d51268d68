// Package udp re-broadcasts raw inbound link frames to another ground
// station.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

func dialUDP(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
	return net.DialUDP(network, laddr, raddr)
}

const queueLen = 256

// Forwarder copies every frame it is handed to dest. Frame never blocks:
// frames that do not fit in the queue are counted and dropped.
type Forwarder struct {
	dest  string
	conn  udpConn
	log   *slog.Logger
	queue chan []byte

	sent    atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

func NewForwarder(dest string, logger *slog.Logger) (*Forwarder, error) {
	return newForwarder(dest, net.ResolveUDPAddr, dialUDP, logger)
}

func newForwarder(dest string, resolve resolveFunc, dial dialFunc, logger *slog.Logger) (*Forwarder, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Forwarder{
		dest:  dest,
		conn:  conn,
		log:   logger.With("component", "forward", "dest", dest),
		queue: make(chan []byte, queueLen),
	}, nil
}

// Frame queues one framed packet. The slice must not be modified afterwards.
func (f *Forwarder) Frame(_ time.Time, frame []byte) {
	if len(frame) == 0 {
		return
	}
	select {
	case f.queue <- frame:
	default:
		f.dropped.Add(1)
	}
}

// Run drains the queue until ctx is done, then closes the socket.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-f.queue:
			if _, err := f.conn.Write(p); err != nil {
				// The first failure is worth a line; after that only count.
				if f.errors.Add(1) == 1 {
					f.log.Warn("forward write failed", "error", err)
				}
				continue
			}
			f.sent.Add(1)
		}
	}
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

func (f *Forwarder) Stats() Stats {
	return Stats{Sent: f.sent.Load(), Dropped: f.dropped.Load(), Errors: f.errors.Load()}
}

func (f *Forwarder) Dest() string { return f.dest }
