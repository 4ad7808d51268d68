package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gcslink/internal/sim"
	"gcslink/internal/tlog"
)

// dialTransport opens the byte stream behind an endpoint. Tests replace it
// to run against in-memory pipes.
var dialTransport = dial

const tcpDialTimeout = 5 * time.Second

func dial(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error) {
	switch ep.Kind {
	case KindUDP:
		var d net.Dialer
		return d.DialContext(ctx, "udp", ep.Address)
	case KindUDPIn:
		addr, err := net.ResolveUDPAddr("udp", ep.Address)
		if err != nil {
			return nil, err
		}
		pc, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, err
		}
		return &udpListener{conn: pc}, nil
	case KindTCP:
		d := net.Dialer{Timeout: tcpDialTimeout}
		return d.DialContext(ctx, "tcp", ep.Address)
	case KindSerial:
		return openSerial(ep.Address, ep.Baud)
	case KindReplay:
		entries, err := tlog.ReadFile(ep.Address)
		if err != nil {
			return nil, err
		}
		return newReplayTransport(entries), nil
	case KindSim:
		return newSimTransport(sim.Config{}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", ep.Kind)
	}
}

// udpListener serves a vehicle that sends to us first. Replies go to the
// most recent sender; writes before any datagram arrived are discarded.
type udpListener struct {
	conn *net.UDPConn

	mu   sync.Mutex
	peer *net.UDPAddr
}

func (u *udpListener) Read(p []byte) (int, error) {
	n, from, err := u.conn.ReadFromUDP(p)
	if from != nil {
		u.mu.Lock()
		u.peer = from
		u.mu.Unlock()
	}
	return n, err
}

func (u *udpListener) Write(p []byte) (int, error) {
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		return len(p), nil
	}
	return u.conn.WriteToUDP(p, peer)
}

func (u *udpListener) Close() error { return u.conn.Close() }

// replayTransport plays a recorded log as the inbound byte stream. Outbound
// writes are discarded.
type replayTransport struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	cancel context.CancelFunc
}

func newReplayTransport(entries []tlog.Entry) *replayTransport {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	go func() {
		err := tlog.Play(ctx, entries, tlog.PlayOptions{Loop: true}, func(frame []byte) error {
			_, err := pw.Write(frame)
			return err
		})
		if err == nil {
			err = io.EOF
		}
		_ = pw.CloseWithError(err)
	}()
	return &replayTransport{pr: pr, pw: pw, cancel: cancel}
}

func (r *replayTransport) Read(p []byte) (int, error)  { return r.pr.Read(p) }
func (r *replayTransport) Write(p []byte) (int, error) { return len(p), nil }

func (r *replayTransport) Close() error {
	r.cancel()
	return r.pr.Close()
}

// simTransport connects to an in-process simulated vehicle over a pipe.
type simTransport struct {
	net.Conn
	cancel context.CancelFunc
}

func newSimTransport(cfg sim.Config) *simTransport {
	ctx, cancel := context.WithCancel(context.Background())
	local, remote := net.Pipe()
	v := sim.New(cfg)
	go func() {
		_ = v.Serve(ctx, remote)
	}()
	return &simTransport{Conn: local, cancel: cancel}
}

func (s *simTransport) Close() error {
	s.cancel()
	return s.Conn.Close()
}
