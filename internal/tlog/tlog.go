// Package tlog records and replays raw link frames.
//
// File format, one entry per line:
//
//	# comment
//	START
//	<t_ns>,<hex frame>
//
// t_ns is nanoseconds since the most recent START line. Blank lines and
// comments are ignored. Frames are stored exactly as received, flags and
// escapes included, so a replay exercises the same decode path as a live link.
package tlog

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const startMarker = "START"

// Entry is one recorded frame. A nil Frame marks a START boundary.
type Entry struct {
	At    time.Duration
	Frame []byte
}

func (e Entry) IsStart() bool { return e.Frame == nil }

// Parse reads every entry from r.
func Parse(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []Entry
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"):
			continue
		case line == startMarker:
			out = append(out, Entry{})
			continue
		}

		ts, payload, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("tlog line %d: missing comma", lineNo)
		}
		ts = strings.TrimSpace(ts)
		payload = strings.ReplaceAll(strings.TrimSpace(payload), " ", "")
		if ts == "" || payload == "" {
			return nil, fmt.Errorf("tlog line %d: empty field", lineNo)
		}
		ns, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tlog line %d: timestamp: %w", lineNo, err)
		}
		if ns < 0 {
			return nil, fmt.Errorf("tlog line %d: negative timestamp %d", lineNo, ns)
		}
		frame, err := hex.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("tlog line %d: %w", lineNo, err)
		}
		if len(frame) == 0 {
			return nil, fmt.Errorf("tlog line %d: empty frame", lineNo)
		}
		out = append(out, Entry{At: time.Duration(ns), Frame: frame})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Recorder appends frames to a log file. It is safe for concurrent use and is
// typically installed as a raw-frame tap on the link.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
	n      uint64
}

// Create truncates path and writes the first START marker. A Recorder opened
// with Append instead adds a new START section to an existing file.
func Create(path string) (*Recorder, error) {
	return open(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

func Append(path string) (*Recorder, error) {
	return open(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

func open(path string, flag int) (*Recorder, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 64*1024)
	if _, err := w.WriteString(startMarker + "\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Recorder{f: f, w: w, start: time.Now()}, nil
}

// Write records frame at time now.
func (r *Recorder) Write(now time.Time, frame []byte) error {
	if len(frame) == 0 {
		return errors.New("tlog: empty frame")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("tlog: recorder is closed")
	}
	d := now.Sub(r.start)
	if d < 0 {
		d = 0
	}
	if _, err := fmt.Fprintf(r.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(frame)); err != nil {
		return err
	}
	r.n++
	return nil
}

// Frames returns the number of frames written so far.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.w.Flush()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		return err
	}
	return r.f.Close()
}

// Sleeper abstracts waiting between frames so tests can run without delay.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PlayOptions controls playback. Speed 1 is real time, 2 is twice as fast.
type PlayOptions struct {
	Speed   float64
	Loop    bool
	Sleeper Sleeper
}

// Play emits every frame in entries with its recorded spacing. START entries
// reset the timing origin. Play stops on ctx cancellation or the first emit
// error.
func Play(ctx context.Context, entries []Entry, opts PlayOptions, emit func(frame []byte) error) error {
	if emit == nil {
		return errors.New("tlog: emit is nil")
	}
	if len(entries) == 0 {
		return errors.New("tlog: no entries")
	}
	speed := opts.Speed
	if speed == 0 {
		speed = 1
	}
	if speed < 0 {
		return fmt.Errorf("tlog: speed must be > 0")
	}
	sl := opts.Sleeper
	if sl == nil {
		sl = realSleeper{}
	}

	for {
		var origin, last time.Duration
		first := true
		for _, e := range entries {
			if e.IsStart() {
				origin, last, first = e.At, 0, true
				continue
			}
			at := max(e.At-origin, 0)
			if !first {
				if wait := time.Duration(float64(max(at-last, 0)) / speed); wait > 0 {
					if err := sl.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(e.Frame); err != nil {
				return err
			}
			last, first = at, false
		}
		if !opts.Loop {
			return nil
		}
	}
}
