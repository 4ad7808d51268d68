package wire

import "bytes"

// DefaultMaxFrameBytes bounds a single framed packet (after escaping).
const DefaultMaxFrameBytes = 4096

// Splitter turns a byte stream (TCP, serial, pipes) into complete
// flag-delimited frames. Datagram transports may feed one datagram at a time.
//
// A Splitter is not safe for concurrent use.
type Splitter struct {
	buf     []byte
	max     int
	dropped int
}

func NewSplitter(maxFrameBytes int) *Splitter {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Splitter{max: maxFrameBytes}
}

// Feed appends p and returns every complete frame now available, each
// including its start and end flag bytes. Returned slices are copies.
func (s *Splitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var out [][]byte
	for {
		start := bytes.IndexByte(s.buf, flagByte)
		if start < 0 {
			s.dropped += len(s.buf)
			s.buf = s.buf[:0]
			return out
		}
		if start > 0 {
			s.dropped += start
			s.buf = s.buf[start:]
		}

		end := bytes.IndexByte(s.buf[1:], flagByte)
		if end < 0 {
			if len(s.buf) > s.max {
				s.dropped += len(s.buf)
				s.buf = s.buf[:0]
			}
			return out
		}
		end++ // index into s.buf

		if end == 1 {
			// Back-to-back flags: the second one opens the next frame.
			s.buf = s.buf[1:]
			continue
		}

		frame := append([]byte(nil), s.buf[:end+1]...)
		s.buf = s.buf[end+1:]
		if len(frame) > s.max {
			s.dropped += len(frame)
			continue
		}
		out = append(out, frame)
	}
}

// Dropped reports how many bytes were discarded because they were not part
// of any frame.
func (s *Splitter) Dropped() int {
	return s.dropped
}
