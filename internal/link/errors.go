package link

import "errors"

var (
	// ErrUnreachable: nothing decodable arrived before the connect timeout.
	ErrUnreachable = errors.New("link: remote unreachable")
	// ErrProtocolMismatch: the remote sent bytes that never decoded, or a
	// heartbeat with an incompatible protocol version.
	ErrProtocolMismatch = errors.New("link: protocol mismatch")
	ErrNotConnected     = errors.New("link: not connected")
	// ErrDisconnected is the terminal event of a receive stream after
	// unexpected link loss.
	ErrDisconnected     = errors.New("link: disconnected")
	ErrAlreadyConnected = errors.New("link: already connected")
	// ErrSendQueueFull means the outbound queue is saturated and the message
	// was not enqueued.
	ErrSendQueueFull = errors.New("link: send queue full")
)
