package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrBadCRC         = errors.New("wire: crc mismatch")
	ErrUnknownMessage = errors.New("wire: unknown message id")
)

const headerLen = 4

// Header precedes every message body inside a frame.
type Header struct {
	Seq         uint8
	SystemID    uint8
	ComponentID uint8
	MsgID       MsgID
}

// Encode serializes msg behind hdr and returns the framed bytes.
// hdr.MsgID is taken from msg.
func Encode(hdr Header, msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("wire: message is nil")
	}
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msg.ID(), err)
	}
	packet := make([]byte, 0, headerLen+len(body))
	packet = append(packet, hdr.Seq, hdr.SystemID, hdr.ComponentID, byte(msg.ID()))
	packet = append(packet, body...)
	return Frame(packet), nil
}

// Decode unframes and deserializes one frame.
func Decode(frame []byte) (Header, Message, error) {
	packet, crcOK, err := Unframe(frame)
	if err != nil {
		return Header{}, nil, fmt.Errorf("wire: %w", err)
	}
	if !crcOK {
		return Header{}, nil, ErrBadCRC
	}
	if len(packet) < headerLen {
		return Header{}, nil, fmt.Errorf("wire: packet too short: %d", len(packet))
	}
	hdr := Header{
		Seq:         packet[0],
		SystemID:    packet[1],
		ComponentID: packet[2],
		MsgID:       MsgID(packet[3]),
	}
	msg := newMessage(hdr.MsgID)
	if msg == nil {
		return hdr, nil, fmt.Errorf("%w: %d", ErrUnknownMessage, hdr.MsgID)
	}
	if err := msgpack.Unmarshal(packet[headerLen:], msg); err != nil {
		return hdr, nil, fmt.Errorf("wire: decode %s: %w", hdr.MsgID, err)
	}
	return hdr, msg, nil
}
