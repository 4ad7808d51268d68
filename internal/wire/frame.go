package wire

import "fmt"

const (
	flagByte   = 0x7E
	escapeByte = 0x7D
	escapeXor  = 0x20
)

// Frame takes an unframed packet (header + body), appends the CRC16, applies
// byte-stuffing, and wraps with 0x7E flags.
func Frame(packet []byte) []byte {
	crc := crc16(packet)

	// CRC is appended little-endian (low byte first).
	withCRC := make([]byte, 0, len(packet)+2)
	withCRC = append(withCRC, packet...)
	withCRC = append(withCRC, byte(crc&0xFF), byte((crc>>8)&0xFF))

	out := make([]byte, 0, 2+len(withCRC)*2)
	out = append(out, flagByte)
	for _, b := range withCRC {
		if b == flagByte || b == escapeByte {
			out = append(out, escapeByte, b^escapeXor)
			continue
		}
		out = append(out, b)
	}
	out = append(out, flagByte)
	return out
}

// Unframe reverses Frame(): it validates 0x7E flag framing, de-escapes the
// payload, and checks the appended CRC16.
//
// It returns the packet bytes (without CRC), whether the CRC check passed,
// and an error for malformed frames.
func Unframe(frame []byte) (packet []byte, crcOK bool, err error) {
	if len(frame) < 4 {
		return nil, false, fmt.Errorf("frame too short: %d", len(frame))
	}
	if frame[0] != flagByte || frame[len(frame)-1] != flagByte {
		return nil, false, fmt.Errorf("missing start/end flags")
	}

	raw := make([]byte, 0, len(frame))
	for i := 1; i < len(frame)-1; i++ {
		b := frame[i]
		if b == escapeByte {
			i++
			if i >= len(frame)-1 {
				return nil, false, fmt.Errorf("truncated escape at end of frame")
			}
			raw = append(raw, frame[i]^escapeXor)
			continue
		}
		raw = append(raw, b)
	}
	if len(raw) < 3 {
		return nil, false, fmt.Errorf("unescaped payload too short: %d", len(raw))
	}

	packet = raw[:len(raw)-2]
	crcGot := uint16(raw[len(raw)-2]) | (uint16(raw[len(raw)-1]) << 8)
	return packet, crcGot == crc16(packet), nil
}
