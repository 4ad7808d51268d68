package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

type Kind string

const (
	KindUDP    Kind = "udp"    // dial a remote UDP port
	KindUDPIn  Kind = "udpin"  // listen and answer the last sender
	KindTCP    Kind = "tcp"
	KindSerial Kind = "serial"
	KindReplay Kind = "replay" // play back a recorded telemetry log
	KindSim    Kind = "sim"    // in-process simulated vehicle
)

const DefaultSerialBaud = 57600

// Endpoint identifies a transport and its address.
type Endpoint struct {
	Kind    Kind
	Address string
	Baud    int
}

func (e Endpoint) String() string {
	switch e.Kind {
	case KindSerial:
		return fmt.Sprintf("serial:%s:%d", e.Address, e.Baud)
	case KindSim:
		return "sim:"
	default:
		return string(e.Kind) + ":" + e.Address
	}
}

// ParseEndpoint accepts "udp:host:port", "udpin:host:port", "tcp:host:port",
// "serial:/dev/ttyUSB0[:baud]", "replay:/path/log.tlog" and "sim". For
// compatibility, a bare "host:port" listens on UDP and "comN" opens a serial
// port.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("endpoint is empty")
	}

	if lower := strings.ToLower(s); strings.HasPrefix(lower, "com") {
		if _, err := strconv.Atoi(s[3:]); err == nil {
			return Endpoint{Kind: KindSerial, Address: strings.ToUpper(s), Baud: DefaultSerialBaud}, nil
		}
	}

	if strings.EqualFold(s, string(KindSim)) {
		return Endpoint{Kind: KindSim}, nil
	}

	kind, rest, found := strings.Cut(s, ":")
	if !found {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing transport or port", s)
	}

	switch Kind(strings.ToLower(kind)) {
	case KindUDP, KindUDPIn, KindTCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
		return Endpoint{Kind: Kind(strings.ToLower(kind)), Address: rest}, nil
	case KindSerial:
		return parseSerial(s, rest)
	case KindReplay:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: replay path is required", s)
		}
		return Endpoint{Kind: KindReplay, Address: rest}, nil
	case KindSim:
		return Endpoint{Kind: KindSim}, nil
	}

	// Bare host:port.
	if _, port, err := net.SplitHostPort(s); err == nil {
		if _, err := strconv.ParseUint(port, 10, 16); err == nil {
			return Endpoint{Kind: KindUDPIn, Address: s}, nil
		}
	}
	return Endpoint{}, fmt.Errorf("endpoint %q: unknown transport %q", s, kind)
}

func parseSerial(orig, rest string) (Endpoint, error) {
	if rest == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: serial device is required", orig)
	}
	ep := Endpoint{Kind: KindSerial, Address: rest, Baud: DefaultSerialBaud}
	if i := strings.LastIndexByte(rest, ':'); i > 0 {
		if baud, err := strconv.Atoi(rest[i+1:]); err == nil {
			if baud <= 0 {
				return Endpoint{}, fmt.Errorf("endpoint %q: invalid baud %d", orig, baud)
			}
			ep.Address = rest[:i]
			ep.Baud = baud
		}
	}
	return ep, nil
}
