package link

import "time"

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Status describes the connection lifecycle. Reason is set for
// StateFailed.
type Status struct {
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
}

func (s Status) Connected() bool {
	return s.State == StateConnected
}
