package peer

import "fmt"

// State is the connection state of a single peer.
type State uint8

const (
	Unavailable State = iota
	Available
	Connecting
	ConnectingFailed
	Connected
	Disconnected
)

var stateNames = [...]string{
	Unavailable:      "Unavailable",
	Available:        "Available",
	Connecting:       "Connecting",
	ConnectingFailed: "ConnectingFailed",
	Connected:        "Connected",
	Disconnected:     "Disconnected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Transient reports whether s is only ever reported, never held: after a
// transient state is emitted the coordinator forgets the peer.
func (s State) Transient() bool {
	return s == ConnectingFailed || s == Disconnected
}

// MarshalText encodes s by name so that events carry "Available" rather than 1.
func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("peer: unknown state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("peer: unknown state %q", b)
}
