// Package peer defines the values shared by the registry, the coordinator and
// the event stream: peers, their connection states and the events reported to
// front ends.
package peer

// Peer is a discoverable remote endpoint as reported by a transport.
//
// ID is stable and opaque (a Bluetooth MAC, a libp2p peer ID, an announced
// LAN id). Address is the transport address used to reach the peer and is the
// identity key of the registry, since some transports hand out identifiers
// per discovery pass.
type Peer struct {
	ID        string
	Name      string
	Address   string
	Available bool
}

// Key returns the registry identity of p: its address, or its id when the
// transport did not provide one.
func (p Peer) Key() string {
	if p.Address != "" {
		return p.Address
	}
	return p.ID
}

// DisplayName falls back to the id when the transport has no name for p.
func (p Peer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Status is one element of a peerChanged event.
type Status struct {
	ID    string `json:"peerIdentifier"`
	Name  string `json:"peerName"`
	State State  `json:"state"`
}

// StatusOf builds the reported status of p in state s.
func StatusOf(p Peer, s State) Status {
	return Status{ID: p.ID, Name: p.Name, State: s}
}
