package peer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind names the two classes of events a front end receives.
type EventKind string

const (
	KindPeerChanged EventKind = "peerChanged"
	KindMessaging   EventKind = "messagingEvent"
)

// Direction tells whether a message went out on a session or came in.
type Direction int

const (
	Outgoing Direction = iota + 1
	Incoming
)

// Message is the payload of a messagingEvent. It serializes as
// {"writeMessage": Text} or {"readMessage": Text}, empty text included.
type Message struct {
	Dir  Direction
	Text string
}

func (m Message) key() (string, error) {
	switch m.Dir {
	case Outgoing:
		return "writeMessage", nil
	case Incoming:
		return "readMessage", nil
	}
	return "", fmt.Errorf("peer: unknown message direction %d", m.Dir)
}

func (m Message) MarshalJSON() ([]byte, error) {
	k, err := m.key()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{k: m.Text})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("peer: message has %d fields, want 1", len(raw))
	}
	if v, ok := raw["writeMessage"]; ok {
		*m = Message{Dir: Outgoing, Text: v}
		return nil
	}
	if v, ok := raw["readMessage"]; ok {
		*m = Message{Dir: Incoming, Text: v}
		return nil
	}
	return errors.New("peer: message lacks writeMessage and readMessage")
}

// Event is one entry of the ordered event stream.
//
// Err carries the cause of a ConnectingFailed or Disconnected report for Go
// consumers; it is not part of the wire form.
type Event struct {
	Kind    EventKind
	Peers   []Status
	Message *Message
	Err     error
}

// PeerChanged builds a peerChanged event.
func PeerChanged(statuses ...Status) Event {
	return Event{Kind: KindPeerChanged, Peers: statuses}
}

// Written builds the messagingEvent reported after bytes went out on a session.
func Written(b []byte) Event {
	return Event{Kind: KindMessaging, Message: &Message{Dir: Outgoing, Text: string(b)}}
}

// Read builds the messagingEvent reported after bytes arrived on a session.
func Read(b []byte) Event {
	return Event{Kind: KindMessaging, Message: &Message{Dir: Incoming, Text: string(b)}}
}

type wireEvent struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch e.Kind {
	case KindPeerChanged:
		peers := e.Peers
		if peers == nil {
			peers = []Status{}
		}
		data, err = json.Marshal(peers)
	case KindMessaging:
		if e.Message == nil {
			return nil, errors.New("peer: messagingEvent without message")
		}
		data, err = json.Marshal(e.Message)
	default:
		return nil, fmt.Errorf("peer: unknown event kind %q", e.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Event: e.Kind, Data: data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Event{Kind: w.Event}
	switch w.Event {
	case KindPeerChanged:
		if err := json.Unmarshal(w.Data, &out.Peers); err != nil {
			return fmt.Errorf("peer: decode peerChanged: %w", err)
		}
	case KindMessaging:
		out.Message = &Message{}
		if err := json.Unmarshal(w.Data, out.Message); err != nil {
			return fmt.Errorf("peer: decode messagingEvent: %w", err)
		}
	default:
		return fmt.Errorf("peer: unknown event kind %q", w.Event)
	}
	*e = out
	return nil
}
