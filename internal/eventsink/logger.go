package eventsink

import (
	logging "github.com/ipfs/go-log/v2"

	"bluetooth-peerlink/internal/peer"
)

// Logger writes a structured log line per event.
type Logger struct {
	log *logging.ZapEventLogger
}

// NewLogger logs under the given subsystem name.
func NewLogger(name string) *Logger {
	return &Logger{log: logging.Logger(name)}
}

func (l *Logger) Publish(ev peer.Event) {
	switch ev.Kind {
	case peer.KindPeerChanged:
		for _, st := range ev.Peers {
			kv := []interface{}{"peer", st.ID, "name", st.Name, "state", st.State.String()}
			if ev.Err != nil {
				kv = append(kv, "cause", ev.Err.Error())
			}
			l.log.Infow("peer changed", kv...)
		}
	case peer.KindMessaging:
		if ev.Message == nil {
			return
		}
		if ev.Message.Dir == peer.Outgoing {
			l.log.Debugw("message written", "bytes", len(ev.Message.Text))
		} else {
			l.log.Debugw("message read", "bytes", len(ev.Message.Text))
		}
	}
}

// Multi forwards each event to every sink in order.
type Multi []interface{ Publish(peer.Event) }

func (m Multi) Publish(ev peer.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}
