package eventsink

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"

	"bluetooth-peerlink/internal/peer"
)

// Writer encodes each event as one JSON object per line. This is the format
// a front-end bridge consumes.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Publish implements coordinator.Sink. Encoding failures are remembered and
// returned by Err; the stream keeps going.
func (w *Writer) Publish(ev peer.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(ev); err != nil {
		logger.Errorf("write %s event: %v", ev.Kind, err)
		w.err = multierr.Append(w.err, fmt.Errorf("eventsink: encode %s: %w", ev.Kind, err))
	}
}

// Err returns every encoding error seen so far.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
