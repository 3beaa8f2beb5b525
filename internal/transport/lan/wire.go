package lan

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxMessage bounds announcements and hellos.
const maxMessage = 512

const (
	fieldID   protowire.Number = 1
	fieldName protowire.Number = 2
	fieldPort protowire.Number = 3
)

var errMalformed = errors.New("lan: malformed message")

// announcement is multicast periodically by every running transport.
type announcement struct {
	ID   string
	Name string
	Port uint16
}

func (a announcement) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, a.ID)
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, a.Name)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Port))
	return b
}

func (a *announcement) unmarshal(b []byte) error {
	var out announcement
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.BytesType:
			out.ID, n = protowire.ConsumeString(b)
		case num == fieldName && typ == protowire.BytesType:
			out.Name, n = protowire.ConsumeString(b)
		case num == fieldPort && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && v > 0xffff {
				return fmt.Errorf("%w: port %d", errMalformed, v)
			}
			out.Port = uint16(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if out.ID == "" || out.Port == 0 {
		return fmt.Errorf("%w: missing id or port", errMalformed)
	}
	*a = out
	return nil
}

// hello is the first frame on every TCP connection, sent by the dialer.
// It reuses the announcement layout without a port.
type hello struct {
	ID   string
	Name string
}

func writeHello(w io.Writer, h hello) error {
	var body []byte
	body = protowire.AppendTag(body, fieldID, protowire.BytesType)
	body = protowire.AppendString(body, h.ID)
	body = protowire.AppendTag(body, fieldName, protowire.BytesType)
	body = protowire.AppendString(body, h.Name)
	_, err := w.Write(protowire.AppendBytes(nil, body))
	return err
}

// readHello reads exactly one length-delimited hello and nothing more, so
// the connection can be handed over with its stream intact.
func readHello(r io.Reader) (hello, error) {
	var (
		prefix []byte
		one    [1]byte
	)
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return hello{}, err
		}
		prefix = append(prefix, one[0])
		if one[0] < 0x80 {
			break
		}
		if len(prefix) >= protowire.SizeVarint(maxMessage) {
			return hello{}, fmt.Errorf("%w: hello length", errMalformed)
		}
	}
	size, n := protowire.ConsumeVarint(prefix)
	if n < 0 || size == 0 || size > maxMessage {
		return hello{}, fmt.Errorf("%w: hello length %d", errMalformed, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return hello{}, err
	}

	var h hello
	for b := body; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return hello{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.BytesType:
			h.ID, n = protowire.ConsumeString(b)
		case num == fieldName && typ == protowire.BytesType:
			h.Name, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return hello{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if h.ID == "" {
		return hello{}, fmt.Errorf("%w: hello without id", errMalformed)
	}
	return h, nil
}
