package spool

import (
	"fmt"
	"os"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Envelope describes a spooled message. It is stored next to the message
// as MessagePack.
type Envelope struct {
	ID           string    `msg:"id"`
	SessionID    string    `msg:"session_id"`
	Helo         string    `msg:"helo"`
	RemoteAddr   string    `msg:"remote_addr"`
	Sender       string    `msg:"sender"`
	Recipients   []string  `msg:"recipients"`
	TLS          bool      `msg:"tls"`
	AuthIdentity string    `msg:"auth_identity"`
	ReceivedAt   time.Time `msg:"received_at"`
	Size         int64     `msg:"size"`
}

const envelopeFields = 10

// MarshalMsg appends the MessagePack encoding of e to b.
func (e *Envelope) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, e.Msgsize())
	o = msgp.AppendMapHeader(o, envelopeFields)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendString(o, e.ID)
	o = msgp.AppendString(o, "session_id")
	o = msgp.AppendString(o, e.SessionID)
	o = msgp.AppendString(o, "helo")
	o = msgp.AppendString(o, e.Helo)
	o = msgp.AppendString(o, "remote_addr")
	o = msgp.AppendString(o, e.RemoteAddr)
	o = msgp.AppendString(o, "sender")
	o = msgp.AppendString(o, e.Sender)
	o = msgp.AppendString(o, "recipients")
	o = msgp.AppendArrayHeader(o, uint32(len(e.Recipients)))
	for _, r := range e.Recipients {
		o = msgp.AppendString(o, r)
	}
	o = msgp.AppendString(o, "tls")
	o = msgp.AppendBool(o, e.TLS)
	o = msgp.AppendString(o, "auth_identity")
	o = msgp.AppendString(o, e.AuthIdentity)
	o = msgp.AppendString(o, "received_at")
	o = msgp.AppendTime(o, e.ReceivedAt)
	o = msgp.AppendString(o, "size")
	o = msgp.AppendInt64(o, e.Size)
	return o, nil
}

// UnmarshalMsg decodes e from b and returns the remaining bytes. Unknown
// keys are skipped.
func (e *Envelope) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch string(key) {
		case "id":
			e.ID, b, err = msgp.ReadStringBytes(b)
		case "session_id":
			e.SessionID, b, err = msgp.ReadStringBytes(b)
		case "helo":
			e.Helo, b, err = msgp.ReadStringBytes(b)
		case "remote_addr":
			e.RemoteAddr, b, err = msgp.ReadStringBytes(b)
		case "sender":
			e.Sender, b, err = msgp.ReadStringBytes(b)
		case "recipients":
			var count uint32
			count, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			e.Recipients = make([]string, count)
			for i := range e.Recipients {
				e.Recipients[i], b, err = msgp.ReadStringBytes(b)
				if err != nil {
					return b, err
				}
			}
		case "tls":
			e.TLS, b, err = msgp.ReadBoolBytes(b)
		case "auth_identity":
			e.AuthIdentity, b, err = msgp.ReadStringBytes(b)
		case "received_at":
			e.ReceivedAt, b, err = msgp.ReadTimeBytes(b)
		case "size":
			e.Size, b, err = msgp.ReadInt64Bytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, fmt.Errorf("spool: envelope field %q: %w", key, err)
		}
	}
	return b, nil
}

// Msgsize returns an upper bound of the encoded size.
func (e *Envelope) Msgsize() int {
	s := msgp.MapHeaderSize + 10*msgp.StringPrefixSize + 64 +
		msgp.StringPrefixSize*6 + len(e.ID) + len(e.SessionID) + len(e.Helo) + len(e.RemoteAddr) + len(e.Sender) + len(e.AuthIdentity) +
		msgp.ArrayHeaderSize + msgp.BoolSize + msgp.TimeSize + msgp.Int64Size
	for _, r := range e.Recipients {
		s += msgp.StringPrefixSize + len(r)
	}
	return s
}

// ReadEnvelope reads the envelope stored at path.
func ReadEnvelope(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Envelope
	if _, err := e.UnmarshalMsg(data); err != nil {
		return nil, fmt.Errorf("spool: reading %s: %w", path, err)
	}
	return &e, nil
}
