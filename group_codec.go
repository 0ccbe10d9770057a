package tipc

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// SendMode tells how a group message was fanned out.
type SendMode uint8

const (
	Unicast SendMode = iota + 1
	Anycast
	Multicast
	Broadcast

	// modeAck carries the highest sequence number a member consumed,
	// it is never handed to the application.
	modeAck
)

func (m SendMode) String() string {
	switch m {
	case Unicast:
		return "unicast"
	case Anycast:
		return "anycast"
	case Multicast:
		return "multicast"
	case Broadcast:
		return "broadcast"
	case modeAck:
		return "ack"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

const (
	fieldMode    protowire.Number = 1
	fieldSeq     protowire.Number = 2
	fieldPayload protowire.Number = 3
)

// maxGroupPayload leaves room for the header in a single message.
var maxGroupPayload = MaxMessageSize - (3*protowire.SizeTag(fieldPayload) +
	protowire.SizeVarint(uint64(modeAck)) +
	protowire.SizeVarint(math.MaxUint64) +
	protowire.SizeVarint(MaxMessageSize))

// groupFrame is what group members exchange on top of datagrams.
type groupFrame struct {
	mode    SendMode
	seq     uint64
	payload []byte
}

func (f groupFrame) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, fieldMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.mode))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, f.seq)
	if len(f.payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.payload)
	}
	return b
}

func (f groupFrame) marshal() []byte {
	return f.appendTo(make([]byte, 0, len(f.payload)+24))
}

// unmarshalGroupFrame decodes b, unknown fields are skipped. The
// payload aliases b.
func unmarshalGroupFrame(b []byte) (groupFrame, error) {
	var f groupFrame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldMode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: mode: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			f.mode = SendMode(v)
			b = b[n:]
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: seq: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			f.seq = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("%w: payload: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			f.payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %w", ErrProtocolViolation, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if f.mode < Unicast || f.mode > modeAck {
		return f, fmt.Errorf("%w: unknown %s", ErrProtocolViolation, f.mode)
	}
	if f.seq == 0 {
		return f, fmt.Errorf("%w: missing sequence number", ErrProtocolViolation)
	}
	return f, nil
}
