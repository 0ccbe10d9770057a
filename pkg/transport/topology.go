package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Subscription filters understood by the topology server.
const (
	// FilterPorts reports every binding overlapping the range.
	FilterPorts uint32 = 0x01
	// FilterService reports only the first and last binding of a range.
	FilterService uint32 = 0x02
	// FilterCancel cancels a previously placed subscription.
	FilterCancel uint32 = 0x04

	// WaitForever disables the subscription timeout.
	WaitForever uint32 = 0xffffffff
)

// Topology events.
const (
	EventPublished uint32 = iota + 1
	EventWithdrawn
	EventTimeout
)

const (
	SubscrSize = 28
	EventSize  = 20 + SubscrSize
)

var ErrShortFrame = errors.New("transport: topology frame is too short")

// Subscr mirrors `struct tipc_subscr`.
//
// The server answers in the byte order it was spoken to, we always use
// the one of the host.
type Subscr struct {
	Service uint32
	Lower   uint32
	Upper   uint32
	// Timeout in milliseconds.
	Timeout uint32
	Filter  uint32
	Handle  [8]byte
}

// AppendBinary appends the wire form of the subscription to b.
func (s *Subscr) AppendBinary(b []byte) ([]byte, error) {
	b = binary.NativeEndian.AppendUint32(b, s.Service)
	b = binary.NativeEndian.AppendUint32(b, s.Lower)
	b = binary.NativeEndian.AppendUint32(b, s.Upper)
	b = binary.NativeEndian.AppendUint32(b, s.Timeout)
	b = binary.NativeEndian.AppendUint32(b, s.Filter)
	return append(b, s.Handle[:]...), nil
}

func (s *Subscr) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, SubscrSize))
}

func (s *Subscr) UnmarshalBinary(b []byte) error {
	if len(b) < SubscrSize {
		return fmt.Errorf("%w: subscription is %d bytes", ErrShortFrame, len(b))
	}
	s.Service = binary.NativeEndian.Uint32(b[0:])
	s.Lower = binary.NativeEndian.Uint32(b[4:])
	s.Upper = binary.NativeEndian.Uint32(b[8:])
	s.Timeout = binary.NativeEndian.Uint32(b[12:])
	s.Filter = binary.NativeEndian.Uint32(b[16:])
	copy(s.Handle[:], b[20:SubscrSize])
	return nil
}

// Event mirrors `struct tipc_event`.
type Event struct {
	Event uint32
	Lower uint32
	Upper uint32
	Ref   uint32
	Node  uint32
	// Subscr is the subscription which triggered the event.
	Subscr Subscr
}

func (e *Event) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, EventSize)
	b = binary.NativeEndian.AppendUint32(b, e.Event)
	b = binary.NativeEndian.AppendUint32(b, e.Lower)
	b = binary.NativeEndian.AppendUint32(b, e.Upper)
	b = binary.NativeEndian.AppendUint32(b, e.Ref)
	b = binary.NativeEndian.AppendUint32(b, e.Node)
	return e.Subscr.AppendBinary(b)
}

func (e *Event) UnmarshalBinary(b []byte) error {
	if len(b) < EventSize {
		return fmt.Errorf("%w: event is %d bytes", ErrShortFrame, len(b))
	}
	e.Event = binary.NativeEndian.Uint32(b[0:])
	e.Lower = binary.NativeEndian.Uint32(b[4:])
	e.Upper = binary.NativeEndian.Uint32(b[8:])
	e.Ref = binary.NativeEndian.Uint32(b[12:])
	e.Node = binary.NativeEndian.Uint32(b[16:])
	return e.Subscr.UnmarshalBinary(b[20:])
}
