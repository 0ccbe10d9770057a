// Package transport is the boundary between the tipc package and whatever
// moves the bytes: the Linux kernel (see the kernel sub-package) or an
// in-process emulation (see the loopback sub-package).
//
// Addresses cross this boundary in their raw form, errors as plain
// `syscall.Errno` values, exactly as the kernel would report them.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind of socket.
type Kind uint8

const (
	// Datagram is a reliable datagram socket (SOCK_RDM).
	Datagram Kind = iota + 1
	SeqPacket
	Stream
)

func (k Kind) String() string {
	switch k {
	case Datagram:
		return "datagram"
	case SeqPacket:
		return "seqpacket"
	case Stream:
		return "stream"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ConnectionOriented reports whether the kind needs a peer.
func (k Kind) ConnectionOriented() bool {
	return k == SeqPacket || k == Stream
}

// AddrType discriminates the variants of `Addr`.
type AddrType uint8

const (
	AddrNone AddrType = iota
	// AddrSocket identifies a single socket by node and port reference.
	AddrSocket
	// AddrService is a service name, resolved at send time.
	AddrService
	// AddrRange is a service range, used for binds and multicast.
	AddrRange
)

// Well-known values of the protocol.
const (
	// ReservedTypes is the first service type available to users.
	ReservedTypes = 64
	// MaxUserMsgSize is the largest payload a message can carry.
	MaxUserMsgSize = 66000

	// NodeStateService publishes one instance per reachable node.
	NodeStateService = 0
	// TopologyService is where the topology server listens.
	TopologyService = 1
	// LinkStateService publishes one instance per active link.
	LinkStateService = 2

	// WithdrawScope is the scope used to withdraw a binding.
	WithdrawScope = -1
)

// Message error codes, as carried by returned messages.
const (
	ErrCodeOK uint32 = iota
	ErrCodeNoName
	ErrCodeNoPort
	ErrCodeNoNode
	ErrCodeOverload
	ErrCodeConnShutdown
)

// ErrClosed is returned by every `Conn` method once `Close` was called.
var ErrClosed = errors.New("transport: use of closed connection")

// Addr is the raw form of every TIPC address.
//
// For `AddrService`, the instance is stored in `Lower` and `Upper`.
// `Domain` restricts a lookup to a node, zero meaning the whole cluster.
// `Scope` is only meaningful on bind.
type Addr struct {
	Type  AddrType
	Scope int8

	Ref  uint32
	Node uint32

	Service uint32
	Lower   uint32
	Upper   uint32
	Domain  uint32
}

// SocketAddr builds a raw socket address.
func SocketAddr(node, ref uint32) Addr {
	return Addr{Type: AddrSocket, Node: node, Ref: ref}
}

// ServiceAddr builds a raw service address.
func ServiceAddr(service, instance, domain uint32) Addr {
	return Addr{Type: AddrService, Service: service, Lower: instance, Upper: instance, Domain: domain}
}

// RangeAddr builds a raw service range.
func RangeAddr(service, lower, upper uint32) Addr {
	return Addr{Type: AddrRange, Service: service, Lower: lower, Upper: upper}
}

func (a Addr) String() string {
	switch a.Type {
	case AddrSocket:
		return fmt.Sprintf("0:%010d@%x", a.Ref, a.Node)
	case AddrService:
		return fmt.Sprintf("%d:%d", a.Service, a.Lower)
	case AddrRange:
		return fmt.Sprintf("%d:%d:%d", a.Service, a.Lower, a.Upper)
	default:
		return "none"
	}
}

// Message is the metadata of a received message, its payload being
// written to the buffer given to `Conn.Recv`.
type Message struct {
	// N is the number of payload bytes written.
	N int
	// Source is the socket which sent the message. For a returned
	// message, it is the socket which rejected it when known.
	Source Addr
	// Destination is the service name the message was sent to,
	// `AddrNone` when it was sent to a socket address.
	Destination Addr
	// ErrCode is non-zero when the message was returned undelivered,
	// in which case the payload is the returned data.
	ErrCode uint32
}

// Conn is a single transport endpoint.
//
// Blocking methods honour the context and return promptly with
// `ErrClosed` when the connection is closed concurrently.
type Conn interface {
	Bind(addr Addr) error
	Unbind(addr Addr) error
	Listen(backlog int) error
	Accept(ctx context.Context) (Conn, error)
	Connect(ctx context.Context, addr Addr) error
	Send(ctx context.Context, payload []byte) error
	SendTo(ctx context.Context, addr Addr, payload []byte) error
	Recv(ctx context.Context, buf []byte) (Message, error)

	// Shutdown ends a connection without releasing the endpoint: the
	// peer reads end of stream and our own sends fail.
	Shutdown() error

	LocalAddr() (Addr, error)
	PeerAddr() (Addr, error)

	SetImportance(level uint32) error
	SetRejectable(rejectable bool) error

	Close() error
}

// LinkNamer is implemented by the drivers which can name the link
// towards a neighbor node.
type LinkNamer interface {
	LinkName(peer, bearerID uint32) (string, error)
}

// Driver opens transport endpoints on a node.
type Driver interface {
	Open(kind Kind) (Conn, error)
	// OwnNode returns the address of the node the driver runs on.
	OwnNode() (uint32, error)
}
