package tipc

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/raskyld/tipc/pkg/transport"
)

const (
	// ReservedTypes is the first service type available to applications,
	// lower ones belong to TIPC itself.
	ReservedTypes = transport.ReservedTypes

	// MaxMessageSize is the largest payload of a single message.
	MaxMessageSize = transport.MaxUserMsgSize
)

// Scope of a binding, or of a lookup.
type Scope uint8

const (
	ZoneScope    Scope = 1
	ClusterScope Scope = 2
	NodeScope    Scope = 3
)

func (s Scope) String() string {
	switch s {
	case ZoneScope:
		return "zone"
	case ClusterScope:
		return "cluster"
	case NodeScope:
		return "node"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

func (s Scope) valid() bool {
	return s >= ZoneScope && s <= NodeScope
}

// Binding is what a `Socket` can be bound to: a `ServiceAddress` or a
// `ServiceRange`.
type Binding interface {
	fmt.Stringer
	Range() ServiceRange
}

// Destination is where a message can be sent: a `ServiceAddress`
// (anycast), a `SocketAddress` (unicast) or a `ServiceRange` (multicast).
type Destination interface {
	fmt.Stringer
	raw(ownNode uint32) transport.Addr
}

// ServiceAddress names a service instance, regardless of which socket
// actually provides it.
type ServiceAddress struct {
	typ      uint32
	instance uint32
	scope    Scope
}

// NewServiceAddress validates its input before returning an address.
func NewServiceAddress(typ, instance uint32, scope Scope) (ServiceAddress, error) {
	if typ < ReservedTypes {
		return ServiceAddress{}, fmt.Errorf("%w: type %d is reserved", ErrInvalidAddress, typ)
	}
	if !scope.valid() {
		return ServiceAddress{}, fmt.Errorf("%w: unknown %s", ErrInvalidAddress, scope)
	}
	return ServiceAddress{typ: typ, instance: instance, scope: scope}, nil
}

// ParseServiceAddress parses "type:instance", with cluster scope.
func ParseServiceAddress(text string) (ServiceAddress, error) {
	parts, err := parseUints(text, 2)
	if err != nil {
		return ServiceAddress{}, err
	}
	return NewServiceAddress(parts[0], parts[1], ClusterScope)
}

func (a ServiceAddress) Type() uint32     { return a.typ }
func (a ServiceAddress) Instance() uint32 { return a.instance }
func (a ServiceAddress) Scope() Scope     { return a.scope }

// IsZero reports whether a was never initialized.
func (a ServiceAddress) IsZero() bool {
	return a == ServiceAddress{}
}

// Range returns the range holding this single instance.
func (a ServiceAddress) Range() ServiceRange {
	return ServiceRange{typ: a.typ, lower: a.instance, upper: a.instance}
}

func (a ServiceAddress) String() string {
	return fmt.Sprintf("%d:%d", a.typ, a.instance)
}

// Compare orders by type, instance then scope.
func (a ServiceAddress) Compare(b ServiceAddress) int {
	return cmp.Or(
		cmp.Compare(a.typ, b.typ),
		cmp.Compare(a.instance, b.instance),
		cmp.Compare(a.scope, b.scope),
	)
}

// raw restricts node scoped lookups to the local node.
func (a ServiceAddress) raw(ownNode uint32) transport.Addr {
	var domain uint32
	if a.scope == NodeScope {
		domain = ownNode
	}
	addr := transport.ServiceAddr(a.typ, a.instance, domain)
	addr.Scope = int8(a.scope)
	return addr
}

// serviceAddressFromRaw is the inverse of `ServiceAddress.raw`.
func serviceAddressFromRaw(addr transport.Addr) (ServiceAddress, bool) {
	if addr.Type != transport.AddrService {
		return ServiceAddress{}, false
	}
	scope := Scope(addr.Scope)
	if !scope.valid() {
		scope = ClusterScope
	}
	return ServiceAddress{typ: addr.Service, instance: addr.Lower, scope: scope}, true
}

// ServiceRange is a contiguous set of instances of one service type.
type ServiceRange struct {
	typ   uint32
	lower uint32
	upper uint32
}

func NewServiceRange(typ, lower, upper uint32) (ServiceRange, error) {
	if typ < ReservedTypes {
		return ServiceRange{}, fmt.Errorf("%w: type %d is reserved", ErrInvalidAddress, typ)
	}
	if lower > upper {
		return ServiceRange{}, fmt.Errorf("%w: lower bound %d above upper bound %d", ErrInvalidAddress, lower, upper)
	}
	return ServiceRange{typ: typ, lower: lower, upper: upper}, nil
}

// ParseServiceRange parses "type:lower:upper".
func ParseServiceRange(text string) (ServiceRange, error) {
	parts, err := parseUints(text, 3)
	if err != nil {
		return ServiceRange{}, err
	}
	return NewServiceRange(parts[0], parts[1], parts[2])
}

func (r ServiceRange) Type() uint32  { return r.typ }
func (r ServiceRange) Lower() uint32 { return r.lower }
func (r ServiceRange) Upper() uint32 { return r.upper }

func (r ServiceRange) Range() ServiceRange { return r }

// Contains reports whether instance lies in the range.
func (r ServiceRange) Contains(instance uint32) bool {
	return r.lower <= instance && instance <= r.upper
}

func (r ServiceRange) String() string {
	return fmt.Sprintf("%d:%d:%d", r.typ, r.lower, r.upper)
}

func (r ServiceRange) Compare(o ServiceRange) int {
	return cmp.Or(
		cmp.Compare(r.typ, o.typ),
		cmp.Compare(r.lower, o.lower),
		cmp.Compare(r.upper, o.upper),
	)
}

func (r ServiceRange) raw(uint32) transport.Addr {
	return transport.RangeAddr(r.typ, r.lower, r.upper)
}

// SocketAddress identifies exactly one socket in the cluster. It is only
// ever handed out by the transport.
type SocketAddress struct {
	node uint32
	ref  uint32
}

func (a SocketAddress) Node() NodeAddress { return NodeAddress(a.node) }
func (a SocketAddress) Ref() uint32       { return a.ref }

func (a SocketAddress) IsZero() bool {
	return a == SocketAddress{}
}

func (a SocketAddress) String() string {
	return fmt.Sprintf("0:%010d@%x", a.ref, a.node)
}

// Compare orders by node then port reference.
func (a SocketAddress) Compare(b SocketAddress) int {
	return cmp.Or(
		cmp.Compare(a.node, b.node),
		cmp.Compare(a.ref, b.ref),
	)
}

func (a SocketAddress) raw(uint32) transport.Addr {
	return transport.SocketAddr(a.node, a.ref)
}

func socketAddressFromRaw(addr transport.Addr) (SocketAddress, bool) {
	if addr.Type != transport.AddrSocket {
		return SocketAddress{}, false
	}
	return SocketAddress{node: addr.Node, ref: addr.Ref}, true
}

// NodeAddress is the 32-bit address of a node, historically split in
// zone, cluster and node numbers.
type NodeAddress uint32

func (n NodeAddress) Zone() uint8     { return uint8(n >> 24) }
func (n NodeAddress) Cluster() uint16 { return uint16(n>>12) & 0xfff }
func (n NodeAddress) Node() uint16    { return uint16(n) & 0xfff }

func (n NodeAddress) String() string {
	return fmt.Sprintf("<%d.%d.%d>", n.Zone(), n.Cluster(), n.Node())
}

func parseUints(text string, n int) ([]uint32, error) {
	fields := strings.Split(text, ":")
	if len(fields) != n {
		return nil, fmt.Errorf("%w: %q should have %d fields", ErrInvalidAddress, text, n)
	}

	out := make([]uint32, n)
	for i, field := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, text, err)
		}
		out[i] = uint32(v)
	}
	return out, nil
}
