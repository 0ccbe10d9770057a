//go:build linux

package kernel

import (
	"golang.org/x/sys/unix"

	"github.com/raskyld/tipc/pkg/transport"
)

func toSockaddr(addr transport.Addr) (*unix.SockaddrTIPC, error) {
	sa := &unix.SockaddrTIPC{Scope: int(addr.Scope)}
	switch addr.Type {
	case transport.AddrSocket:
		sa.Addr = &unix.TIPCSocketAddr{Ref: addr.Ref, Node: addr.Node}
	case transport.AddrService:
		sa.Addr = &unix.TIPCServiceName{Type: addr.Service, Instance: addr.Lower, Domain: addr.Domain}
	case transport.AddrRange:
		sa.Addr = &unix.TIPCServiceRange{Type: addr.Service, Lower: addr.Lower, Upper: addr.Upper}
	default:
		return nil, unix.EINVAL
	}
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) (transport.Addr, bool) {
	tsa, ok := sa.(*unix.SockaddrTIPC)
	if !ok || tsa == nil {
		return transport.Addr{}, false
	}

	var addr transport.Addr
	switch raw := tsa.Addr.(type) {
	case *unix.TIPCSocketAddr:
		addr = transport.SocketAddr(raw.Node, raw.Ref)
	case *unix.TIPCServiceName:
		addr = transport.ServiceAddr(raw.Type, raw.Instance, raw.Domain)
	case *unix.TIPCServiceRange:
		addr = transport.RangeAddr(raw.Type, raw.Lower, raw.Upper)
	default:
		return transport.Addr{}, false
	}
	addr.Scope = int8(tsa.Scope)
	return addr, true
}
