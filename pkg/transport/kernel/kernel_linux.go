//go:build linux

package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/raskyld/tipc/pkg/transport"
)

// oobSize fits the three ancillary messages the kernel may attach:
// error info, returned data and destination name.
var oobSize = unix.CmsgSpace(8) + unix.CmsgSpace(transport.MaxUserMsgSize) + unix.CmsgSpace(12)

var oobPool = sync.Pool{
	New: func() any {
		oob := make([]byte, oobSize)
		return &oob
	},
}

// Open a socket of the given kind.
func (d *Driver) Open(kind transport.Kind) (transport.Conn, error) {
	typ, err := sockType(kind)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_TIPC, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return newConn(fd, kind)
}

// OwnNode asks the kernel for the address of the local node, which
// every socket carries in its own address.
func (d *Driver) OwnNode() (uint32, error) {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.node != 0 {
		return d.node, nil
	}

	c, err := d.Open(transport.Datagram)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	addr, err := c.LocalAddr()
	if err != nil {
		return 0, err
	}
	d.node = addr.Node
	return d.node, nil
}

// linkNameReq is struct tipc_sioc_ln_req.
type linkNameReq struct {
	peer     uint32
	bearerID uint32
	name     [unix.TIPC_MAX_LINK_NAME]byte
}

// LinkName asks the kernel for the name of the link towards the peer
// node over one of our bearers.
func (d *Driver) LinkName(peer, bearerID uint32) (string, error) {
	fd, err := unix.Socket(unix.AF_TIPC, unix.SOCK_RDM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return "", os.NewSyscallError("socket", err)
	}
	defer unix.Close(fd)

	req := linkNameReq{peer: peer, bearerID: bearerID}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCGETLINKNAME, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return "", os.NewSyscallError("ioctl", errno)
	}
	return unix.ByteSliceToString(req.name[:]), nil
}

func sockType(kind transport.Kind) (int, error) {
	switch kind {
	case transport.Datagram:
		return unix.SOCK_RDM, nil
	case transport.SeqPacket:
		return unix.SOCK_SEQPACKET, nil
	case transport.Stream:
		return unix.SOCK_STREAM, nil
	default:
		return 0, unix.ESOCKTNOSUPPORT
	}
}

type conn struct {
	kind   transport.Kind
	f      *os.File
	rc     syscall.RawConn
	closed atomic.Bool
}

func newConn(fd int, kind transport.Kind) (*conn, error) {
	f := os.NewFile(uintptr(fd), "tipc")
	if f == nil {
		_ = unix.Close(fd)
		return nil, unix.EBADF
	}

	rc, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &conn{kind: kind, f: f, rc: rc}, nil
}

func (c *conn) Bind(addr transport.Addr) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	return c.control(func(fd int) error {
		return unix.Bind(fd, sa)
	})
}

func (c *conn) Unbind(addr transport.Addr) error {
	addr.Scope = transport.WithdrawScope
	return c.Bind(addr)
}

func (c *conn) Listen(backlog int) error {
	return c.control(func(fd int) error {
		return unix.Listen(fd, backlog)
	})
}

func (c *conn) Accept(ctx context.Context) (transport.Conn, error) {
	var (
		nfd   int
		opErr error
	)
	err := c.read(ctx, func(fd int) bool {
		nfd, _, opErr = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return opErr != unix.EAGAIN
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, c.wrap(opErr)
	}
	return newConn(nfd, c.kind)
}

// Connect starts a non-blocking connect and waits for the socket to
// become writable, which happens once the peer accepted or refused.
func (c *conn) Connect(ctx context.Context, addr transport.Addr) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}

	err = c.control(func(fd int) error {
		return unix.Connect(fd, sa)
	})
	if err == nil || !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	var opErr error
	err = c.write(ctx, func(fd int) bool {
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			opErr = err
			return true
		}
		if soErr != 0 {
			opErr = unix.Errno(soErr)
			return true
		}
		if _, err := unix.Getpeername(fd); err != nil {
			if err == unix.ENOTCONN {
				return false
			}
			opErr = err
		}
		return true
	})
	if err != nil {
		return err
	}
	return c.wrap(opErr)
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	return c.sendmsg(ctx, payload, nil)
}

func (c *conn) SendTo(ctx context.Context, addr transport.Addr, payload []byte) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	return c.sendmsg(ctx, payload, sa)
}

func (c *conn) sendmsg(ctx context.Context, payload []byte, to unix.Sockaddr) error {
	var opErr error
	err := c.write(ctx, func(fd int) bool {
		opErr = unix.Sendmsg(fd, payload, nil, to, unix.MSG_DONTWAIT)
		return opErr != unix.EAGAIN
	})
	if err != nil {
		return err
	}
	return c.wrap(opErr)
}

// Recv reads one message. Returned messages carry their error code in a
// TIPC_ERRINFO ancillary message and their payload in TIPC_RETDATA.
func (c *conn) Recv(ctx context.Context, buf []byte) (transport.Message, error) {
	var (
		n, oobn int
		from    unix.Sockaddr
		opErr   error
	)
	oobPtr := oobPool.Get().(*[]byte)
	defer oobPool.Put(oobPtr)
	oob := *oobPtr

	err := c.read(ctx, func(fd int) bool {
		n, oobn, _, from, opErr = unix.Recvmsg(fd, buf, oob, unix.MSG_DONTWAIT)
		return opErr != unix.EAGAIN
	})
	if err != nil {
		return transport.Message{}, err
	}
	if opErr != nil {
		return transport.Message{}, c.wrap(opErr)
	}

	msg := transport.Message{N: n}
	if src, ok := fromSockaddr(from); ok {
		msg.Source = src
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return transport.Message{}, err
	}
	for _, cm := range cmsgs {
		if cm.Header.Level != unix.SOL_TIPC {
			continue
		}
		switch cm.Header.Type {
		case unix.TIPC_ERRINFO:
			if len(cm.Data) >= 4 {
				msg.ErrCode = binary.NativeEndian.Uint32(cm.Data)
			}
		case unix.TIPC_RETDATA:
			msg.N = copy(buf, cm.Data)
		case unix.TIPC_DESTNAME:
			if len(cm.Data) >= 12 {
				service := binary.NativeEndian.Uint32(cm.Data[0:])
				lower := binary.NativeEndian.Uint32(cm.Data[4:])
				upper := binary.NativeEndian.Uint32(cm.Data[8:])
				if lower == upper {
					msg.Destination = transport.ServiceAddr(service, lower, 0)
				} else {
					msg.Destination = transport.RangeAddr(service, lower, upper)
				}
			}
		}
	}

	if msg.N == 0 && msg.ErrCode == transport.ErrCodeOK && c.kind.ConnectionOriented() {
		return msg, io.EOF
	}
	return msg, nil
}

func (c *conn) Shutdown() error {
	return c.control(func(fd int) error {
		return unix.Shutdown(fd, unix.SHUT_RDWR)
	})
}

func (c *conn) LocalAddr() (transport.Addr, error) {
	return c.name(unix.Getsockname)
}

func (c *conn) PeerAddr() (transport.Addr, error) {
	return c.name(unix.Getpeername)
}

func (c *conn) name(get func(int) (unix.Sockaddr, error)) (transport.Addr, error) {
	var sa unix.Sockaddr
	err := c.control(func(fd int) (err error) {
		sa, err = get(fd)
		return err
	})
	if err != nil {
		return transport.Addr{}, err
	}
	addr, ok := fromSockaddr(sa)
	if !ok {
		return transport.Addr{}, unix.EAFNOSUPPORT
	}
	return addr, nil
}

func (c *conn) SetImportance(level uint32) error {
	return c.control(func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_TIPC, unix.TIPC_IMPORTANCE, int(level))
	})
}

func (c *conn) SetRejectable(rejectable bool) error {
	droppable := 1
	if rejectable {
		droppable = 0
	}
	return c.control(func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_TIPC, unix.TIPC_DEST_DROPPABLE, droppable)
	})
}

func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return transport.ErrClosed
	}
	return c.f.Close()
}

func (c *conn) control(fn func(fd int) error) error {
	var opErr error
	err := c.rc.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	})
	if err != nil {
		return c.wrap(err)
	}
	return c.wrap(opErr)
}

func (c *conn) read(ctx context.Context, fn func(fd int) bool) error {
	defer c.watch(ctx, c.f.SetReadDeadline)()
	err := c.rc.Read(func(fd uintptr) bool {
		return fn(int(fd))
	})
	return c.ioErr(ctx, err)
}

func (c *conn) write(ctx context.Context, fn func(fd int) bool) error {
	defer c.watch(ctx, c.f.SetWriteDeadline)()
	err := c.rc.Write(func(fd uintptr) bool {
		return fn(int(fd))
	})
	return c.ioErr(ctx, err)
}

// watch maps the context onto the poller deadline. The returned function
// MUST be called once the operation is over.
func (c *conn) watch(ctx context.Context, setDeadline func(time.Time) error) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = setDeadline(deadline)
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = setDeadline(time.Unix(1, 0))
	})

	return func() {
		if !stop() {
			<-fired
		}
		_ = setDeadline(time.Time{})
	}
}

func (c *conn) ioErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return context.DeadlineExceeded
	}
	return c.wrap(err)
}

func (c *conn) wrap(err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() || errors.Is(err, os.ErrClosed) {
		return transport.ErrClosed
	}
	return err
}
