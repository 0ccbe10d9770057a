//go:build linux

package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/raskyld/tipc/pkg/transport"
)

func TestSockaddr_Conversion(t *testing.T) {
	addrs := []transport.Addr{
		transport.SocketAddr(0x1001001, 42),
		transport.ServiceAddr(1000, 7, 0x1001001),
		transport.RangeAddr(1000, 1, 10),
	}
	for _, addr := range addrs {
		addr.Scope = unix.TIPC_CLUSTER_SCOPE
		sa, err := toSockaddr(addr)
		require.NoError(t, err)
		back, ok := fromSockaddr(sa)
		require.True(t, ok)
		require.Equal(t, addr, back, "conversion should be lossless")
	}

	_, err := toSockaddr(transport.Addr{})
	require.ErrorIs(t, err, unix.EINVAL)
}

// openOrSkip skips on hosts without the tipc module loaded.
func openOrSkip(t *testing.T, d *Driver, kind transport.Kind) transport.Conn {
	t.Helper()
	c, err := d.Open(kind)
	if errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.EPERM) {
		t.Skipf("AF_TIPC not available: %s", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDriver_RecvUnblockedByClose(t *testing.T) {
	d := New()
	c := openOrSkip(t, d, transport.Datagram)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Recv(context.Background(), make([]byte, 64))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("recv was not unblocked by close")
	}
	require.ErrorIs(t, c.Close(), transport.ErrClosed)
}

func TestDriver_RecvHonoursContext(t *testing.T) {
	d := New()
	c := openOrSkip(t, d, transport.Datagram)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Recv(ctx, make([]byte, 64))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDriver_DatagramRoundTrip(t *testing.T) {
	d := New()
	srv := openOrSkip(t, d, transport.Datagram)
	cli := openOrSkip(t, d, transport.Datagram)

	bind := transport.ServiceAddr(18888, 17, 0)
	bind.Scope = unix.TIPC_NODE_SCOPE
	require.NoError(t, srv.Bind(bind))

	node, err := d.OwnNode()
	require.NoError(t, err)
	require.NotZero(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.SendTo(ctx, transport.ServiceAddr(18888, 17, 0), []byte("hello")))

	buf := make([]byte, 64)
	msg, err := srv.Recv(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:msg.N]))
	require.Equal(t, transport.AddrSocket, msg.Source.Type)
	require.Equal(t, node, msg.Source.Node)
	require.Equal(t, uint32(17), msg.Destination.Lower)
}

func TestDriver_LinkNameOfUnknownPeer(t *testing.T) {
	d := New()
	_ = openOrSkip(t, d, transport.Datagram)

	_, err := d.LinkName(0xdead, 0)
	require.Error(t, err, "no link towards a node which does not exist")
}

func TestDriver_ShutdownUnconnected(t *testing.T) {
	d := New()
	c := openOrSkip(t, d, transport.SeqPacket)
	require.ErrorIs(t, c.Shutdown(), unix.ENOTCONN)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Shutdown(), transport.ErrClosed)
}

func TestDriver_AncillaryBuffersAreReused(t *testing.T) {
	oob := oobPool.Get().(*[]byte)
	require.Len(t, *oob, oobSize, "room for returned data of any size")
	oobPool.Put(oob)

	d := New()
	srv := openOrSkip(t, d, transport.Datagram)
	cli := openOrSkip(t, d, transport.Datagram)
	bind := transport.ServiceAddr(18889, 1, 0)
	bind.Scope = unix.TIPC_NODE_SCOPE
	require.NoError(t, srv.Bind(bind))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 64)
	for _, payload := range []string{"first", "second"} {
		require.NoError(t, cli.SendTo(ctx, transport.ServiceAddr(18889, 1, 0), []byte(payload)))
		msg, err := srv.Recv(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, payload, string(buf[:msg.N]))
		require.Equal(t, uint32(1), msg.Destination.Lower, "ancillary data of a reused buffer")
	}
}
