package tipc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/tipc/pkg/transport/loopback"
)

// listener returns a listening socket bound to testService:instance.
func listener(t *testing.T, cl *loopback.Cluster, node uint32, kind Kind, instance uint32) *Socket {
	t.Helper()
	ln := newTestSocket(t, kind, nodeOpts(cl, node)...)
	require.NoError(t, ln.Bind(mustService(t, testService, instance), ClusterScope))
	require.NoError(t, ln.Listen())
	return ln
}

func accept(t *testing.T, ln *Socket) *Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := ln.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetup_Explicit(t *testing.T) {
	for _, kind := range []Kind{SeqPacket, Stream} {
		t.Run(kind.String(), func(t *testing.T) {
			cl := loopback.NewCluster()
			sink := testSink()
			ln := listener(t, cl, testNode1, kind, 1)
			cli := newTestSocket(t, kind, nodeOpts(cl, testNode2, WithMetricSink(sink))...)

			errCh := make(chan error, 1)
			go func() {
				errCh <- cli.Connect(context.Background(), mustService(t, testService, 1))
			}()
			srv := accept(t, ln)
			require.NoError(t, <-errCh)

			require.Equal(t, Established{Peer: srv.LocalAddr()}, cli.State())
			require.Equal(t, Established{Peer: cli.LocalAddr()}, srv.State())
			require.Equal(t, float64(1), counter(sink, MetricSetupCount))

			ctx := context.Background()
			require.NoError(t, cli.Send(ctx, []byte("request")))
			require.Equal(t, "request", string(receive(t, srv).Payload))
			require.NoError(t, srv.Send(ctx, []byte("response")))
			require.Equal(t, "response", string(receive(t, cli).Payload))

			require.ErrorIs(t, cli.Connect(ctx, mustService(t, testService, 1)), ErrAlreadyConnected)

			require.NoError(t, srv.Close())
			_, err := cli.Receive(ctx)
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestSetup_Shutdown(t *testing.T) {
	cl := loopback.NewCluster()
	ln := listener(t, cl, testNode1, Stream, 1)
	cli := newTestSocket(t, Stream, nodeOpts(cl, testNode2)...)
	require.ErrorIs(t, cli.Shutdown(), ErrNotConnected)

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- cli.Connect(ctx, mustService(t, testService, 1)) }()
	srv := accept(t, ln)
	require.NoError(t, <-errCh)

	require.NoError(t, cli.Send(ctx, []byte("last words")))
	require.NoError(t, cli.Shutdown())

	require.Equal(t, "last words", string(receive(t, srv).Payload))
	_, err := srv.Receive(ctx)
	require.ErrorIs(t, err, io.EOF)
	_, err = cli.Receive(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, cli.Send(ctx, []byte("more")), ErrNotConnected)
	require.ErrorIs(t, cli.Shutdown(), ErrNotConnected, "already shut down")

	require.NoError(t, cli.Close())
	require.ErrorIs(t, cli.Shutdown(), ErrClosed)
	dgram := newTestSocket(t, Datagram, nodeOpts(cl, testNode2)...)
	require.ErrorIs(t, dgram.Shutdown(), ErrWrongKind)
}

func TestSetup_ExplicitToSocketAddress(t *testing.T) {
	cl := loopback.NewCluster()
	ln := listener(t, cl, testNode1, SeqPacket, 1)
	cli := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode1)...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- cli.Connect(context.Background(), ln.LocalAddr())
	}()
	srv := accept(t, ln)
	require.NoError(t, <-errCh)
	peer, err := cli.PeerAddr()
	require.NoError(t, err)
	require.Equal(t, srv.LocalAddr(), peer)
}

func TestSetup_ExplicitTimeout(t *testing.T) {
	cl := loopback.NewCluster()
	mock := clock.NewMock()
	listener(t, cl, testNode1, SeqPacket, 1)

	cli := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode2, WithClock(mock), WithConnectTimeout(time.Second))...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- cli.Connect(context.Background(), mustService(t, testService, 1))
	}()

	require.Eventually(t, func() bool {
		_, pending := cli.State().(SetupPending)
		return pending
	}, time.Second, time.Millisecond)
	pending := cli.State().(SetupPending)
	require.Equal(t, Explicit, pending.Style)
	require.Equal(t, mock.Now(), pending.InitiatedAt)

	// The deadline is armed right after the state changes, keep moving
	// the clock until it fires.
	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case err = <-errCh:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrSetupFailed)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, Failed{Reason: ErrTimeout}, cli.State())

	err = cli.Connect(context.Background(), mustService(t, testService, 1))
	require.ErrorIs(t, err, ErrSetupFailed, "a failed socket cannot be reused")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSetup_ExplicitNoRoute(t *testing.T) {
	cl := loopback.NewCluster()
	cli := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode1)...)

	err := cli.Connect(context.Background(), mustService(t, testService, 404))
	require.ErrorIs(t, err, ErrNoRouteToHost)
	require.Equal(t, Failed{Reason: ErrNoRouteToHost}, cli.State())
	require.ErrorIs(t, cli.SendTo(context.Background(), mustService(t, testService, 404), nil), ErrSetupFailed)
}

func TestSetup_Implicit(t *testing.T) {
	cl := loopback.NewCluster()
	ln := listener(t, cl, testNode1, SeqPacket, 1)
	cli := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode2)...)

	ctx := context.Background()
	addr := mustService(t, testService, 1)
	require.NoError(t, cli.SendTo(ctx, addr, []byte("hello")))
	pending, ok := cli.State().(SetupPending)
	require.True(t, ok)
	require.Equal(t, Implicit, pending.Style)
	require.ErrorIs(t, cli.Send(ctx, []byte("too soon")), ErrSetupPending)

	srv := accept(t, ln)
	first := receive(t, srv)
	require.Equal(t, "hello", string(first.Payload))
	require.Equal(t, cli.LocalAddr(), first.Source)
	require.Equal(t, addr.Range(), first.Destination)

	require.NoError(t, srv.Send(ctx, []byte("world")))
	reply := receive(t, cli)
	require.Equal(t, "world", string(reply.Payload))
	require.Equal(t, Established{Peer: srv.LocalAddr()}, cli.State())

	require.NoError(t, cli.Send(ctx, []byte("again")))
	require.Equal(t, "again", string(receive(t, srv).Payload))
}

func TestSetup_ImplicitNoRoute(t *testing.T) {
	cl := loopback.NewCluster()
	cli := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode1)...)

	err := cli.SendTo(context.Background(), mustService(t, testService, 404), []byte("x"))
	require.ErrorIs(t, err, ErrNoRouteToHost)
	require.Equal(t, Failed{Reason: ErrNoRouteToHost}, cli.State())
}

func TestSetup_ImplicitRejected(t *testing.T) {
	cl := loopback.NewCluster()
	notListening := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode1)...)
	require.NoError(t, notListening.Bind(mustService(t, testService, 1), ClusterScope))

	cli := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode2)...)
	require.NoError(t, cli.SendTo(context.Background(), mustService(t, testService, 1), []byte("x")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := cli.Receive(ctx)
	require.ErrorIs(t, err, ErrSetupFailed)
	require.ErrorIs(t, err, ErrNoRouteToHost)
	require.Equal(t, Failed{Reason: ErrNoRouteToHost}, cli.State())
}

func TestSetup_ListenerCloseRefusesPending(t *testing.T) {
	cl := loopback.NewCluster()
	ln, err := Open(SeqPacket, nodeOpts(cl, testNode1)...)
	require.NoError(t, err)
	require.NoError(t, ln.Bind(mustService(t, testService, 1), ClusterScope))
	require.NoError(t, ln.Listen())

	cli := newTestSocket(t, SeqPacket, nodeOpts(cl, testNode2)...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- cli.Connect(context.Background(), mustService(t, testService, 1))
	}()
	require.Eventually(t, func() bool {
		_, pending := cli.State().(SetupPending)
		return pending
	}, time.Second, time.Millisecond)

	// Give the request time to reach the backlog.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ln.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNoRouteToHost)
	case <-time.After(2 * time.Second):
		t.Fatal("connect should have been refused")
	}
}

func TestSetupMachine_Transitions(t *testing.T) {
	mock := clock.NewMock()
	m := newSetupMachine(mock)
	require.Equal(t, Unconnected{}, m.current())

	_, ok := m.establish(SocketAddress{node: 1, ref: 1})
	require.False(t, ok, "only a pending setup can complete")

	require.NoError(t, m.begin(Implicit))
	require.ErrorIs(t, m.begin(Explicit), ErrSetupPending)
	require.True(t, m.pendingImplicit())

	style, ok := m.establish(SocketAddress{node: 1, ref: 2})
	require.True(t, ok)
	require.Equal(t, Implicit, style)
	_, ok = m.fail(ErrTimeout)
	require.False(t, ok, "established is not pending anymore")
	require.Equal(t, Established{Peer: SocketAddress{node: 1, ref: 2}}, m.current())
}
