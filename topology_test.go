package tipc

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/tipc/pkg/transport/loopback"
)

func newTestSubscription(t *testing.T, filter Filter, opts ...Option) *Subscription {
	t.Helper()
	sub, err := Subscribe(context.Background(), filter, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Cancel() })
	return sub
}

// nextRawEvent returns the next event, Synced included.
func nextRawEvent(t *testing.T, sub *Subscription) TopologyEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "event stream ended: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no topology event")
		return TopologyEvent{}
	}
}

func nextEvent(t *testing.T, sub *Subscription) TopologyEvent {
	t.Helper()
	for {
		if ev := nextRawEvent(t, sub); ev.Kind != Synced {
			return ev
		}
	}
}

func noEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(20 * time.Millisecond)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind != Synced {
				t.Fatalf("unexpected event %s", ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestSubscription_AllEvents(t *testing.T) {
	cl := loopback.NewCluster()
	early := newTestSocket(t, Datagram, nodeOpts(cl, testNode2)...)
	require.NoError(t, early.Bind(mustRange(t, testService, 0, 100), ClusterScope))

	sub := newTestSubscription(t, ServiceFilter(mustRange(t, testService, 10, 20)), nodeOpts(cl, testNode1)...)

	ev := nextEvent(t, sub)
	require.Equal(t, Appeared, ev.Kind)
	require.Equal(t, mustRange(t, testService, 10, 20), ev.Service, "clamped to the subscription")
	require.Equal(t, early.LocalAddr(), ev.Socket)
	require.Equal(t, NodeAddress(testNode2), ev.Node())

	late := newTestSocket(t, Datagram, nodeOpts(cl, testNode3)...)
	require.NoError(t, late.Bind(mustService(t, testService, 15), ClusterScope))
	ev = nextEvent(t, sub)
	require.Equal(t, TopologyEvent{Kind: Appeared, Service: mustRange(t, testService, 15, 15), Socket: late.LocalAddr(), Generation: 1}, ev)

	outside := newTestSocket(t, Datagram, nodeOpts(cl, testNode3)...)
	require.NoError(t, outside.Bind(mustService(t, testService, 50), ClusterScope))
	require.NoError(t, outside.Bind(mustService(t, testService+1, 15), ClusterScope))

	require.NoError(t, late.Close())
	ev = nextEvent(t, sub)
	require.Equal(t, Withdrawn, ev.Kind)
	require.Equal(t, late.LocalAddr(), ev.Socket)
	noEvent(t, sub)
}

func TestSubscription_NodeScopedBindingsStayLocal(t *testing.T) {
	cl := loopback.NewCluster()
	sub := newTestSubscription(t, ServiceFilter(mustRange(t, testService, 0, 10)), nodeOpts(cl, testNode1)...)

	remote := newTestSocket(t, Datagram, nodeOpts(cl, testNode2)...)
	require.NoError(t, remote.Bind(mustService(t, testService, 1), NodeScope))
	noEvent(t, sub)

	local := newTestSocket(t, Datagram, nodeOpts(cl, testNode1)...)
	require.NoError(t, local.Bind(mustService(t, testService, 1), NodeScope))
	require.Equal(t, local.LocalAddr(), nextEvent(t, sub).Socket)
}

func TestSubscription_EdgeEvents(t *testing.T) {
	cl := loopback.NewCluster()
	sub := newTestSubscription(t, Filter{Service: mustRange(t, testService, 1, 1), Mode: EdgeEvents}, nodeOpts(cl, testNode1)...)

	first := newTestSocket(t, Datagram, nodeOpts(cl, testNode2)...)
	second := newTestSocket(t, Datagram, nodeOpts(cl, testNode3)...)
	require.NoError(t, first.Bind(mustService(t, testService, 1), ClusterScope))
	require.NoError(t, second.Bind(mustService(t, testService, 1), ClusterScope))

	require.Equal(t, Appeared, nextEvent(t, sub).Kind)
	noEvent(t, sub)

	require.NoError(t, first.Close())
	noEvent(t, sub)
	require.NoError(t, second.Close())
	require.Equal(t, Withdrawn, nextEvent(t, sub).Kind)
}

func TestSubscription_Nodes(t *testing.T) {
	cl := loopback.NewCluster()
	cl.Node(testNode2)
	sub := newTestSubscription(t, NodeFilter(), nodeOpts(cl, testNode1)...)

	seen := map[NodeAddress]bool{}
	for range 2 {
		ev := nextEvent(t, sub)
		require.Equal(t, Appeared, ev.Kind)
		require.Equal(t, ev.Service.Lower(), uint32(ev.Node()))
		seen[ev.Node()] = true
	}
	require.Equal(t, map[NodeAddress]bool{testNode1: true, testNode2: true}, seen)

	cl.RemoveNode(testNode2)
	ev := nextEvent(t, sub)
	require.Equal(t, Withdrawn, ev.Kind)
	require.Equal(t, NodeAddress(testNode2), ev.Node())
}

func TestTopologyEvent_Link(t *testing.T) {
	up := TopologyEvent{
		Kind:    Appeared,
		Service: ServiceRange{typ: LinkFilter().Service.typ, lower: testNode2, upper: testNode2},
		Socket:  SocketAddress{node: testNode1, ref: 3<<16 | 1},
	}
	link, ok := up.Link()
	require.True(t, ok)
	require.Equal(t, LinkEvent{Up: true, Neighbor: testNode2, LocalBearer: 1, PeerBearer: 3}, link)

	down := up
	down.Kind = Withdrawn
	link, ok = down.Link()
	require.True(t, ok)
	require.False(t, link.Up)

	_, ok = TopologyEvent{Kind: Appeared, Service: mustRange(t, testService, 1, 1)}.Link()
	require.False(t, ok, "not a link")
	_, ok = TopologyEvent{Kind: Synced, Service: LinkFilter().Service}.Link()
	require.False(t, ok)
}

func TestLinkName_Unsupported(t *testing.T) {
	cl := loopback.NewCluster()
	_, err := LinkName(testNode2, 1, nodeOpts(cl, testNode1)...)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestSubscription_ResubscribeAfterDrop(t *testing.T) {
	cl := loopback.NewCluster()
	sink := testSink()
	srv := newTestSocket(t, Datagram, nodeOpts(cl, testNode2)...)
	require.NoError(t, srv.Bind(mustService(t, testService, 1), ClusterScope))

	sub := newTestSubscription(t, ServiceFilter(mustRange(t, testService, 0, 10)),
		nodeOpts(cl, testNode1, WithMetricSink(sink), WithResubscribeBackoff(time.Millisecond, 10*time.Millisecond))...)
	first := nextEvent(t, sub)

	cl.DropTopology()

	// The snapshot of the new session replays what is still bound.
	replayed := nextEvent(t, sub)
	require.Equal(t, uint64(2), replayed.Generation)
	replayed.Generation = first.Generation
	require.Equal(t, first, replayed)
	require.Eventually(t, func() bool {
		return counter(sink, MetricTopologyReconnectCount) == 1
	}, time.Second, time.Millisecond)

	other := newTestSocket(t, Datagram, nodeOpts(cl, testNode3)...)
	require.NoError(t, other.Bind(mustService(t, testService, 2), ClusterScope))
	ev := nextEvent(t, sub)
	require.Equal(t, Appeared, ev.Kind)
	require.Equal(t, other.LocalAddr(), ev.Socket)
	require.NoError(t, sub.Err())
}

func TestSubscription_SyncedEndsEverySnapshot(t *testing.T) {
	cl := loopback.NewCluster()
	srv := newTestSocket(t, Datagram, nodeOpts(cl, testNode2)...)
	require.NoError(t, srv.Bind(mustService(t, testService, 1), ClusterScope))
	gone := newTestSocket(t, Datagram, nodeOpts(cl, testNode3)...)
	require.NoError(t, gone.Bind(mustService(t, testService, 2), ClusterScope))

	filter := ServiceFilter(mustRange(t, testService, 0, 10))
	sub := newTestSubscription(t, filter,
		nodeOpts(cl, testNode1, WithResubscribeBackoff(10*time.Millisecond, 10*time.Millisecond))...)

	snapshot := map[SocketAddress]bool{}
	for range 2 {
		ev := nextRawEvent(t, sub)
		require.Equal(t, Appeared, ev.Kind)
		require.Equal(t, uint64(1), ev.Generation)
		snapshot[ev.Socket] = true
	}
	require.Equal(t, map[SocketAddress]bool{srv.LocalAddr(): true, gone.LocalAddr(): true}, snapshot)
	require.Equal(t, TopologyEvent{Kind: Synced, Service: filter.Service, Generation: 1}, nextRawEvent(t, sub))

	// Withdrawn while nobody listens.
	cl.DropTopology()
	require.NoError(t, gone.Close())

	ev := nextRawEvent(t, sub)
	require.Equal(t, Appeared, ev.Kind)
	require.Equal(t, srv.LocalAddr(), ev.Socket)
	require.Equal(t, uint64(2), ev.Generation)
	require.Equal(t, TopologyEvent{Kind: Synced, Service: filter.Service, Generation: 2}, nextRawEvent(t, sub))
	noEvent(t, sub)
}

func TestSubscription_Timeout(t *testing.T) {
	mock := clock.NewMock()
	cl := loopback.NewCluster(loopback.WithClock(mock))
	sub := newTestSubscription(t, Filter{Service: mustRange(t, testService, 0, 10), Timeout: time.Second}, nodeOpts(cl, testNode1)...)

	require.Equal(t, Synced, nextRawEvent(t, sub).Kind)
	mock.Add(time.Second)
	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription should have expired")
	}
	require.ErrorIs(t, sub.Err(), ErrTimeout)
}

func TestSubscription_Cancel(t *testing.T) {
	cl := loopback.NewCluster()
	sub, err := Subscribe(context.Background(), ServiceFilter(mustRange(t, testService, 0, 10)), nodeOpts(cl, testNode1)...)
	require.NoError(t, err)

	require.NoError(t, sub.Cancel())
	_, ok := <-sub.Events()
	require.False(t, ok)
	require.NoError(t, sub.Err())
	require.ErrorIs(t, sub.Cancel(), ErrClosed)

	s := newTestSocket(t, Datagram, nodeOpts(cl, testNode1)...)
	require.NoError(t, s.Bind(mustService(t, testService, 1), ClusterScope))
}

func TestSubscribe_Invalid(t *testing.T) {
	cl := loopback.NewCluster()
	_, err := Subscribe(context.Background(), Filter{Service: ServiceRange{typ: testService, lower: 2, upper: 1}}, nodeOpts(cl, testNode1)...)
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = Subscribe(context.Background(), Filter{Service: mustRange(t, testService, 1, 2), Mode: 7}, nodeOpts(cl, testNode1)...)
	require.ErrorIs(t, err, ErrInvalidCfg)
	_, err = Subscribe(context.Background(), Filter{Service: mustRange(t, testService, 1, 2), Timeout: -time.Second}, nodeOpts(cl, testNode1)...)
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestWaitFor(t *testing.T) {
	cl := loopback.NewCluster()
	addr := mustService(t, testService, 3)

	errCh := make(chan error, 1)
	go func() {
		errCh <- WaitFor(context.Background(), addr, nodeOpts(cl, testNode1)...)
	}()

	time.Sleep(10 * time.Millisecond)
	s := newTestSocket(t, Datagram, nodeOpts(cl, testNode2)...)
	require.NoError(t, s.Bind(addr, ClusterScope))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait for should have returned")
	}

	require.NoError(t, WaitFor(context.Background(), addr, nodeOpts(cl, testNode3)...), "already bound")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := WaitFor(ctx, mustService(t, testService, 4), nodeOpts(cl, testNode1)...)
	require.ErrorIs(t, err, ErrTimeout)
}
