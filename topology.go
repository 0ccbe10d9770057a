package tipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/raskyld/tipc/pkg/transport"
)

// FilterMode selects which changes of the binding table are reported.
type FilterMode uint8

const (
	// AllEvents reports every socket binding or unbinding.
	AllEvents FilterMode = iota
	// EdgeEvents only reports the first binding and the last unbinding of
	// a range.
	EdgeEvents
)

func (m FilterMode) String() string {
	switch m {
	case AllEvents:
		return "all"
	case EdgeEvents:
		return "edge"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Filter of a topology `Subscription`.
type Filter struct {
	Service ServiceRange
	Mode    FilterMode
	// Timeout ends the subscription after that long, zero means never.
	Timeout time.Duration
}

// ServiceFilter follows every binding overlapping r.
func ServiceFilter(r ServiceRange) Filter {
	return Filter{Service: r}
}

// NodeFilter follows nodes joining and leaving the cluster. The
// instance of the events is the address of the node.
func NodeFilter() Filter {
	return Filter{
		Service: ServiceRange{typ: transport.NodeStateService, upper: math.MaxUint32},
		Mode:    EdgeEvents,
	}
}

// LinkFilter follows the links of the node going up and down.
func LinkFilter() Filter {
	return Filter{Service: ServiceRange{typ: transport.LinkStateService, upper: math.MaxUint32}}
}

var handles atomic.Uint64

func (f Filter) validate() error {
	if f.Service.lower > f.Service.upper {
		return fmt.Errorf("%w: filter range %s", ErrInvalidAddress, f.Service)
	}
	if f.Mode > EdgeEvents {
		return fmt.Errorf("%w: unknown filter %s", ErrInvalidCfg, f.Mode)
	}
	if f.Timeout < 0 {
		return fmt.Errorf("%w: negative subscription timeout", ErrInvalidCfg)
	}
	return nil
}

func (f Filter) raw() transport.Subscr {
	sub := transport.Subscr{
		Service: f.Service.typ,
		Lower:   f.Service.lower,
		Upper:   f.Service.upper,
		Timeout: transport.WaitForever,
		Filter:  transport.FilterPorts,
	}
	if f.Mode == EdgeEvents {
		sub.Filter = transport.FilterService
	}
	if f.Timeout > 0 {
		sub.Timeout = uint32(min(f.Timeout.Milliseconds(), math.MaxUint32-1))
	}
	binary.NativeEndian.PutUint64(sub.Handle[:], handles.Add(1))
	return sub
}

// EventKind of a `TopologyEvent`.
type EventKind uint8

const (
	Appeared EventKind = iota + 1
	Withdrawn
	// Synced follows the bindings reported when a connection to the
	// topology server starts. A binding of the previous generation which
	// was not reported again before it is gone.
	Synced
)

func (k EventKind) String() string {
	switch k {
	case Appeared:
		return "appeared"
	case Withdrawn:
		return "withdrawn"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// TopologyEvent reports a binding appearing or being withdrawn.
type TopologyEvent struct {
	Kind EventKind
	// Service is the part of the binding within the subscribed range.
	Service ServiceRange
	// Socket is the bound socket. Node events carry no port reference.
	Socket SocketAddress
	// Generation counts the connections to the topology server, starting
	// at 1. Every event of a connection carries its generation.
	Generation uint64
}

// Node the event comes from.
func (e TopologyEvent) Node() NodeAddress { return e.Socket.Node() }

func (e TopologyEvent) String() string {
	if e.Kind == Synced {
		return fmt.Sprintf("%s synced (generation %d)", e.Service, e.Generation)
	}
	return fmt.Sprintf("%s %s on %s", e.Service, e.Kind, e.Socket)
}

// LinkEvent is a link of the local node going up or down.
type LinkEvent struct {
	Up       bool
	Neighbor NodeAddress
	// LocalBearer and PeerBearer identify the bearer the link runs over
	// on each end, see `LinkName`.
	LocalBearer uint32
	PeerBearer  uint32
}

// Link decodes an event of a `LinkFilter` subscription. The link state
// service is bound with the neighbor as instance and both bearer
// identities packed in the port reference.
func (e TopologyEvent) Link() (LinkEvent, bool) {
	if e.Service.typ != transport.LinkStateService || e.Kind == Synced {
		return LinkEvent{}, false
	}
	return LinkEvent{
		Up:          e.Kind == Appeared,
		Neighbor:    NodeAddress(e.Service.lower),
		LocalBearer: e.Socket.ref & 0xffff,
		PeerBearer:  e.Socket.ref >> 16 & 0xffff,
	}, true
}

// LinkName asks the transport for the name of the link towards neighbor
// over bearer. Transports which do not name links return
// `ErrUnsupported`.
func LinkName(neighbor NodeAddress, bearer uint32, opts ...Option) (string, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return "", err
	}
	namer, ok := cfg.driver.(transport.LinkNamer)
	if !ok {
		return "", fmt.Errorf("%w: link names", ErrUnsupported)
	}
	name, err := namer.LinkName(uint32(neighbor), bearer)
	if err != nil {
		return "", mapErr(fmt.Sprintf("link name of %s/%d", neighbor, bearer), err)
	}
	return name, nil
}

// topologyAddr is where the topology server of every node listens.
var topologyAddr = ServiceAddress{
	typ:      transport.TopologyService,
	instance: transport.TopologyService,
	scope:    NodeScope,
}

// Subscription streams the changes of the binding table matching a
// `Filter`.
//
// The connection to the topology server is restored transparently when
// it breaks. The server then replays everything currently bound, so
// consumers must ignore an `Appeared` event for a binding they already
// know. Withdrawals happening while disconnected are never reported:
// once the replay is over, a `Synced` event is sent and a binding which
// did not appear again in its generation should be considered gone.
type Subscription struct {
	cfg    *config
	logger *slog.Logger
	filter Filter
	raw    transport.Subscr
	// marker subscribes to the topology server itself, its report
	// arriving right after the snapshot of raw.
	marker transport.Subscr

	// owned by the reader.
	generation uint64
	synced     bool

	ctx    context.Context
	cancel context.CancelFunc
	in     chan TopologyEvent
	out    chan TopologyEvent
	wg     sync.WaitGroup

	lk       sync.Mutex
	sock     *Socket
	err      error
	canceled bool
}

// Subscribe to the topology server of the local node.
func Subscribe(ctx context.Context, filter Filter, opts ...Option) (*Subscription, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return subscribe(ctx, cfg, filter)
}

func subscribe(ctx context.Context, cfg *config, filter Filter) (*Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}

	sub := &Subscription{
		cfg:    cfg,
		filter: filter,
		raw:    filter.raw(),
		marker: Filter{Service: topologyAddr.Range()}.raw(),
		in:     make(chan TopologyEvent),
		out:    make(chan TopologyEvent),
	}
	sub.logger = cfg.logger().With(LabelService.L(filter.Service.String()), "mode", filter.Mode)

	sock, err := sub.dial(ctx)
	if err != nil {
		return nil, err
	}
	sub.sock = sock
	sub.ctx, sub.cancel = context.WithCancel(context.Background())

	sub.wg.Add(2)
	go sub.read(sock)
	go sub.pump()
	sub.logger.Debug("subscribed to topology")
	return sub, nil
}

// Events returns the stream of events. It is closed once the
// subscription is cancelled or ends, see `Subscription.Err`.
func (sub *Subscription) Events() <-chan TopologyEvent {
	return sub.out
}

// Err tells why the event stream ended. It is nil while the stream is
// running and after `Cancel`, and `ErrTimeout` when the filter timeout
// expired.
func (sub *Subscription) Err() error {
	sub.lk.Lock()
	defer sub.lk.Unlock()
	return sub.err
}

// Cancel the subscription. Events not yet read are dropped.
func (sub *Subscription) Cancel() error {
	sub.lk.Lock()
	if sub.canceled {
		sub.lk.Unlock()
		return ErrClosed
	}
	sub.canceled = true
	sock := sub.sock
	sub.lk.Unlock()

	var result *multierror.Error
	if sock != nil {
		frame, _ := sub.cancelFrame()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := sock.Send(ctx, frame)
		cancel()
		if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNotConnected) {
			result = multierror.Append(result, fmt.Errorf("topology: cancel: %w", err))
		}
	}

	sub.cancel()
	if sock != nil {
		if err := sock.Close(); err != nil && !errors.Is(err, ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	sub.wg.Wait()
	sub.logger.Debug("topology subscription cancelled")
	return result.ErrorOrNil()
}

func (sub *Subscription) cancelFrame() ([]byte, error) {
	raw := sub.raw
	raw.Filter |= transport.FilterCancel
	return raw.MarshalBinary()
}

// dial connects to the topology server and places the subscription.
func (sub *Subscription) dial(ctx context.Context) (*Socket, error) {
	sock, err := openSocket(sub.cfg, SeqPacket)
	if err != nil {
		return nil, err
	}
	if err := sock.Connect(ctx, topologyAddr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("topology: %w", err)
	}

	frame, err := sub.raw.MarshalBinary()
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Send(ctx, frame); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("topology: subscribe: %w", err)
	}

	frame, err = sub.marker.MarshalBinary()
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Send(ctx, frame); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("topology: subscribe: %w", err)
	}

	sub.generation++
	sub.synced = false
	return sock, nil
}

func (sub *Subscription) read(sock *Socket) {
	defer sub.wg.Done()
	defer close(sub.in)

	for {
		msg, err := sock.Receive(sub.ctx)
		if sub.ctx.Err() != nil {
			return
		}
		if err == nil {
			if sub.handle(msg) {
				return
			}
			continue
		}

		sub.logger.Warn("lost topology connection", LabelError.L(err))
		sock, err = sub.reconnect(sock)
		if err != nil {
			return
		}
	}
}

// handle forwards one event of the server, it reports whether the
// stream ended.
func (sub *Subscription) handle(msg Message) bool {
	if msg.Kind != MessageData {
		sub.logger.Debug("ignoring returned topology message", LabelReason.L(msg.Reason.String()))
		return false
	}

	var raw transport.Event
	if err := raw.UnmarshalBinary(msg.Payload); err != nil {
		sub.finish(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
		return true
	}

	if raw.Subscr.Handle == sub.marker.Handle {
		if raw.Event != transport.EventPublished || sub.synced {
			return false
		}
		sub.synced = true
		return sub.forward(TopologyEvent{Kind: Synced, Service: sub.filter.Service, Generation: sub.generation})
	}

	var kind EventKind
	switch raw.Event {
	case transport.EventPublished:
		kind = Appeared
	case transport.EventWithdrawn:
		kind = Withdrawn
	case transport.EventTimeout:
		sub.logger.Debug("topology subscription timed out")
		sub.finish(ErrTimeout)
		return true
	default:
		sub.logger.Warn("unknown topology event", LabelEvent.L(raw.Event))
		return false
	}

	return sub.forward(TopologyEvent{
		Kind:       kind,
		Service:    ServiceRange{typ: raw.Subscr.Service, lower: raw.Lower, upper: raw.Upper},
		Socket:     SocketAddress{node: raw.Node, ref: raw.Ref},
		Generation: sub.generation,
	})
}

func (sub *Subscription) forward(ev TopologyEvent) bool {
	sub.cfg.metricSink.IncrCounterWithLabels(
		MetricTopologyEventCount,
		1,
		withLabels(sub.cfg.metricLabels, LabelEvent.M(ev.Kind.String())),
	)

	select {
	case sub.in <- ev:
		return false
	case <-sub.ctx.Done():
		return true
	}
}

// finish ends the stream with err and releases the connection.
func (sub *Subscription) finish(err error) {
	sub.lk.Lock()
	if sub.err == nil {
		sub.err = err
	}
	sock := sub.sock
	sub.lk.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}

// reconnect retries to subscribe until it succeeds or the subscription
// is cancelled, waiting longer after each failure.
func (sub *Subscription) reconnect(old *Socket) (*Socket, error) {
	_ = old.Close()

	backoff := sub.cfg.backoffMin
	for {
		timer := sub.cfg.clock.Timer(backoff)
		select {
		case <-sub.ctx.Done():
			timer.Stop()
			return nil, sub.ctx.Err()
		case <-timer.C:
		}

		sock, err := sub.dial(sub.ctx)
		if err == nil {
			sub.lk.Lock()
			if sub.canceled {
				sub.lk.Unlock()
				_ = sock.Close()
				return nil, ErrClosed
			}
			sub.sock = sock
			sub.lk.Unlock()

			sub.cfg.metricSink.IncrCounterWithLabels(MetricTopologyReconnectCount, 1, sub.cfg.metricLabels)
			sub.logger.Info("resubscribed to topology")
			return sock, nil
		}

		sub.logger.Warn("topology reconnection failed", LabelError.L(err), "backoff", backoff)
		backoff = min(2*backoff, sub.cfg.backoffMax)
	}
}

// pump decouples the server from a slow consumer, buffering as many
// events as needed.
func (sub *Subscription) pump() {
	defer sub.wg.Done()
	defer close(sub.out)

	var pending []TopologyEvent
	in := sub.in
	for in != nil || len(pending) > 0 {
		var (
			out  chan<- TopologyEvent
			next TopologyEvent
		)
		if len(pending) > 0 {
			out = sub.out
			next = pending[0]
		}

		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, ev)
		case out <- next:
			pending = pending[1:]
		case <-sub.ctx.Done():
			return
		}
	}
}

// WaitFor blocks until addr is bound by some socket visible from the
// local node.
func WaitFor(ctx context.Context, addr ServiceAddress, opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return err
	}
	if addr.IsZero() {
		return ErrInvalidAddress
	}
	node, err := cfg.driver.OwnNode()
	if err != nil {
		return mapErr("own node", err)
	}

	sub, err := subscribe(ctx, cfg, Filter{Service: addr.Range()})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Cancel() }()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return ErrClosed
			}
			if ev.Kind != Appeared {
				continue
			}
			if addr.scope == NodeScope && ev.Socket.node != node {
				continue
			}
			return nil
		case <-ctx.Done():
			return mapErr("wait for "+addr.String(), ctx.Err())
		}
	}
}
