package tipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/raskyld/tipc/pkg/transport"
)

// Kind of a `Socket`.
type Kind = transport.Kind

const (
	// Datagram sockets deliver reliably but are connectionless.
	Datagram = transport.Datagram
	// SeqPacket sockets are connected and preserve message boundaries.
	SeqPacket = transport.SeqPacket
	// Stream sockets are connected byte streams.
	Stream = transport.Stream
)

const listenBacklog = 128

// MessageKind discriminates received messages.
type MessageKind uint8

const (
	MessageData MessageKind = iota + 1
	// MessageRejected is a message we sent, returned undelivered.
	MessageRejected
)

func (k MessageKind) String() string {
	switch k {
	case MessageData:
		return "data"
	case MessageRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Message is what `Socket.Receive` returns.
type Message struct {
	Kind    MessageKind
	Payload []byte
	// Source is the sender of a data message. For a rejected message,
	// it is the socket which refused it, when known.
	Source SocketAddress
	// Destination is the service the message was addressed to, zero
	// when it was sent to a socket address.
	Destination ServiceRange
	// Reason is set on rejected messages.
	Reason RejectReason
}

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxMessageSize)
		return &buf
	},
}

// Socket is a TIPC endpoint.
//
// A Socket is owned by one goroutine, `Close` being the only method
// safe to call concurrently with the others.
type Socket struct {
	kind   Kind
	conn   transport.Conn
	cfg    *config
	logger *slog.Logger
	node   uint32
	local  SocketAddress
	setup  *setupMachine

	lk       sync.Mutex
	bindings []Binding
	rejected []Message
	wakers   map[int]context.CancelFunc
	nextWake int

	closed atomic.Bool
}

// Open a new socket of the given kind.
func Open(kind Kind, opts ...Option) (*Socket, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return openSocket(cfg, kind)
}

func openSocket(cfg *config, kind Kind) (*Socket, error) {
	conn, err := cfg.driver.Open(kind)
	if err != nil {
		err = mapErr("open", err)
		cfg.metricSink.IncrCounterWithLabels(
			MetricSocketOpenErrorCount,
			1,
			withLabels(cfg.metricLabels, LabelSocketKind.M(kind.String()), LabelError.M(errorLabel(err))),
		)
		return nil, err
	}

	s, err := newSocket(cfg, kind, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if cfg.importance != nil {
		if err := s.SetImportance(*cfg.importance); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if cfg.rejectable != nil {
		if err := s.SetRejectable(*cfg.rejectable); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func newSocket(cfg *config, kind Kind, conn transport.Conn) (*Socket, error) {
	node, err := cfg.driver.OwnNode()
	if err != nil {
		return nil, mapErr("own node", err)
	}
	raw, err := conn.LocalAddr()
	if err != nil {
		return nil, mapErr("local address", err)
	}
	local, _ := socketAddressFromRaw(raw)

	s := &Socket{
		kind:   kind,
		conn:   conn,
		cfg:    cfg,
		node:   node,
		local:  local,
		setup:  newSetupMachine(cfg.clock),
		wakers: make(map[int]context.CancelFunc),
	}
	s.logger = cfg.logger().With(
		LabelSocket.L(local.String()),
		LabelSocketKind.L(kind.String()),
	)
	cfg.metricSink.IncrCounterWithLabels(
		MetricSocketOpenCount,
		1,
		withLabels(cfg.metricLabels, LabelSocketKind.M(kind.String())),
	)
	s.logger.Debug("socket opened")
	return s, nil
}

func (s *Socket) Kind() Kind { return s.kind }

// LocalAddr is the address the transport assigned to the socket.
func (s *Socket) LocalAddr() SocketAddress { return s.local }

// State of the connection. Datagram sockets are always `Unconnected`.
func (s *Socket) State() ConnectionState {
	return s.setup.current()
}

// PeerAddr returns the peer of an established connection.
func (s *Socket) PeerAddr() (SocketAddress, error) {
	if est, ok := s.setup.current().(Established); ok {
		return est.Peer, nil
	}
	return SocketAddress{}, ErrNotConnected
}

// Bindings returns what the socket is currently bound to.
func (s *Socket) Bindings() []Binding {
	s.lk.Lock()
	defer s.lk.Unlock()
	return slices.Clone(s.bindings)
}

// Bind publishes the socket under a service address or range. Datagram
// sockets may be bound many times.
func (s *Socket) Bind(b Binding, visibility Scope) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if b == nil || !visibility.valid() {
		return fmt.Errorf("%w: bind %v with %s", ErrInvalidAddress, b, visibility)
	}

	r := b.Range()
	raw := transport.RangeAddr(r.typ, r.lower, r.upper)
	raw.Scope = int8(visibility)
	if err := s.conn.Bind(raw); err != nil {
		return mapErr("bind "+b.String(), err)
	}

	s.lk.Lock()
	s.bindings = append(s.bindings, b)
	s.lk.Unlock()
	s.logger.Debug("socket bound", LabelService.L(b.String()), "visibility", visibility)
	return nil
}

// Unbind withdraws a binding made with `Bind`.
func (s *Socket) Unbind(b Binding) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if b == nil {
		return ErrInvalidAddress
	}

	r := b.Range()
	if err := s.conn.Unbind(transport.RangeAddr(r.typ, r.lower, r.upper)); err != nil {
		return mapErr("unbind "+b.String(), err)
	}

	s.lk.Lock()
	s.bindings = slices.DeleteFunc(s.bindings, func(o Binding) bool {
		return o.Range() == r
	})
	s.lk.Unlock()
	return nil
}

// Listen makes a connection-oriented socket accept connections.
func (s *Socket) Listen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.kind.ConnectionOriented() {
		return ErrWrongKind
	}
	return mapErr("listen", s.conn.Listen(listenBacklog))
}

// Accept waits for a peer to set up a connection, either way. The
// returned socket is established, and for an implicit setup its first
// `Receive` returns the message which triggered it.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	conn, err := s.conn.Accept(ctx)
	if err != nil {
		return nil, mapErr("accept", err)
	}

	accepted, err := newSocket(s.cfg, s.kind, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	raw, err := conn.PeerAddr()
	if err != nil {
		_ = accepted.Close()
		return nil, mapErr("accept", err)
	}
	peer, _ := socketAddressFromRaw(raw)
	accepted.setup.state = Established{Peer: peer}
	accepted.logger.Debug("connection accepted", LabelPeer.L(peer.String()))
	return accepted, nil
}

// Connect sets up a connection explicitly, blocking until the peer
// accepted, refused, or the deadline of ctx passed. Without a deadline,
// the one configured with `WithConnectTimeout` applies.
func (s *Socket) Connect(ctx context.Context, dest Destination) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.kind.ConnectionOriented() {
		return ErrWrongKind
	}
	switch dest.(type) {
	case ServiceAddress, SocketAddress:
	default:
		return fmt.Errorf("%w: cannot connect to %v", ErrInvalidAddress, dest)
	}

	if err := s.setup.begin(Explicit); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = s.cfg.clock.WithTimeout(ctx, s.cfg.connectTimeout)
		defer cancel()
	}

	if err := s.conn.Connect(ctx, dest.raw(s.node)); err != nil {
		return s.failSetup(mapErr("connect "+dest.String(), err))
	}

	raw, err := s.conn.PeerAddr()
	if err != nil {
		return s.failSetup(mapErr("connect "+dest.String(), err))
	}
	peer, _ := socketAddressFromRaw(raw)
	s.establish(peer)
	return nil
}

func (s *Socket) establish(peer SocketAddress) {
	style, ok := s.setup.establish(peer)
	if !ok {
		return
	}
	s.cfg.metricSink.IncrCounterWithLabels(
		MetricSetupCount,
		1,
		withLabels(s.cfg.metricLabels, LabelSetupStyle.M(style.String())),
	)
	s.logger.Debug("connection established", LabelPeer.L(peer.String()), LabelSetupStyle.L(style.String()))
}

func (s *Socket) failSetup(err error) error {
	reason := failureKind(err)
	if style, ok := s.setup.fail(reason); ok {
		s.cfg.metricSink.IncrCounterWithLabels(
			MetricSetupErrorCount,
			1,
			withLabels(s.cfg.metricLabels, LabelSetupStyle.M(style.String()), LabelError.M(errorLabel(err))),
		)
		s.logger.Warn("connection setup failed", LabelSetupStyle.L(style.String()), LabelError.L(err))
	}
	return fmt.Errorf("%w: %w", ErrSetupFailed, err)
}

// Send on an established connection.
func (s *Socket) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.kind.ConnectionOriented() {
		return ErrWrongKind
	}
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	switch st := s.setup.current().(type) {
	case Established:
	case SetupPending:
		return ErrSetupPending
	case Failed:
		return fmt.Errorf("%w: %w", ErrSetupFailed, st.Reason)
	default:
		return ErrNotConnected
	}

	return s.sent("send", s.conn.Send(ctx, payload), len(payload))
}

// SendTo sends payload to dest.
//
// On a datagram socket, a destination which does not exist is not an
// error here: the message comes back as a `MessageRejected` from
// `Receive`. On an unconnected connection-oriented socket, it starts an
// implicit setup.
func (s *Socket) SendTo(ctx context.Context, dest Destination, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if dest == nil {
		return ErrInvalidAddress
	}
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	if s.kind.ConnectionOriented() {
		return s.implicitSetup(ctx, dest, payload)
	}

	err := s.conn.SendTo(ctx, dest.raw(s.node), payload)
	if errors.Is(err, syscall.EHOSTUNREACH) {
		msg := Message{
			Kind:        MessageRejected,
			Payload:     slices.Clone(payload),
			Destination: destinationRange(dest),
			Reason:      ReasonNoName,
		}
		if addr, ok := dest.(SocketAddress); ok {
			msg.Source = addr
			msg.Reason = ReasonNoPort
		}
		s.reject(msg)
		return nil
	}
	return s.sent("send to "+dest.String(), err, len(payload))
}

func (s *Socket) implicitSetup(ctx context.Context, dest Destination, payload []byte) error {
	if _, ok := dest.(ServiceRange); ok {
		return fmt.Errorf("%w: multicast needs a datagram socket", ErrWrongKind)
	}
	if err := s.setup.begin(Implicit); err != nil {
		return err
	}

	if err := s.conn.SendTo(ctx, dest.raw(s.node), payload); err != nil {
		return s.failSetup(mapErr("send to "+dest.String(), err))
	}
	return s.sent("send to "+dest.String(), nil, len(payload))
}

func (s *Socket) sent(op string, err error, n int) error {
	if err != nil {
		err = mapErr(op, err)
		s.cfg.metricSink.IncrCounterWithLabels(
			MetricSocketOutErrorCount,
			1,
			withLabels(s.cfg.metricLabels, LabelError.M(errorLabel(err))),
		)
		return err
	}
	s.cfg.metricSink.IncrCounterWithLabels(MetricSocketOutBytes, float32(n), s.cfg.metricLabels)
	return nil
}

// reject queues a rejection the transport reported synchronously, and
// wakes any pending `Receive` so it shows up.
func (s *Socket) reject(msg Message) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.rejected = append(s.rejected, msg)
	for _, wake := range s.wakers {
		wake()
	}
}

func (s *Socket) popRejected() (Message, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if len(s.rejected) == 0 {
		return Message{}, false
	}
	msg := s.rejected[0]
	s.rejected = s.rejected[1:]
	return msg, true
}

// Receive the next message.
//
// A connection-oriented socket whose implicit setup is pending becomes
// established when the first data message arrives, and fails if its
// first message comes back, in which case the error wraps
// `ErrSetupFailed`. A connection closed by the peer yields `io.EOF`.
func (s *Socket) Receive(ctx context.Context) (Message, error) {
	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		if s.closed.Load() {
			return Message{}, ErrClosed
		}
		if msg, ok := s.popRejected(); ok {
			s.countRejected(msg)
			return msg, nil
		}

		raw, err := s.recv(ctx, buf)
		if err != nil {
			if errors.Is(err, errWoken) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return Message{}, io.EOF
			}
			return Message{}, mapErr("receive", err)
		}

		msg := Message{
			Kind:        MessageData,
			Payload:     slices.Clone(buf[:raw.N]),
			Destination: rangeFromRaw(raw.Destination),
		}
		msg.Source, _ = socketAddressFromRaw(raw.Source)

		if raw.ErrCode != transport.ErrCodeOK {
			msg.Kind = MessageRejected
			msg.Reason = RejectReason(raw.ErrCode)

			if s.kind.ConnectionOriented() {
				if s.setup.pendingImplicit() {
					s.countRejected(msg)
					return Message{}, s.failSetup(fmt.Errorf("%w: %s", msg.Reason.Err(), msg.Reason))
				}
				if msg.Reason == ReasonConnShutdown && raw.N == 0 {
					s.logger.Debug("connection shut down by peer")
					return Message{}, io.EOF
				}
			}
			s.countRejected(msg)
			return msg, nil
		}

		if s.kind.ConnectionOriented() {
			s.establish(msg.Source)
		}
		s.cfg.metricSink.IncrCounterWithLabels(MetricSocketInBytes, float32(raw.N), s.cfg.metricLabels)
		return msg, nil
	}
}

var errWoken = errors.New("socket: receive woken up")

// recv reads from the transport, returning `errWoken` if a rejection
// was queued meanwhile.
func (s *Socket) recv(ctx context.Context, buf []byte) (transport.Message, error) {
	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.lk.Lock()
	if len(s.rejected) > 0 {
		s.lk.Unlock()
		return transport.Message{}, errWoken
	}
	id := s.nextWake
	s.nextWake++
	s.wakers[id] = func() { cancel(errWoken) }
	s.lk.Unlock()

	defer func() {
		s.lk.Lock()
		delete(s.wakers, id)
		s.lk.Unlock()
	}()

	raw, err := s.conn.Recv(rctx, buf)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(rctx), errWoken) {
		return raw, errWoken
	}
	return raw, err
}

func (s *Socket) countRejected(msg Message) {
	s.cfg.metricSink.IncrCounterWithLabels(
		MetricSocketRejectedCount,
		1,
		withLabels(s.cfg.metricLabels, LabelReason.M(msg.Reason.String())),
	)
	s.logger.Debug("message rejected", LabelReason.L(msg.Reason.String()), LabelDestination.L(msg.Destination.String()))
}

// Shutdown ends an established connection but keeps the socket open:
// the peer reads `io.EOF`, and so do we once what was already received
// is read. Sending fails with `ErrNotConnected` from then on.
func (s *Socket) Shutdown() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.kind.ConnectionOriented() {
		return ErrWrongKind
	}
	if _, ok := s.setup.current().(Established); !ok {
		return ErrNotConnected
	}
	if err := s.conn.Shutdown(); err != nil {
		return mapErr("shutdown", err)
	}
	s.logger.Debug("connection shut down")
	return nil
}

// SetImportance of the messages sent from now on.
func (s *Socket) SetImportance(importance Importance) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if importance > ImportanceCritical {
		return fmt.Errorf("%w: unknown %s", ErrInvalidCfg, importance)
	}
	return mapErr("set importance", s.conn.SetImportance(uint32(importance)))
}

// SetRejectable controls whether undeliverable datagrams are returned.
func (s *Socket) SetRejectable(rejectable bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return mapErr("set rejectable", s.conn.SetRejectable(rejectable))
}

// Close releases the socket and everything bound to it. Blocked calls
// return `ErrClosed`. Closing twice returns `ErrClosed`.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	err := s.conn.Close()
	s.lk.Lock()
	s.bindings = nil
	for _, wake := range s.wakers {
		wake()
	}
	s.lk.Unlock()

	s.cfg.metricSink.IncrCounterWithLabels(
		MetricSocketCloseCount,
		1,
		withLabels(s.cfg.metricLabels, LabelSocketKind.M(s.kind.String())),
	)
	s.logger.Debug("socket closed")
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return mapErr("close", err)
}

func destinationRange(dest Destination) ServiceRange {
	switch d := dest.(type) {
	case ServiceAddress:
		return d.Range()
	case ServiceRange:
		return d
	default:
		return ServiceRange{}
	}
}

func rangeFromRaw(addr transport.Addr) ServiceRange {
	switch addr.Type {
	case transport.AddrService:
		sa, _ := serviceAddressFromRaw(addr)
		return sa.Range()
	case transport.AddrRange:
		return ServiceRange{typ: addr.Service, lower: addr.Lower, upper: addr.Upper}
	default:
		return ServiceRange{}
	}
}
