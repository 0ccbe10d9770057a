package tipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
)

// departedMemory is how many departed peers we remember, to sort their
// late messages out.
const departedMemory = 1024

// GroupEvent is returned by `Group.Receive`: a `GroupMessage`, a
// `MemberUp` or a `MemberDown`.
type GroupEvent interface {
	groupEvent()
}

// GroupMessage is a message of a peer, delivered in the order the peer
// sent it to us.
type GroupMessage struct {
	Source  SocketAddress
	Mode    SendMode
	Seq     uint64
	Payload []byte
}

// MemberUp reports a socket joining the group.
type MemberUp struct {
	Member Member
}

// MemberDown reports a member leaving the group. Discarded counts the
// messages of that member which were waiting for an earlier one that
// will never come.
type MemberDown struct {
	Member    Member
	Discarded int
}

func (GroupMessage) groupEvent() {}
func (MemberUp) groupEvent()     {}
func (MemberDown) groupEvent()   {}

type queuedEvent struct {
	ev GroupEvent
	// from and seq are set on messages to acknowledge once read.
	from SocketAddress
	seq  uint64
}

// Group lets members bound to instances of one service type exchange
// messages with no loss, in order, and with flow control.
//
// Messages are sequenced per pair of members. A sender has at most
// `WithWindow` unacknowledged messages in flight towards each member
// and blocks beyond that. A receiver acknowledges once the application
// read them, so a slow reader holds back its senders.
type Group struct {
	cfg     *config
	logger  *slog.Logger
	service ServiceAddress
	self    Member
	sock    *Socket
	sub     *Subscription
	members *membership

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	joined chan struct{}
	once   sync.Once

	lk       sync.Mutex
	inbound  map[SocketAddress]*sequenceState
	outbound map[SocketAddress]*creditState
	departed *lru.Cache
	// overloaded is the delay before the next resend to a member which
	// returned our messages for lack of buffer space.
	overloaded map[SocketAddress]time.Duration
	events     []queuedEvent
	ready      chan struct{}
	rr         map[uint32]uint64
	closed     bool
}

// NewGroup joins the group of member's service type as member. It
// returns once the membership table knows about us.
func NewGroup(ctx context.Context, member ServiceAddress, opts ...Option) (*Group, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if member.IsZero() {
		return nil, fmt.Errorf("%w: group member address", ErrInvalidAddress)
	}

	sock, err := openSocket(cfg, Datagram)
	if err != nil {
		return nil, err
	}
	sub, err := subscribe(ctx, cfg, ServiceFilter(ServiceRange{typ: member.typ, upper: math.MaxUint32}))
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	departed, err := lru.New(departedMemory)
	if err != nil {
		_ = sub.Cancel()
		_ = sock.Close()
		return nil, err
	}

	g := &Group{
		cfg:      cfg,
		service:  member,
		self:     Member{Socket: sock.LocalAddr(), Instance: member.instance},
		sock:     sock,
		sub:      sub,
		members:  newMembership(),
		joined:   make(chan struct{}),
		inbound:  make(map[SocketAddress]*sequenceState),
		outbound: make(map[SocketAddress]*creditState),
		departed: departed,
		ready:    make(chan struct{}, 1),
		rr:       make(map[uint32]uint64),

		overloaded: make(map[SocketAddress]time.Duration),
	}
	g.logger = cfg.logger().With(LabelService.L(member.String()), LabelSocket.L(g.self.Socket.String()))
	g.ctx, g.cancel = context.WithCancel(context.Background())

	g.wg.Add(2)
	go g.read()
	go g.watch()

	if err := sock.Bind(member, member.scope); err != nil {
		_ = g.Close()
		return nil, err
	}
	select {
	case <-g.joined:
	case <-ctx.Done():
		_ = g.Close()
		return nil, mapErr("join "+member.String(), ctx.Err())
	}
	g.logger.Debug("joined group")
	return g, nil
}

// Self is our own membership.
func (g *Group) Self() Member { return g.self }

// Members returns the current members, us included, ordered by
// instance.
func (g *Group) Members() []Member {
	return g.members.lookup(0, math.MaxUint32)
}

// Unicast sends payload to one member bound to instance, preferring one
// on our node, then the lowest socket address.
func (g *Group) Unicast(ctx context.Context, instance uint32, payload []byte) error {
	candidates := g.candidates(instance, instance)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no member bound to %d", ErrNoRouteToHost, instance)
	}
	pick := candidates[0]
	if idx := slices.IndexFunc(candidates, func(a SocketAddress) bool {
		return a.node == g.self.Socket.node
	}); idx >= 0 {
		pick = candidates[idx]
	}
	return g.send(ctx, Unicast, pick, payload)
}

// Anycast sends payload to one member bound to instance, spreading the
// load over all of them in turn.
func (g *Group) Anycast(ctx context.Context, instance uint32, payload []byte) error {
	candidates := g.candidates(instance, instance)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no member bound to %d", ErrNoRouteToHost, instance)
	}
	g.lk.Lock()
	turn := g.rr[instance]
	g.rr[instance]++
	g.lk.Unlock()
	return g.send(ctx, Anycast, candidates[turn%uint64(len(candidates))], payload)
}

// Multicast sends payload to every member bound within [lower, upper].
func (g *Group) Multicast(ctx context.Context, lower, upper uint32, payload []byte) error {
	if lower > upper {
		return fmt.Errorf("%w: lower bound %d above upper bound %d", ErrInvalidAddress, lower, upper)
	}
	return g.fanOut(ctx, Multicast, lower, upper, payload)
}

// Broadcast sends payload to every member.
func (g *Group) Broadcast(ctx context.Context, payload []byte) error {
	return g.fanOut(ctx, Broadcast, 0, math.MaxUint32, payload)
}

// SendTo sends payload to one member in particular.
func (g *Group) SendTo(ctx context.Context, member SocketAddress, payload []byte) error {
	if !g.members.has(member) {
		return fmt.Errorf("%w: %s is not a member", ErrNoRouteToHost, member)
	}
	return g.send(ctx, Unicast, member, payload)
}

func (g *Group) fanOut(ctx context.Context, mode SendMode, lower, upper uint32, payload []byte) error {
	targets := g.candidates(lower, upper)
	if len(targets) == 0 {
		return fmt.Errorf("%w: no member within [%d, %d]", ErrNoRouteToHost, lower, upper)
	}

	var result *multierror.Error
	for _, to := range targets {
		if err := g.send(ctx, mode, to, payload); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return err
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// candidates are the sockets bound within [lower, upper], without us
// unless loopback is enabled.
func (g *Group) candidates(lower, upper uint32) []SocketAddress {
	found := g.members.sockets(lower, upper)
	if g.cfg.loopback {
		return found
	}
	return slices.DeleteFunc(found, func(a SocketAddress) bool {
		return a == g.self.Socket
	})
}

// send waits for credit towards to, then sends. Sends to one member are
// serialized so a failed one can give its sequence number back.
func (g *Group) send(ctx context.Context, mode SendMode, to SocketAddress, payload []byte) error {
	if len(payload) > maxGroupPayload {
		return ErrMessageTooLarge
	}

	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return ErrClosed
	}
	cs, ok := g.outbound[to]
	if !ok {
		if !g.members.has(to) {
			g.lk.Unlock()
			return fmt.Errorf("%w: %s left the group", ErrNoRouteToHost, to)
		}
		cs = newCreditState()
		g.outbound[to] = cs
	}
	g.lk.Unlock()

	cs.sending.Lock()
	defer cs.sending.Unlock()

	var seq uint64
	for seq == 0 {
		g.lk.Lock()
		switch {
		case g.closed:
			g.lk.Unlock()
			return ErrClosed
		case cs.gone:
			g.lk.Unlock()
			return fmt.Errorf("%w: %s left the group", ErrNoRouteToHost, to)
		case cs.inFlight() < uint64(g.cfg.window):
			seq = cs.next
			cs.next++
			g.lk.Unlock()
			continue
		}
		wake := cs.wake
		g.lk.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return mapErr("group "+mode.String(), ctx.Err())
		case <-g.ctx.Done():
			return ErrClosed
		}
	}

	frame := groupFrame{mode: mode, seq: seq, payload: payload}
	if err := g.sock.SendTo(ctx, to, frame.marshal()); err != nil {
		g.lk.Lock()
		if cs.next == seq+1 {
			cs.next = seq
		}
		g.lk.Unlock()
		return err
	}
	return nil
}

// Receive the next message or membership change.
func (g *Group) Receive(ctx context.Context) (GroupEvent, error) {
	for {
		g.lk.Lock()
		if g.closed {
			g.lk.Unlock()
			return nil, ErrClosed
		}
		if len(g.events) > 0 {
			q := g.events[0]
			g.events = g.events[1:]
			if len(g.events) > 0 {
				g.signal()
			}
			var (
				ack     uint64
				mustAck bool
			)
			if st := g.inbound[q.from]; st != nil && q.seq > 0 {
				ack, mustAck = st.consume(q.seq)
			}
			g.lk.Unlock()

			if mustAck {
				g.acknowledge(q.from, ack)
			}
			return q.ev, nil
		}
		g.lk.Unlock()

		select {
		case <-g.ready:
		case <-ctx.Done():
			return nil, mapErr("group receive", ctx.Err())
		case <-g.ctx.Done():
			return nil, ErrClosed
		}
	}
}

func (g *Group) acknowledge(to SocketAddress, seq uint64) {
	frame := groupFrame{mode: modeAck, seq: seq}
	if err := g.sock.SendTo(g.ctx, to, frame.marshal()); err != nil {
		g.logger.Debug("could not acknowledge", LabelMember.L(to.String()), LabelError.L(err))
	}
}

// enqueue must be called with g.lk held.
func (g *Group) enqueue(q queuedEvent) {
	g.events = append(g.events, q)
	g.signal()
}

func (g *Group) signal() {
	select {
	case g.ready <- struct{}{}:
	default:
	}
}

func (g *Group) read() {
	defer g.wg.Done()
	for {
		msg, err := g.sock.Receive(g.ctx)
		if err != nil {
			if g.ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				g.logger.Error("group socket failed", LabelError.L(err))
			}
			return
		}
		g.handle(msg)
	}
}

func (g *Group) handle(msg Message) {
	if msg.Kind == MessageRejected {
		g.rejected(msg)
		return
	}

	frame, err := unmarshalGroupFrame(msg.Payload)
	if err != nil {
		g.logger.Warn("dropping malformed group message", LabelPeer.L(msg.Source.String()), LabelError.L(err))
		return
	}

	g.lk.Lock()
	defer g.lk.Unlock()

	if frame.mode == modeAck {
		if cs, ok := g.outbound[msg.Source]; ok {
			cs.ack(frame.seq)
		}
		delete(g.overloaded, msg.Source)
		return
	}

	st, ok := g.inbound[msg.Source]
	if !ok {
		if next, gone := g.departed.Get(msg.Source); gone {
			g.late(msg.Source, next.(uint64), frame)
			return
		}
		st = newSequenceState(g.cfg.window)
		g.inbound[msg.Source] = st
	}

	ready, res := st.offer(frame.seq, frame)
	switch res {
	case offerDuplicate:
		g.count(MetricGroupDuplicateCount, frame.mode)
	case offerOverrun:
		g.count(MetricGroupDiscardedCount, frame.mode)
		g.logger.Warn("peer overran its window", LabelPeer.L(msg.Source.String()), "seq", frame.seq)
	}
	for _, f := range ready {
		g.deliver(msg.Source, f, true)
	}
}

// late handles a message of a departed peer: it is still delivered if
// nothing is missing before it.
func (g *Group) late(from SocketAddress, next uint64, frame groupFrame) {
	switch {
	case frame.seq == next:
		g.departed.Add(from, next+1)
		g.deliver(from, frame, false)
	case frame.seq < next:
		g.count(MetricGroupDuplicateCount, frame.mode)
	default:
		g.count(MetricGroupDiscardedCount, frame.mode)
	}
}

func (g *Group) deliver(from SocketAddress, f groupFrame, ack bool) {
	q := queuedEvent{
		ev: GroupMessage{
			Source:  from,
			Mode:    f.mode,
			Seq:     f.seq,
			Payload: f.payload,
		},
	}
	if ack {
		q.from, q.seq = from, f.seq
	}
	g.enqueue(q)
	g.count(MetricGroupDeliveredCount, f.mode)
}

func (g *Group) count(key []string, mode SendMode) {
	g.cfg.metricSink.IncrCounterWithLabels(key, 1, withLabels(g.cfg.metricLabels, LabelSendMode.M(mode.String())))
}

// rejected evicts a member whose socket is gone: our membership was
// stale. A message returned by an overloaded member is sent again.
func (g *Group) rejected(msg Message) {
	switch msg.Reason {
	case ReasonNoPort, ReasonNoNode, ReasonNoName:
	case ReasonOverload:
		g.resend(msg)
		return
	default:
		g.logger.Warn("group message returned", LabelReason.L(msg.Reason.String()), LabelPeer.L(msg.Source.String()))
		return
	}
	if msg.Source.IsZero() {
		return
	}

	evicted := g.members.evict(msg.Source)
	if len(evicted) == 0 {
		return
	}
	g.logger.Warn("evicting unreachable member", LabelMember.L(msg.Source.String()), LabelReason.L(msg.Reason.String()))

	g.lk.Lock()
	defer g.lk.Unlock()
	discarded := g.forget(msg.Source)
	for i, m := range evicted {
		down := MemberDown{Member: m}
		if i == 0 {
			down.Discarded = discarded
		}
		g.memberDown(down)
	}
}

// resend schedules a returned frame to be sent again unchanged, so the
// member still gets every sequence number. The delay doubles while the
// member keeps refusing and is reset by its next acknowledgement.
func (g *Group) resend(msg Message) {
	frame, err := unmarshalGroupFrame(msg.Payload)
	if err != nil || msg.Source.IsZero() {
		g.logger.Warn("dropping returned group message", LabelPeer.L(msg.Source.String()), LabelReason.L(msg.Reason.String()))
		return
	}
	to := msg.Source

	g.lk.Lock()
	if g.closed || !g.members.has(to) {
		g.lk.Unlock()
		return
	}
	delay := g.cfg.backoffMin
	if last, ok := g.overloaded[to]; ok {
		delay = min(2*last, g.cfg.backoffMax)
	}
	g.overloaded[to] = delay
	timer := g.cfg.clock.Timer(delay)
	g.wg.Add(1)
	g.lk.Unlock()

	g.count(MetricGroupResentCount, frame.mode)
	g.logger.Debug("member overloaded, resending later", LabelMember.L(to.String()), "seq", frame.seq, "backoff", delay)
	go func() {
		defer g.wg.Done()
		select {
		case <-g.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !g.members.has(to) {
			g.logger.Debug("member left before the resend", LabelMember.L(to.String()), "seq", frame.seq)
			return
		}
		if err := g.sock.SendTo(g.ctx, to, msg.Payload); err != nil && g.ctx.Err() == nil {
			g.logger.Warn("could not resend group message", LabelMember.L(to.String()), "seq", frame.seq, LabelError.L(err))
		}
	}()
}

func (g *Group) watch() {
	defer g.wg.Done()

	// announced are the members reported since the current connection to
	// the topology server started.
	var (
		generation uint64
		announced  map[Member]struct{}
	)
	for ev := range g.sub.Events() {
		if ev.Generation != generation {
			generation = ev.Generation
			announced = make(map[Member]struct{})
		}

		m := Member{Socket: ev.Socket, Instance: ev.Service.lower}
		switch ev.Kind {
		case Appeared:
			announced[m] = struct{}{}
			g.join(m)
		case Withdrawn:
			delete(announced, m)
			g.leave(m)
		case Synced:
			g.prune(announced)
		}
	}
	if err := g.sub.Err(); err != nil {
		g.logger.Error("group lost the topology", LabelError.L(err))
	}
}

// prune removes the members which left while the topology was out of
// reach.
func (g *Group) prune(announced map[Member]struct{}) {
	for _, m := range g.Members() {
		if _, ok := announced[m]; ok || m == g.self {
			continue
		}
		g.logger.Info("member left while the topology was unreachable", LabelMember.L(m.String()))
		g.leave(m)
	}
}

func (g *Group) join(m Member) {
	if !g.members.add(m) {
		return
	}
	if m == g.self {
		g.once.Do(func() { close(g.joined) })
		return
	}

	g.lk.Lock()
	defer g.lk.Unlock()
	g.enqueue(queuedEvent{ev: MemberUp{Member: m}})
	g.cfg.metricSink.IncrCounterWithLabels(MetricGroupMemberUpCount, 1, g.cfg.metricLabels)
	g.logger.Debug("member up", LabelMember.L(m.String()))
}

func (g *Group) leave(m Member) {
	if !g.members.remove(m) || m == g.self {
		return
	}

	g.lk.Lock()
	defer g.lk.Unlock()
	down := MemberDown{Member: m}
	if !g.members.has(m.Socket) {
		down.Discarded = g.forget(m.Socket)
	}
	g.memberDown(down)
}

// memberDown must be called with g.lk held.
func (g *Group) memberDown(down MemberDown) {
	g.enqueue(queuedEvent{ev: down})
	g.cfg.metricSink.IncrCounterWithLabels(MetricGroupMemberDownCount, 1, g.cfg.metricLabels)
	if down.Discarded > 0 {
		g.cfg.metricSink.IncrCounterWithLabels(MetricGroupDiscardedCount, float32(down.Discarded), g.cfg.metricLabels)
	}
	g.logger.Debug("member down", LabelMember.L(down.Member.String()), "discarded", down.Discarded)
}

// forget drops the state kept for a departed socket, returning how many
// of its messages were waiting behind a gap. It must be called with
// g.lk held.
func (g *Group) forget(addr SocketAddress) int {
	var discarded int
	next := uint64(1)
	if st, ok := g.inbound[addr]; ok {
		discarded = st.buffered()
		next = st.next
		delete(g.inbound, addr)
	}
	g.departed.Add(addr, next)
	delete(g.overloaded, addr)

	if cs, ok := g.outbound[addr]; ok {
		cs.gone = true
		cs.signal()
		delete(g.outbound, addr)
	}
	return discarded
}

// Close leaves the group. Blocked calls return `ErrClosed`.
func (g *Group) Close() error {
	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return ErrClosed
	}
	g.closed = true
	g.lk.Unlock()

	g.cancel()
	var result *multierror.Error
	if err := g.sub.Cancel(); err != nil && !errors.Is(err, ErrClosed) {
		result = multierror.Append(result, err)
	}
	if err := g.sock.Close(); err != nil && !errors.Is(err, ErrClosed) {
		result = multierror.Append(result, err)
	}
	g.wg.Wait()
	g.logger.Debug("left group")
	return result.ErrorOrNil()
}
