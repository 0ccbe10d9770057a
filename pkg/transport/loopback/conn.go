package loopback

import (
	"context"
	"errors"
	"slices"
	"sync"
	"syscall"

	"github.com/raskyld/tipc/pkg/transport"
)

// maxWeight is the credit taken by a low importance message, each
// importance level halves it.
const maxWeight = 8

const maxImportance = 3

type connState uint8

const (
	stateOpen connState = iota
	stateListening
	stateConnecting
	stateConnected
	stateDisconnected
)

type conn struct {
	cl    *Cluster
	node  uint32
	ref   uint32
	kind  transport.Kind
	inbox *queue

	lk         sync.Mutex
	state      connState
	peer       transport.Addr
	bindings   []binding
	importance uint32
	rejectable bool
	topo       *topoSession
	closed     bool
}

func (c *conn) addr() transport.Addr {
	return transport.SocketAddr(c.node, c.ref)
}

func (c *conn) weight() int64 {
	c.lk.Lock()
	defer c.lk.Unlock()
	return maxWeight >> c.importance
}

func (c *conn) Bind(addr transport.Addr) error {
	b, err := c.binding(addr)
	if err != nil {
		return err
	}
	if addr.Scope < 1 || addr.Scope > scopeNode {
		return syscall.EINVAL
	}
	b.scope = addr.Scope

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.state == stateConnected || c.state == stateConnecting {
		return syscall.EISCONN
	}

	c.cl.lk.Lock()
	ok := c.cl.publishLocked(b)
	c.cl.lk.Unlock()
	if !ok {
		return syscall.EADDRINUSE
	}
	c.bindings = append(c.bindings, b)
	return nil
}

func (c *conn) Unbind(addr transport.Addr) error {
	b, err := c.binding(addr)
	if err != nil {
		return err
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return transport.ErrClosed
	}

	idx := slices.IndexFunc(c.bindings, func(o binding) bool {
		return o.service == b.service && o.lower == b.lower && o.upper == b.upper
	})
	if idx < 0 {
		return syscall.ENOENT
	}
	c.cl.lk.Lock()
	c.cl.withdrawLocked(c.bindings[idx])
	c.cl.lk.Unlock()
	c.bindings = slices.Delete(c.bindings, idx, idx+1)
	return nil
}

func (c *conn) binding(addr transport.Addr) (binding, error) {
	switch addr.Type {
	case transport.AddrService, transport.AddrRange:
	default:
		return binding{}, syscall.EINVAL
	}
	if addr.Lower > addr.Upper {
		return binding{}, syscall.EINVAL
	}
	return binding{
		service: addr.Service,
		lower:   addr.Lower,
		upper:   addr.Upper,
		node:    c.node,
		ref:     c.ref,
	}, nil
}

func (c *conn) Listen(int) error {
	if !c.kind.ConnectionOriented() {
		return syscall.EOPNOTSUPP
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	switch {
	case c.closed:
		return transport.ErrClosed
	case c.state == stateListening:
		return nil
	case c.state != stateOpen:
		return syscall.EINVAL
	}
	c.state = stateListening
	return nil
}

func (c *conn) Accept(ctx context.Context) (transport.Conn, error) {
	c.lk.Lock()
	listening := c.state == stateListening
	c.lk.Unlock()
	if !listening {
		return nil, syscall.EINVAL
	}

	for {
		env, err := c.inbox.pop(ctx)
		if err != nil {
			return nil, c.mapErr(err)
		}
		if env.pending == nil {
			continue
		}
		if env.pending.accept() {
			return env.pending.acc, nil
		}
	}
}

func (c *conn) Connect(ctx context.Context, addr transport.Addr) error {
	if !c.kind.ConnectionOriented() {
		return syscall.EOPNOTSUPP
	}
	if err := c.startConnecting(); err != nil {
		return err
	}

	if addr.Type == transport.AddrService &&
		addr.Service == transport.TopologyService &&
		addr.Lower == transport.TopologyService {
		c.cl.openTopology(c)
		return nil
	}

	target, code := c.cl.resolve(c.node, addr)
	if target == nil {
		c.setState(stateDisconnected)
		if code == transport.ErrCodeNoPort {
			return syscall.ECONNREFUSED
		}
		return syscall.EHOSTUNREACH
	}

	p, err := c.cl.syn(c, target, nil, true, addr)
	if err != nil {
		c.setState(stateDisconnected)
		return err
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		if p.abandon() {
			c.setState(stateDisconnected)
			return ctx.Err()
		}
		<-p.done
	case <-c.inbox.done.Done():
		p.abandon()
		return transport.ErrClosed
	}

	if p.isRefused() {
		c.setState(stateDisconnected)
		return syscall.ECONNREFUSED
	}
	c.lk.Lock()
	c.state = stateConnected
	c.peer = p.acc.addr()
	c.lk.Unlock()
	return nil
}

func (c *conn) startConnecting() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	switch {
	case c.closed:
		return transport.ErrClosed
	case c.state == stateConnected:
		return syscall.EISCONN
	case c.state == stateConnecting:
		return syscall.EALREADY
	case c.state != stateOpen:
		return syscall.EINVAL
	}
	c.state = stateConnecting
	return nil
}

func (c *conn) setState(state connState) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.state = state
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	if len(payload) > transport.MaxUserMsgSize {
		return syscall.EMSGSIZE
	}

	c.lk.Lock()
	closed, state, peer, topo := c.closed, c.state, c.peer, c.topo
	c.lk.Unlock()
	switch {
	case closed:
		return transport.ErrClosed
	case state != stateConnected:
		return syscall.ENOTCONN
	}

	if topo != nil {
		return c.cl.subscribe(topo, payload)
	}

	target, _ := c.cl.resolve(c.node, peer)
	if target == nil {
		return syscall.EPIPE
	}
	err := c.cl.deliver(ctx, c.addr(), target, envelope{
		payload: slices.Clone(payload),
		msg:     transport.Message{Source: c.addr()},
		weight:  c.weight(),
	})
	if errors.Is(err, errQueueClosed) {
		return syscall.EPIPE
	}
	return err
}

func (c *conn) SendTo(ctx context.Context, addr transport.Addr, payload []byte) error {
	if len(payload) > transport.MaxUserMsgSize {
		return syscall.EMSGSIZE
	}

	c.lk.Lock()
	closed := c.closed
	c.lk.Unlock()
	if closed {
		return transport.ErrClosed
	}

	if c.kind.ConnectionOriented() {
		return c.implicitConnect(addr, payload)
	}

	env := envelope{
		payload: slices.Clone(payload),
		msg:     transport.Message{Source: c.addr()},
		weight:  c.weight(),
		replyTo: c,
	}
	if addr.Type != transport.AddrSocket {
		env.msg.Destination = addr
		env.msg.Destination.Domain = 0
		env.msg.Destination.Scope = 0
	}

	if addr.Type == transport.AddrRange {
		targets := c.cl.resolveRange(c.node, addr)
		if len(targets) == 0 {
			return syscall.EHOSTUNREACH
		}
		for _, target := range targets {
			err := c.cl.deliver(ctx, c.addr(), target, env)
			if err != nil && !errors.Is(err, errQueueClosed) {
				return err
			}
		}
		return nil
	}

	target, code := c.cl.resolve(c.node, addr)
	if target == nil {
		c.bounce(env, addr, code)
		return nil
	}
	err := c.cl.deliver(ctx, c.addr(), target, env)
	if errors.Is(err, errQueueClosed) {
		c.bounce(env, target.addr(), transport.ErrCodeNoPort)
		return nil
	}
	return err
}

// implicitConnect sends the first message of a connection, the
// connection being established when the peer answers.
func (c *conn) implicitConnect(addr transport.Addr, payload []byte) error {
	if addr.Type == transport.AddrRange {
		return syscall.EOPNOTSUPP
	}
	if err := c.startConnecting(); err != nil {
		return err
	}

	target, _ := c.cl.resolve(c.node, addr)
	if target == nil {
		c.setState(stateDisconnected)
		return syscall.EHOSTUNREACH
	}

	if _, err := c.cl.syn(c, target, payload, false, addr); err != nil {
		env := envelope{payload: slices.Clone(payload)}
		c.bounce(env, target.addr(), transport.ErrCodeNoPort)
	}
	return nil
}

// bounce returns an undelivered message to its sender.
func (c *conn) bounce(env envelope, from transport.Addr, code uint32) {
	c.lk.Lock()
	drop := !c.rejectable && !c.kind.ConnectionOriented()
	c.lk.Unlock()
	if drop {
		return
	}

	env.msg.ErrCode = code
	env.msg.Source = transport.Addr{}
	if from.Type == transport.AddrSocket {
		env.msg.Source = from
	}
	env.weight = 0
	env.replyTo = nil
	_ = c.inbox.push(context.Background(), env)
}

// shutdown tells c its peer is gone.
func (c *conn) shutdown(from transport.Addr) {
	_ = c.inbox.push(context.Background(), envelope{
		msg: transport.Message{Source: from, ErrCode: transport.ErrCodeConnShutdown},
	})
}

func (c *conn) Recv(ctx context.Context, buf []byte) (transport.Message, error) {
	for {
		env, err := c.inbox.pop(ctx)
		if err != nil {
			return transport.Message{}, c.mapErr(err)
		}
		if env.pending != nil {
			continue
		}

		c.observe(env.msg)
		msg := env.msg
		msg.N = copy(buf, env.payload)
		return msg, nil
	}
}

// observe moves the connection state forward on receive, the way the
// kernel does when the first answer of the peer arrives.
func (c *conn) observe(msg transport.Message) {
	c.lk.Lock()
	defer c.lk.Unlock()
	switch c.state {
	case stateConnecting:
		if msg.ErrCode != transport.ErrCodeOK {
			c.state = stateDisconnected
			return
		}
		c.state = stateConnected
		c.peer = msg.Source
	case stateConnected:
		if msg.ErrCode != transport.ErrCodeOK {
			c.state = stateDisconnected
		}
	}
}

func (c *conn) LocalAddr() (transport.Addr, error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return transport.Addr{}, transport.ErrClosed
	}
	return c.addr(), nil
}

func (c *conn) PeerAddr() (transport.Addr, error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return transport.Addr{}, transport.ErrClosed
	}
	if c.state != stateConnected {
		return transport.Addr{}, syscall.ENOTCONN
	}
	return c.peer, nil
}

func (c *conn) SetImportance(level uint32) error {
	if level > maxImportance {
		return syscall.EINVAL
	}
	c.lk.Lock()
	defer c.lk.Unlock()
	c.importance = level
	return nil
}

func (c *conn) SetRejectable(rejectable bool) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.rejectable = rejectable
	return nil
}

// Shutdown disconnects both ends, each reading end of stream.
func (c *conn) Shutdown() error {
	c.lk.Lock()
	switch {
	case c.closed:
		c.lk.Unlock()
		return transport.ErrClosed
	case c.state != stateConnected:
		c.lk.Unlock()
		return syscall.ENOTCONN
	}
	c.state = stateDisconnected
	peer, topo := c.peer, c.topo
	c.topo = nil
	c.lk.Unlock()

	if topo != nil {
		c.cl.lk.Lock()
		delete(c.cl.sessions, topo)
		topo.stop()
		c.cl.lk.Unlock()
	} else if target, _ := c.cl.resolve(c.node, peer); target != nil {
		target.shutdown(c.addr())
	}
	c.shutdown(peer)
	return nil
}

func (c *conn) Close() error {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return transport.ErrClosed
	}
	c.closed = true
	state, peer, topo := c.state, c.peer, c.topo
	bindings := c.bindings
	c.bindings = nil
	c.lk.Unlock()

	c.cl.lk.Lock()
	for _, b := range bindings {
		c.cl.withdrawLocked(b)
	}
	if topo != nil {
		delete(c.cl.sessions, topo)
		topo.stop()
	}
	c.cl.lk.Unlock()
	c.cl.forget(c)

	for _, env := range c.inbox.close() {
		switch {
		case env.pending != nil:
			env.pending.refuse()
		case env.replyTo != nil && env.msg.ErrCode == transport.ErrCodeOK:
			env.replyTo.bounce(env, c.addr(), transport.ErrCodeNoPort)
		}
	}

	if state == stateConnected && topo == nil {
		if target, _ := c.cl.resolve(c.node, peer); target != nil {
			target.shutdown(c.addr())
		}
	}
	return nil
}

func (c *conn) mapErr(err error) error {
	if errors.Is(err, errQueueClosed) {
		return transport.ErrClosed
	}
	return err
}

// pendingConn is a connection request waiting in a listener backlog.
type pendingConn struct {
	acc      *conn
	client   *conn
	explicit bool
	payload  []byte
	done     chan struct{}

	lk        sync.Mutex
	accepted  bool
	abandoned bool
	refused   bool
}

// syn creates the server side of a connection and queues it on the
// listener. The first message, if any, is already waiting on it.
func (cl *Cluster) syn(client, listener *conn, payload []byte, explicit bool, dest transport.Addr) (*pendingConn, error) {
	listener.lk.Lock()
	listening := listener.state == stateListening && !listener.closed
	listener.lk.Unlock()
	if !listening {
		return nil, syscall.ECONNREFUSED
	}

	cl.lk.Lock()
	acc := cl.newConnLocked(listener.node, listener.kind)
	cl.lk.Unlock()
	acc.state = stateConnected
	acc.peer = client.addr()

	p := &pendingConn{
		acc:      acc,
		client:   client,
		explicit: explicit,
		payload:  slices.Clone(payload),
		done:     make(chan struct{}),
	}

	if payload != nil {
		msg := transport.Message{Source: client.addr()}
		if dest.Type == transport.AddrService {
			msg.Destination = transport.ServiceAddr(dest.Service, dest.Lower, 0)
		}
		_ = acc.inbox.push(context.Background(), envelope{payload: slices.Clone(payload), msg: msg})
	}

	if err := listener.inbox.push(context.Background(), envelope{pending: p}); err != nil {
		_ = acc.Close()
		return nil, syscall.ECONNREFUSED
	}
	return p, nil
}

func (p *pendingConn) accept() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.abandoned || p.refused {
		return false
	}
	p.accepted = true
	close(p.done)
	return true
}

// abandon gives up on a request not yet accepted.
func (p *pendingConn) abandon() bool {
	p.lk.Lock()
	if p.accepted || p.refused {
		p.lk.Unlock()
		return false
	}
	p.abandoned = true
	p.lk.Unlock()
	p.acc.setState(stateDisconnected)
	_ = p.acc.Close()
	return true
}

func (p *pendingConn) refuse() {
	p.lk.Lock()
	if p.accepted || p.abandoned || p.refused {
		p.lk.Unlock()
		return
	}
	p.refused = true
	close(p.done)
	p.lk.Unlock()

	if !p.explicit {
		p.client.bounce(envelope{payload: p.payload}, p.acc.addr(), transport.ErrCodeNoPort)
	}
	p.acc.setState(stateDisconnected)
	_ = p.acc.Close()
}

func (p *pendingConn) isRefused() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.refused
}
