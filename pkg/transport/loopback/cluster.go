// Package loopback emulates a TIPC cluster inside a single process.
//
// A `Cluster` owns a binding table shared by all of its nodes, every
// `Node` being a `transport.Driver`. It mimics the parts of the kernel
// the tipc package relies on: anycast round-robin, returned messages,
// receive buffer limits scaled by importance, implicit and explicit
// connection setup and a topology server.
//
// It also lets tests misbehave on purpose: hold or drop messages, kill
// topology connections or remove whole nodes.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"syscall"

	"github.com/benbjohnson/clock"
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/raskyld/tipc/pkg/transport"
)

// Verdict of a `Filter`.
type Verdict uint8

const (
	Pass Verdict = iota
	Drop
	// Hold keeps the message until `Cluster.Flush` is called.
	Hold
)

// Filter is consulted for every data message travelling between two
// sockets.
type Filter func(from, to transport.Addr, payload []byte) Verdict

const (
	defaultInboxSize = 256
	firstRef         = 0x1000

	scopeNode = 3
)

type Option func(*Cluster)

// WithInboxSize sets how many low importance messages fit in a socket
// receive buffer. Critical messages get eight times more room.
func WithInboxSize(size int) Option {
	return func(cl *Cluster) {
		if size > 0 {
			cl.inboxSize = size
		}
	}
}

// WithClock sets the clock driving subscription timeouts.
func WithClock(clk clock.Clock) Option {
	return func(cl *Cluster) {
		if clk != nil {
			cl.clock = clk
		}
	}
}

// WithMaxSockets caps how many sockets can be open at once, further
// attempts fail with EMFILE.
func WithMaxSockets(max int) Option {
	return func(cl *Cluster) {
		cl.maxConns = max
	}
}

type connKey struct {
	node, ref uint32
}

type rrKey struct {
	service, instance uint32
}

type held struct {
	to  *conn
	env envelope
}

// Cluster is a set of emulated nodes sharing one binding table.
type Cluster struct {
	lk        sync.Mutex
	clock     clock.Clock
	inboxSize int
	maxConns  int

	names    *iradix.Tree
	conns    map[connKey]*conn
	nodes    map[uint32]*Node
	sessions map[*topoSession]struct{}
	rr       map[rrKey]uint32
	nextRef  uint32

	filter Filter
	held   []held
}

func NewCluster(opts ...Option) *Cluster {
	cl := &Cluster{
		clock:     clock.New(),
		inboxSize: defaultInboxSize,
		names:     iradix.New(),
		conns:     make(map[connKey]*conn),
		nodes:     make(map[uint32]*Node),
		sessions:  make(map[*topoSession]struct{}),
		rr:        make(map[rrKey]uint32),
		nextRef:   firstRef,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Node returns the driver of the node with the given address, adding
// the node to the cluster on first use.
func (cl *Cluster) Node(addr uint32) *Node {
	cl.lk.Lock()
	defer cl.lk.Unlock()

	if n, ok := cl.nodes[addr]; ok {
		return n
	}
	n := &Node{cl: cl, addr: addr}
	cl.nodes[addr] = n
	cl.publishLocked(binding{
		service: transport.NodeStateService,
		lower:   addr,
		upper:   addr,
		node:    addr,
	})
	return n
}

// RemoveNode makes a node vanish: its sockets are closed and its
// bindings withdrawn.
func (cl *Cluster) RemoveNode(addr uint32) {
	cl.lk.Lock()
	var victims []*conn
	for key, c := range cl.conns {
		if key.node == addr {
			victims = append(victims, c)
		}
	}
	cl.lk.Unlock()

	for _, c := range victims {
		_ = c.Close()
	}

	cl.lk.Lock()
	defer cl.lk.Unlock()
	if _, ok := cl.nodes[addr]; ok {
		delete(cl.nodes, addr)
		cl.withdrawLocked(binding{
			service: transport.NodeStateService,
			lower:   addr,
			upper:   addr,
			node:    addr,
		})
	}
}

// DropTopology breaks every connection to the topology server, as a
// node restart would.
func (cl *Cluster) DropTopology() {
	cl.lk.Lock()
	sessions := make([]*topoSession, 0, len(cl.sessions))
	for s := range cl.sessions {
		sessions = append(sessions, s)
		delete(cl.sessions, s)
		s.stop()
	}
	cl.lk.Unlock()

	for _, s := range sessions {
		s.client.shutdown(s.peer)
	}
}

// SetFilter installs f, nil removes any filter.
func (cl *Cluster) SetFilter(f Filter) {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	cl.filter = f
}

// Flush delivers held messages in the order they were sent.
func (cl *Cluster) Flush(ctx context.Context) error {
	cl.lk.Lock()
	pending := cl.held
	cl.held = nil
	cl.lk.Unlock()

	for _, h := range pending {
		if err := h.to.inbox.push(ctx, h.env); err != nil && !errors.Is(err, errQueueClosed) {
			return err
		}
	}
	return nil
}

// Node is one member of a `Cluster`.
type Node struct {
	cl   *Cluster
	addr uint32
}

func (n *Node) OwnNode() (uint32, error) {
	return n.addr, nil
}

func (n *Node) Open(kind transport.Kind) (transport.Conn, error) {
	switch kind {
	case transport.Datagram, transport.SeqPacket, transport.Stream:
	default:
		return nil, syscall.ESOCKTNOSUPPORT
	}

	n.cl.lk.Lock()
	defer n.cl.lk.Unlock()
	if _, ok := n.cl.nodes[n.addr]; !ok {
		return nil, syscall.ENETDOWN
	}
	if n.cl.maxConns > 0 && len(n.cl.conns) >= n.cl.maxConns {
		return nil, syscall.EMFILE
	}
	return n.cl.newConnLocked(n.addr, kind), nil
}

func (cl *Cluster) newConnLocked(node uint32, kind transport.Kind) *conn {
	c := &conn{
		cl:         cl,
		node:       node,
		ref:        cl.nextRef,
		kind:       kind,
		inbox:      newQueue(int64(cl.inboxSize) * maxWeight),
		rejectable: true,
	}
	cl.nextRef++
	cl.conns[connKey{node, c.ref}] = c
	return c
}

// binding is one publication in the table.
type binding struct {
	service, lower, upper uint32
	scope                 int8
	node, ref             uint32
}

func (b binding) key() []byte {
	k := make([]byte, 0, 20)
	k = binary.BigEndian.AppendUint32(k, b.service)
	k = binary.BigEndian.AppendUint32(k, b.lower)
	k = binary.BigEndian.AppendUint32(k, b.upper)
	k = binary.BigEndian.AppendUint32(k, b.node)
	return binary.BigEndian.AppendUint32(k, b.ref)
}

func (b binding) visibleFrom(node uint32) bool {
	return b.scope != scopeNode || b.node == node
}

func (b binding) overlaps(service, lower, upper uint32) bool {
	return b.service == service && b.lower <= upper && b.upper >= lower
}

func servicePrefix(service uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, service)
}

// publishLocked inserts b, it returns false on a duplicate.
func (cl *Cluster) publishLocked(b binding) bool {
	names, _, updated := cl.names.Insert(b.key(), b)
	if updated {
		return false
	}
	cl.names = names
	for s := range cl.sessions {
		s.notify(transport.EventPublished, b)
	}
	return true
}

func (cl *Cluster) withdrawLocked(b binding) bool {
	names, old, ok := cl.names.Delete(b.key())
	if !ok {
		return false
	}
	cl.names = names
	b = old.(binding)
	for s := range cl.sessions {
		s.notify(transport.EventWithdrawn, b)
	}
	return true
}

// bindingsLocked lists the bindings of a service overlapping the range
// and visible from node.
func (cl *Cluster) bindingsLocked(node, service, lower, upper uint32) []binding {
	var found []binding
	cl.names.Root().WalkPrefix(servicePrefix(service), func(_ []byte, v interface{}) bool {
		b := v.(binding)
		if b.overlaps(service, lower, upper) && b.visibleFrom(node) {
			found = append(found, b)
		}
		return false
	})
	return found
}

// resolve finds the socket a message sent from node to addr lands on,
// or the error code it would be returned with.
func (cl *Cluster) resolve(node uint32, addr transport.Addr) (*conn, uint32) {
	cl.lk.Lock()
	defer cl.lk.Unlock()

	switch addr.Type {
	case transport.AddrSocket:
		if _, ok := cl.nodes[addr.Node]; !ok {
			return nil, transport.ErrCodeNoNode
		}
		c, ok := cl.conns[connKey{addr.Node, addr.Ref}]
		if !ok {
			return nil, transport.ErrCodeNoPort
		}
		return c, transport.ErrCodeOK

	case transport.AddrService:
		candidates := cl.bindingsLocked(node, addr.Service, addr.Lower, addr.Lower)
		if addr.Domain != 0 {
			candidates = slices.DeleteFunc(candidates, func(b binding) bool {
				return b.node != addr.Domain
			})
		}
		local := slices.DeleteFunc(slices.Clone(candidates), func(b binding) bool {
			return b.node != node
		})
		if len(local) > 0 {
			candidates = local
		}
		if len(candidates) == 0 {
			return nil, transport.ErrCodeNoName
		}

		key := rrKey{addr.Service, addr.Lower}
		pick := candidates[cl.rr[key]%uint32(len(candidates))]
		cl.rr[key]++
		c, ok := cl.conns[connKey{pick.node, pick.ref}]
		if !ok {
			return nil, transport.ErrCodeNoPort
		}
		return c, transport.ErrCodeOK
	}
	return nil, transport.ErrCodeNoName
}

// resolveRange returns every socket bound inside the range, once.
func (cl *Cluster) resolveRange(node uint32, addr transport.Addr) []*conn {
	cl.lk.Lock()
	defer cl.lk.Unlock()

	seen := make(map[connKey]struct{})
	var targets []*conn
	for _, b := range cl.bindingsLocked(node, addr.Service, addr.Lower, addr.Upper) {
		key := connKey{b.node, b.ref}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if c, ok := cl.conns[key]; ok {
			targets = append(targets, c)
		}
	}
	return targets
}

// deliver pushes a data message to its destination inbox, unless the
// filter says otherwise.
func (cl *Cluster) deliver(ctx context.Context, from transport.Addr, to *conn, env envelope) error {
	cl.lk.Lock()
	verdict := Pass
	if cl.filter != nil {
		verdict = cl.filter(from, to.addr(), env.payload)
	}
	if verdict == Hold {
		cl.held = append(cl.held, held{to: to, env: env})
	}
	cl.lk.Unlock()

	if verdict != Pass {
		return nil
	}
	return to.inbox.push(ctx, env)
}

func (cl *Cluster) forget(c *conn) {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	delete(cl.conns, connKey{c.node, c.ref})
}
