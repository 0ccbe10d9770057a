package loopback

import (
	"context"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/raskyld/tipc/pkg/transport"
)

// topoSession is the server side of one connection to the topology
// service. Every method is called with the cluster lock held.
type topoSession struct {
	cl     *Cluster
	client *conn
	peer   transport.Addr
	subs   []*topoSub
}

type topoSub struct {
	raw   transport.Subscr
	timer *clock.Timer
}

func (cl *Cluster) openTopology(c *conn) {
	s := &topoSession{
		cl:     cl,
		client: c,
		peer:   transport.SocketAddr(c.node, 0),
	}

	c.lk.Lock()
	c.state = stateConnected
	c.peer = s.peer
	c.topo = s
	c.lk.Unlock()

	cl.lk.Lock()
	cl.sessions[s] = struct{}{}
	cl.lk.Unlock()
}

// subscribe handles one frame written by the client.
func (cl *Cluster) subscribe(s *topoSession, frame []byte) error {
	var sub transport.Subscr
	if err := sub.UnmarshalBinary(frame); err != nil {
		return err
	}

	cl.lk.Lock()
	defer cl.lk.Unlock()
	if _, ok := cl.sessions[s]; !ok {
		return transport.ErrClosed
	}

	if sub.Filter&transport.FilterCancel != 0 {
		sub.Filter &^= transport.FilterCancel
		s.cancel(sub)
		return nil
	}

	ts := &topoSub{raw: sub}
	s.subs = append(s.subs, ts)
	if sub.Timeout != transport.WaitForever {
		ts.timer = cl.clock.AfterFunc(time.Duration(sub.Timeout)*time.Millisecond, func() {
			cl.lk.Lock()
			defer cl.lk.Unlock()
			if s.remove(ts) {
				s.emit(transport.Event{Event: transport.EventTimeout, Subscr: ts.raw})
			}
		})
	}

	edges := make(map[[3]uint32]struct{})
	for _, b := range cl.bindingsLocked(s.client.node, sub.Service, sub.Lower, sub.Upper) {
		if sub.Filter&transport.FilterService != 0 {
			edge := [3]uint32{b.service, b.lower, b.upper}
			if _, seen := edges[edge]; seen {
				continue
			}
			edges[edge] = struct{}{}
		}
		s.emit(s.event(ts, transport.EventPublished, b))
	}

	// The server is bound on every node for as long as the node exists.
	self := binding{
		service: transport.TopologyService,
		lower:   transport.TopologyService,
		upper:   transport.TopologyService,
		scope:   scopeNode,
		node:    s.client.node,
	}
	if self.overlaps(sub.Service, sub.Lower, sub.Upper) {
		s.emit(s.event(ts, transport.EventPublished, self))
	}
	return nil
}

func (s *topoSession) cancel(sub transport.Subscr) {
	for _, ts := range s.subs {
		if ts.raw == sub {
			s.remove(ts)
			return
		}
	}
}

func (s *topoSession) remove(ts *topoSub) bool {
	idx := slices.Index(s.subs, ts)
	if idx < 0 {
		return false
	}
	if ts.timer != nil {
		ts.timer.Stop()
	}
	s.subs = slices.Delete(s.subs, idx, idx+1)
	return true
}

func (s *topoSession) stop() {
	for _, ts := range s.subs {
		if ts.timer != nil {
			ts.timer.Stop()
		}
	}
	s.subs = nil
}

// notify reports a change of the binding table. Edge subscriptions only
// hear about the first publication and the last withdrawal of a range.
func (s *topoSession) notify(event uint32, b binding) {
	if !b.visibleFrom(s.client.node) {
		return
	}

	for _, ts := range s.subs {
		if !b.overlaps(ts.raw.Service, ts.raw.Lower, ts.raw.Upper) {
			continue
		}
		if ts.raw.Filter&transport.FilterService != 0 && s.sameRangeCount(b) != expectedEdgeCount(event) {
			continue
		}
		s.emit(s.event(ts, event, b))
	}
}

func expectedEdgeCount(event uint32) int {
	if event == transport.EventPublished {
		return 1
	}
	return 0
}

func (s *topoSession) sameRangeCount(b binding) int {
	n := 0
	for _, o := range s.cl.bindingsLocked(s.client.node, b.service, b.lower, b.upper) {
		if o.lower == b.lower && o.upper == b.upper {
			n++
		}
	}
	return n
}

// event clamps the binding to the subscribed range.
func (s *topoSession) event(ts *topoSub, event uint32, b binding) transport.Event {
	return transport.Event{
		Event:  event,
		Lower:  max(b.lower, ts.raw.Lower),
		Upper:  min(b.upper, ts.raw.Upper),
		Ref:    b.ref,
		Node:   b.node,
		Subscr: ts.raw,
	}
}

func (s *topoSession) emit(ev transport.Event) {
	frame, err := ev.MarshalBinary()
	if err != nil {
		return
	}
	_ = s.client.inbox.push(context.Background(), envelope{
		payload: frame,
		msg:     transport.Message{Source: s.peer},
	})
}
