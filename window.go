package tipc

import (
	"sync"

	"github.com/google/btree"
)

// pendingFrame is a group message waiting for the ones before it.
type pendingFrame struct {
	seq   uint64
	frame groupFrame
}

func lessPending(a, b pendingFrame) bool { return a.seq < b.seq }

// offerResult tells what became of an offered message.
type offerResult uint8

const (
	offerBuffered offerResult = iota
	offerDelivered
	offerDuplicate
	offerOverrun
)

// sequenceState reorders the messages of one peer. Messages come out in
// sequence order with no gap, starting from 1.
type sequenceState struct {
	next    uint64
	window  int
	pending *btree.BTreeG[pendingFrame]

	// consumed is the highest sequence number the application read,
	// acked the highest one reported to the peer.
	consumed uint64
	acked    uint64
}

func newSequenceState(window int) *sequenceState {
	return &sequenceState{
		next:    1,
		window:  window,
		pending: btree.NewG[pendingFrame](8, lessPending),
	}
}

// offer a message, ready being what can now be delivered in order.
//
// A message more than a window ahead means the peer ignored our credit,
// it is refused with offerOverrun.
func (s *sequenceState) offer(seq uint64, frame groupFrame) (ready []groupFrame, res offerResult) {
	switch {
	case seq < s.next:
		return nil, offerDuplicate
	case seq >= s.next+uint64(s.window):
		return nil, offerOverrun
	}
	if _, dup := s.pending.ReplaceOrInsert(pendingFrame{seq: seq, frame: frame}); dup {
		return nil, offerDuplicate
	}

	for {
		head, ok := s.pending.Min()
		if !ok || head.seq != s.next {
			break
		}
		s.pending.DeleteMin()
		ready = append(ready, head.frame)
		s.next++
	}
	if len(ready) == 0 {
		return nil, offerBuffered
	}
	return ready, offerDelivered
}

// buffered is how many messages wait behind a gap.
func (s *sequenceState) buffered() int {
	return s.pending.Len()
}

// consume records that the application read seq, it returns the value
// to acknowledge once enough was read since the last acknowledgement.
func (s *sequenceState) consume(seq uint64) (ack uint64, ok bool) {
	s.consumed = max(s.consumed, seq)
	if s.consumed-s.acked < ackThreshold(s.window) {
		return 0, false
	}
	s.acked = s.consumed
	return s.acked, true
}

func ackThreshold(window int) uint64 {
	return uint64(max(1, window/2))
}

// creditState bounds what we have in flight towards one member.
type creditState struct {
	sending sync.Mutex

	next  uint64
	acked uint64
	gone  bool
	// wake is closed, then replaced, whenever credit comes back or the
	// member leaves.
	wake chan struct{}
}

func newCreditState() *creditState {
	return &creditState{next: 1, wake: make(chan struct{})}
}

func (c *creditState) inFlight() uint64 {
	return c.next - 1 - c.acked
}

func (c *creditState) ack(seq uint64) {
	if seq <= c.acked || seq >= c.next {
		return
	}
	c.acked = seq
	c.signal()
}

func (c *creditState) signal() {
	close(c.wake)
	c.wake = make(chan struct{})
}
