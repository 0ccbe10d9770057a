package loopback

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/raskyld/tipc/pkg/transport"
)

var errQueueClosed = errors.New("loopback: queue closed")

// envelope is what travels between two conns.
type envelope struct {
	payload []byte
	msg     transport.Message
	weight  int64

	// replyTo receives the payload back if the envelope is never read.
	replyTo *conn
	// pending is set on connection requests queued on a listener.
	pending *pendingConn
}

// queue is the receive buffer of a conn.
//
// Data messages consume credit from a semaphore sized after the
// receive buffer, senders block until the reader catches up.
// Control messages (rejections, topology events, connection requests)
// are pushed with no weight and never block.
type queue struct {
	credit *semaphore.Weighted

	lk     sync.Mutex
	items  []envelope
	closed bool
	ready  chan struct{}

	done   context.Context
	cancel context.CancelFunc
}

func newQueue(capacity int64) *queue {
	done, cancel := context.WithCancel(context.Background())
	return &queue{
		credit: semaphore.NewWeighted(capacity),
		ready:  make(chan struct{}, 1),
		done:   done,
		cancel: cancel,
	}
}

func (q *queue) push(ctx context.Context, env envelope) error {
	if env.weight > 0 {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(q.done, cancel)
		defer stop()

		if err := q.credit.Acquire(ctx, env.weight); err != nil {
			if q.done.Err() != nil {
				return errQueueClosed
			}
			return err
		}
	}

	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		if env.weight > 0 {
			q.credit.Release(env.weight)
		}
		return errQueueClosed
	}
	q.items = append(q.items, env)
	q.lk.Unlock()

	q.signal()
	return nil
}

func (q *queue) pop(ctx context.Context) (envelope, error) {
	for {
		q.lk.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = envelope{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.lk.Unlock()

			if env.weight > 0 {
				q.credit.Release(env.weight)
			}
			if more {
				q.signal()
			}
			return env, nil
		}
		closed := q.closed
		q.lk.Unlock()

		if closed {
			return envelope{}, errQueueClosed
		}

		select {
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		case <-q.done.Done():
		case <-q.ready:
		}
	}
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// close wakes every pusher and popper and returns what was never read.
func (q *queue) close() []envelope {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cancel()

	left := q.items
	q.items = nil
	return left
}
