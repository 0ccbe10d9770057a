package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/tipc"
)

// Receiver is a thread-safe and typed flow reader. One goroutine reads
// ahead up to the buffer size.
type Receiver[T any] struct {
	raw   *Raw
	codec Codec[T]

	readCh     chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func NewReceiver[T any](raw *Raw, codec Codec[T], bufferSize uint) *Receiver[T] {
	r := &Receiver[T]{
		raw:   raw,
		codec: codec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

// Recv returns the next message. Once the flow ended, the messages
// already read ahead are returned first, then the cause: `io.EOF` when
// the peer closed the connection.
func (r *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-r.readCh:
		if !ok {
			r.lk.Lock()
			defer r.lk.Unlock()
			return result, r.err
		}
		return elem, nil
	}
}

// Close stops reading and closes the connection.
func (r *Receiver[T]) Close() error {
	r.closeWith(ErrFlowClosed)
	r.cancel()
	r.mainLoopWg.Wait()
	return r.raw.Close()
}

func (r *Receiver[T]) closeWith(cause error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err != nil {
		return
	}
	r.err = cause
	close(r.closeCh)
}

func (r *Receiver[T]) run() {
	defer r.mainLoopWg.Done()
	defer close(r.readCh)
	for {
		frame, err := r.raw.RecvFrame(r.ctx)
		if err != nil {
			r.closeWith(err)
			return
		}

		msg, err := r.codec.Unmarshal(frame)
		if err != nil {
			r.closeWith(fmt.Errorf("%w: decoding %T: %w", tipc.ErrProtocolViolation, msg, err))
			return
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- msg:
		}
	}
}
