package flow

import (
	"context"
	"fmt"
	"sync"
)

// Sender is a thread-safe and typed flow writer. Messages are queued
// and written in order by one goroutine.
type Sender[T any] struct {
	raw   *Raw
	codec Codec[T]

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	// handle Close sync.
	writer sync.WaitGroup
	err    error
	lk     sync.Mutex
}

func NewSender[T any](raw *Raw, codec Codec[T], bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		raw:   raw,
		codec: codec,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send queues msg. It fails once the flow is closed or broken, with the
// error that broke it.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.failure()
	case w.writeCh <- msg:
	}

	return nil
}

// Close waits for the queued messages to be written, then closes the
// connection.
func (w *Sender[T]) Close() error {
	w.closeWith(ErrFlowClosed)
	w.mainLoopWg.Wait()
	w.cancel()
	return w.raw.Close()
}

func (w *Sender[T]) failure() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

func (w *Sender[T]) closeWith(cause error) {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return
	}
	w.err = cause
	close(w.closeCh)
	w.lk.Unlock()

	w.writer.Wait()
	close(w.writeCh)
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	for msg := range w.writeCh {
		frame, err := w.codec.Marshal(msg)
		if err == nil {
			err = w.raw.SendFrame(w.ctx, frame)
		} else {
			err = fmt.Errorf("flow: encoding %T: %w", msg, err)
		}
		if err != nil {
			// Sends and Close wait on writers, not on us.
			go w.closeWith(err)
			for range w.writeCh {
			}
			return
		}
	}
}
