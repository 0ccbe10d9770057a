// Package flow exchanges typed messages over an established TIPC
// connection.
//
// A [Raw] flow frames messages over a connected socket: a SeqPacket
// socket keeps message boundaries so a frame is a message, a Stream
// socket does not so frames are length-prefixed. Most users should wrap
// it in a [Sender] and a [Receiver].
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/raskyld/tipc"
)

var (
	ErrFlowClosed    = errors.New("flow: closed")
	ErrFrameTooLarge = errors.New("flow: frame too large")
)

// MaxStreamFrame is the largest frame accepted on a Stream socket.
const MaxStreamFrame = 4 << 20

// Conn is an established connection, such as a `*tipc.Socket`.
type Conn interface {
	Kind() tipc.Kind
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) (tipc.Message, error)
	Close() error
}

// Raw is a bidirectional framed flow. One goroutine may send while
// another receives.
type Raw struct {
	conn   Conn
	stream bool

	sendLk sync.Mutex

	recvLk  sync.Mutex
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

// NewRaw frames messages over conn, which must be connection-oriented.
func NewRaw(conn Conn) (*Raw, error) {
	switch conn.Kind() {
	case tipc.SeqPacket:
		return &Raw{conn: conn}, nil
	case tipc.Stream:
		return &Raw{conn: conn, stream: true}, nil
	default:
		return nil, fmt.Errorf("%w: flows need a connection, not a %s socket", tipc.ErrWrongKind, conn.Kind())
	}
}

// SendFrame sends one frame.
func (r *Raw) SendFrame(ctx context.Context, frame []byte) error {
	r.sendLk.Lock()
	defer r.sendLk.Unlock()

	if !r.stream {
		if len(frame) > tipc.MaxMessageSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
		}
		return r.conn.Send(ctx, frame)
	}

	if len(frame) > MaxStreamFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	buf := protowire.AppendVarint(make([]byte, 0, protowire.SizeVarint(uint64(len(frame)))+len(frame)), uint64(len(frame)))
	buf = append(buf, frame...)
	for len(buf) > 0 {
		n := min(len(buf), tipc.MaxMessageSize)
		if err := r.conn.Send(ctx, buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// RecvFrame returns the next frame. It returns `io.EOF` once the peer
// closed the connection.
func (r *Raw) RecvFrame(ctx context.Context) ([]byte, error) {
	r.recvLk.Lock()
	defer r.recvLk.Unlock()

	for {
		if r.stream {
			frame, ok, err := r.nextFrame()
			if err != nil || ok {
				return frame, err
			}
		}

		msg, err := r.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) && len(r.pending) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if msg.Kind == tipc.MessageRejected {
			return nil, fmt.Errorf("flow: message returned: %s: %w", msg.Reason, msg.Reason.Err())
		}
		if !r.stream {
			return msg.Payload, nil
		}
		r.pending = append(r.pending, msg.Payload...)
	}
}

// nextFrame cuts a frame out of what was received so far.
func (r *Raw) nextFrame() ([]byte, bool, error) {
	size, n := protowire.ConsumeVarint(r.pending)
	if n < 0 {
		err := protowire.ParseError(n)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: frame length: %w", tipc.ErrProtocolViolation, err)
	}
	if size > MaxStreamFrame {
		return nil, false, fmt.Errorf("%w: %w: %d bytes", tipc.ErrProtocolViolation, ErrFrameTooLarge, size)
	}
	end := n + int(size)
	if len(r.pending) < end {
		return nil, false, nil
	}

	frame := make([]byte, size)
	copy(frame, r.pending[n:end])
	r.pending = r.pending[end:]
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return frame, true, nil
}

// Close closes the connection, once.
func (r *Raw) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}
