package tipc

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/raskyld/tipc/pkg/transport"
)

var (
	ErrInvalidCfg     = errors.New("tipc: invalid options")
	ErrInvalidAddress = errors.New("address: invalid address")

	ErrResourceExhausted = errors.New("socket: resources exhausted")
	ErrAddressInUse      = errors.New("socket: address already in use")
	ErrNoRouteToHost     = errors.New("socket: no route to host")
	ErrTimeout           = errors.New("socket: timed out")
	ErrClosed            = errors.New("socket: use of closed socket")
	ErrNotConnected      = errors.New("socket: not connected")
	ErrWrongKind         = errors.New("socket: operation not supported by this kind of socket")
	ErrMessageTooLarge   = errors.New("socket: message too large")
	ErrUnsupported       = errors.New("socket: not supported by the transport")
	// ErrTransport is any other failure reported by the transport.
	ErrTransport = errors.New("socket: transport failure")

	ErrSetupFailed  = errors.New("setup: connection setup failed")
	ErrSetupPending = errors.New("setup: connection setup in progress")

	ErrProtocolViolation = errors.New("tipc: protocol violation")
)

// RejectReason tells why a message came back undelivered.
type RejectReason uint32

const (
	ReasonNone RejectReason = RejectReason(transport.ErrCodeOK)
	// ReasonNoName means no socket was bound to the service.
	ReasonNoName RejectReason = RejectReason(transport.ErrCodeNoName)
	// ReasonNoPort means the destination socket is gone.
	ReasonNoPort RejectReason = RejectReason(transport.ErrCodeNoPort)
	// ReasonNoNode means the destination node is unreachable.
	ReasonNoNode RejectReason = RejectReason(transport.ErrCodeNoNode)
	// ReasonOverload means the receive buffer of the destination is full.
	ReasonOverload RejectReason = RejectReason(transport.ErrCodeOverload)
	// ReasonConnShutdown means the peer closed the connection.
	ReasonConnShutdown RejectReason = RejectReason(transport.ErrCodeConnShutdown)
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNoName:
		return "no such service"
	case ReasonNoPort:
		return "no such socket"
	case ReasonNoNode:
		return "no such node"
	case ReasonOverload:
		return "overload"
	case ReasonConnShutdown:
		return "connection shutdown"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// Err returns the error kind a rejection amounts to.
func (r RejectReason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonOverload:
		return ErrResourceExhausted
	case ReasonConnShutdown:
		return ErrNotConnected
	default:
		return ErrNoRouteToHost
	}
}

// mapErr turns what the transport returned into one of our error kinds,
// keeping the cause reachable with `errors.Is`.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var kind error
	switch {
	case errors.Is(err, transport.ErrClosed):
		return ErrClosed
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		kind = ErrTimeout
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ECONNREFUSED):
		kind = ErrNoRouteToHost
	case errors.Is(err, syscall.EADDRINUSE):
		kind = ErrAddressInUse
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.ENOMEM):
		kind = ErrResourceExhausted
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.ENOENT):
		kind = ErrInvalidAddress
	case errors.Is(err, syscall.ENOTCONN), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		kind = ErrNotConnected
	case errors.Is(err, syscall.EMSGSIZE):
		kind = ErrMessageTooLarge
	case errors.Is(err, syscall.EOPNOTSUPP), errors.Is(err, syscall.ESOCKTNOSUPPORT),
		errors.Is(err, syscall.EAFNOSUPPORT):
		kind = ErrWrongKind
	case errors.Is(err, syscall.EISCONN), errors.Is(err, syscall.EALREADY):
		kind = ErrAlreadyConnected
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		kind = ErrInvalidAddress
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.ENOSPC):
		kind = ErrResourceExhausted
	case errors.Is(err, errors.ErrUnsupported), errors.Is(err, syscall.ENOSYS),
		errors.Is(err, syscall.ENOPROTOOPT):
		kind = ErrUnsupported
	default:
		kind = ErrTransport
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

// errorLabel is the value of `LabelError` for err.
func errorLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNoRouteToHost):
		return "no_route"
	case errors.Is(err, ErrAddressInUse):
		return "address_in_use"
	case errors.Is(err, ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}
