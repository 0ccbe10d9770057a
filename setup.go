package tipc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SetupStyle tells what triggered a connection setup.
type SetupStyle uint8

const (
	// Implicit setup starts with the first message sent to a service,
	// it completes when the peer answers.
	Implicit SetupStyle = iota + 1
	// Explicit setup is a blocking `Socket.Connect`.
	Explicit
)

func (s SetupStyle) String() string {
	switch s {
	case Implicit:
		return "implicit"
	case Explicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// ConnectionState of a connection-oriented `Socket`. It is one of
// `Unconnected`, `SetupPending`, `Established` or `Failed`.
type ConnectionState interface {
	fmt.Stringer
	connectionState()
}

type Unconnected struct{}

type SetupPending struct {
	Style       SetupStyle
	InitiatedAt time.Time
}

type Established struct {
	Peer SocketAddress
}

// Failed is terminal: a socket never leaves it.
type Failed struct {
	Reason error
}

func (Unconnected) connectionState()  {}
func (SetupPending) connectionState() {}
func (Established) connectionState()  {}
func (Failed) connectionState()       {}

func (Unconnected) String() string { return "unconnected" }

func (s SetupPending) String() string {
	return fmt.Sprintf("%s setup pending since %s", s.Style, s.InitiatedAt.Format(time.RFC3339))
}

func (s Established) String() string { return "established with " + s.Peer.String() }

func (s Failed) String() string { return fmt.Sprintf("failed: %s", s.Reason) }

var ErrAlreadyConnected = errors.New("setup: already connected")

// setupMachine drives the `ConnectionState` of a socket. Both setup
// styles go through the same transitions, only what triggers them
// differs.
type setupMachine struct {
	clock clock.Clock

	lk    sync.Mutex
	state ConnectionState
}

func newSetupMachine(clk clock.Clock) *setupMachine {
	return &setupMachine{clock: clk, state: Unconnected{}}
}

func (m *setupMachine) current() ConnectionState {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.state
}

// begin moves an unconnected socket to `SetupPending`.
func (m *setupMachine) begin(style SetupStyle) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	switch st := m.state.(type) {
	case Unconnected:
		m.state = SetupPending{Style: style, InitiatedAt: m.clock.Now()}
		return nil
	case SetupPending:
		return ErrSetupPending
	case Established:
		return ErrAlreadyConnected
	case Failed:
		return fmt.Errorf("%w: %w", ErrSetupFailed, st.Reason)
	}
	return nil
}

// establish completes a pending setup. It reports whether a transition
// happened along with the style it completed.
func (m *setupMachine) establish(peer SocketAddress) (SetupStyle, bool) {
	m.lk.Lock()
	defer m.lk.Unlock()

	pending, ok := m.state.(SetupPending)
	if !ok {
		return 0, false
	}
	m.state = Established{Peer: peer}
	return pending.Style, true
}

// fail ends a pending setup with reason.
func (m *setupMachine) fail(reason error) (SetupStyle, bool) {
	m.lk.Lock()
	defer m.lk.Unlock()

	pending, ok := m.state.(SetupPending)
	if !ok {
		return 0, false
	}
	m.state = Failed{Reason: reason}
	return pending.Style, true
}

// pendingImplicit reports whether an implicit setup awaits its first
// answer.
func (m *setupMachine) pendingImplicit() bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	pending, ok := m.state.(SetupPending)
	return ok && pending.Style == Implicit
}

// failureKind narrows err to the error kind recorded in `Failed`.
func failureKind(err error) error {
	for _, kind := range []error{ErrTimeout, ErrNoRouteToHost, ErrResourceExhausted, ErrInvalidAddress, ErrClosed} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return err
}
