package tipc

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/tipc/pkg/transport"
	"github.com/raskyld/tipc/pkg/transport/loopback"
)

const (
	testNode1 = 0x1001001
	testNode2 = 0x1001002
	testNode3 = 0x1001003

	testService = 4242
)

func testLog() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
}

func testSink() *metrics.InmemSink {
	return metrics.NewInmemSink(10*time.Second, time.Minute)
}

// nodeOpts returns the options binding sockets to a node of cl.
func nodeOpts(cl *loopback.Cluster, node uint32, extra ...Option) []Option {
	return append([]Option{
		WithTransport(cl.Node(node)),
		WithLog(testLog()),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, extra...)
}

func newTestSocket(t *testing.T, kind Kind, opts ...Option) *Socket {
	t.Helper()
	s, err := Open(kind, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustService(t *testing.T, typ, instance uint32) ServiceAddress {
	t.Helper()
	addr, err := NewServiceAddress(typ, instance, ClusterScope)
	require.NoError(t, err)
	return addr
}

func mustRange(t *testing.T, typ, lower, upper uint32) ServiceRange {
	t.Helper()
	r, err := NewServiceRange(typ, lower, upper)
	require.NoError(t, err)
	return r
}

func receive(t *testing.T, s *Socket) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := s.Receive(ctx)
	require.NoError(t, err)
	return msg
}

// counter sums a counter over every interval, whatever its labels.
func counter(sink *metrics.InmemSink, key []string) float64 {
	name := strings.Join(key, ".")
	var total float64
	for _, iv := range sink.Data() {
		iv.RLock()
		for k, v := range iv.Counters {
			if k == name || strings.HasPrefix(k, name+";") {
				total += v.Sum
			}
		}
		iv.RUnlock()
	}
	return total
}

type MockDriver struct {
	m mock.Mock
}

func (d *MockDriver) Open(kind transport.Kind) (transport.Conn, error) {
	args := d.m.Called(kind)
	conn, _ := args.Get(0).(transport.Conn)
	return conn, args.Error(1)
}

func (d *MockDriver) OwnNode() (uint32, error) {
	args := d.m.Called()
	return uint32(args.Int(0)), args.Error(1)
}

type MockConn struct {
	m mock.Mock
}

func (c *MockConn) Bind(addr transport.Addr) error   { return c.m.Called(addr).Error(0) }
func (c *MockConn) Unbind(addr transport.Addr) error { return c.m.Called(addr).Error(0) }
func (c *MockConn) Listen(backlog int) error         { return c.m.Called(backlog).Error(0) }

func (c *MockConn) Accept(ctx context.Context) (transport.Conn, error) {
	args := c.m.Called(ctx)
	conn, _ := args.Get(0).(transport.Conn)
	return conn, args.Error(1)
}

func (c *MockConn) Connect(ctx context.Context, addr transport.Addr) error {
	return c.m.Called(ctx, addr).Error(0)
}

func (c *MockConn) Send(ctx context.Context, payload []byte) error {
	return c.m.Called(ctx, payload).Error(0)
}

func (c *MockConn) SendTo(ctx context.Context, addr transport.Addr, payload []byte) error {
	return c.m.Called(ctx, addr, payload).Error(0)
}

func (c *MockConn) Recv(ctx context.Context, buf []byte) (transport.Message, error) {
	args := c.m.Called(ctx, buf)
	return args.Get(0).(transport.Message), args.Error(1)
}

func (c *MockConn) LocalAddr() (transport.Addr, error) {
	args := c.m.Called()
	return args.Get(0).(transport.Addr), args.Error(1)
}

func (c *MockConn) PeerAddr() (transport.Addr, error) {
	args := c.m.Called()
	return args.Get(0).(transport.Addr), args.Error(1)
}

func (c *MockConn) SetImportance(level uint32) error    { return c.m.Called(level).Error(0) }
func (c *MockConn) SetRejectable(rejectable bool) error { return c.m.Called(rejectable).Error(0) }
func (c *MockConn) Shutdown() error                     { return c.m.Called().Error(0) }
func (c *MockConn) Close() error                        { return c.m.Called().Error(0) }
