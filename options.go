package tipc

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/tipc/pkg/transport"
	"github.com/raskyld/tipc/pkg/transport/kernel"
)

const (
	defaultConnectTimeout = 8 * time.Second
	defaultWindow         = 64
	defaultBackoffMin     = 100 * time.Millisecond
	defaultBackoffMax     = 10 * time.Second
)

// Importance of the messages sent by a socket. The more important, the
// larger the receive buffer space they are allowed to use.
type Importance uint32

const (
	ImportanceLow Importance = iota
	ImportanceMedium
	ImportanceHigh
	ImportanceCritical
)

func (i Importance) String() string {
	switch i {
	case ImportanceLow:
		return "low"
	case ImportanceMedium:
		return "medium"
	case ImportanceHigh:
		return "high"
	case ImportanceCritical:
		return "critical"
	default:
		return fmt.Sprintf("importance(%d)", uint32(i))
	}
}

type config struct {
	driver       transport.Driver
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	clock        clock.Clock

	connectTimeout time.Duration
	importance     *Importance
	rejectable     *bool

	window   int
	loopback bool

	backoffMin time.Duration
	backoffMax time.Duration
}

// Option to pass to `Open`, `NewGroup` or `Subscribe`.
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		connectTimeout: defaultConnectTimeout,
		window:         defaultWindow,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.driver == nil {
		cfg.driver = kernel.New()
	}
	if cfg.metricSink == nil {
		cfg.metricSink = metrics.Default()
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	return cfg, nil
}

func (cfg *config) logger() *slog.Logger {
	if cfg.logHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.logHandler)
}

// WithTransport specifies the driver moving the bytes. It defaults to
// the kernel of the host.
func WithTransport(driver transport.Driver) Option {
	return func(c *config) error {
		c.driver = driver
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock is mostly useful to tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		c.clock = clk
		return nil
	}
}

// WithConnectTimeout bounds explicit connection setup when the context
// carries no deadline.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("connect timeout must not be negative")
		}
		if timeout == 0 {
			timeout = defaultConnectTimeout
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithImportance sets the importance of every message sent.
func WithImportance(importance Importance) Option {
	return func(c *config) error {
		if importance > ImportanceCritical {
			return fmt.Errorf("unknown %s", importance)
		}
		c.importance = &importance
		return nil
	}
}

// WithRejectable controls whether undeliverable datagrams come back as
// rejected messages (the default) or are silently dropped.
func WithRejectable(rejectable bool) Option {
	return func(c *config) error {
		c.rejectable = &rejectable
		return nil
	}
}

// WithWindow bounds how many out of order messages a `Group` buffers for
// each peer before it stops reading.
func WithWindow(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("window must be positive, got %d", size)
		}
		c.window = size
		return nil
	}
}

// WithLoopback makes a `Group` deliver its own multicast and broadcast
// messages to itself.
func WithLoopback(loopback bool) Option {
	return func(c *config) error {
		c.loopback = loopback
		return nil
	}
}

// WithResubscribeBackoff bounds the delay between two attempts to
// reconnect to the topology server. A `Group` uses the same bounds before
// sending again a message an overloaded member returned.
func WithResubscribeBackoff(min, max time.Duration) Option {
	return func(c *config) error {
		if min <= 0 || max < min {
			return fmt.Errorf("invalid backoff [%s, %s]", min, max)
		}
		c.backoffMin = min
		c.backoffMax = max
		return nil
	}
}
