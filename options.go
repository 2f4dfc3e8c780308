package torsion

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	policy           IsolationPolicy
	rotationInterval time.Duration
	exchangeTimeout  time.Duration
	readChunkSize    int
	maxResponseBytes int
	services         map[string][]*backendTarget
	probeFn          ProbeFunc
	logHandler       slog.Handler
	msink            metrics.MetricSink
	metricLabels     []metrics.Label
}

// Option to pass to `New`.
type Option func(*config) error

// WithIsolationPolicy decides which exchanges may share a path. Defaults to
// `IsolationNone`: one shared path for everything.
func WithIsolationPolicy(policy IsolationPolicy) Option {
	return func(c *config) error {
		if policy > IsolationPerClassSubtag {
			return fmt.Errorf("unknown isolation policy %d", policy)
		}
		c.policy = policy
		return nil
	}
}

// WithRotationInterval controls how long a path may be reused before it is
// destroyed and replaced. Zero disables rotation.
func WithRotationInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return fmt.Errorf("rotation interval must not be negative")
		}
		c.rotationInterval = interval
		return nil
	}
}

// WithExchangeTimeout bounds one request/response exchange end to end.
func WithExchangeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultExchangeTimeout
		}
		c.exchangeTimeout = timeout
		return nil
	}
}

// WithReadChunkSize sets the fixed size of each primitive read during
// response accumulation.
func WithReadChunkSize(size int) Option {
	return func(c *config) error {
		if size == 0 {
			size = DefaultReadChunkSize
		}
		c.readChunkSize = size
		return nil
	}
}

// WithMaxResponseBytes caps response accumulation so a misbehaving backend
// cannot grow memory without bound.
func WithMaxResponseBytes(n int) Option {
	return func(c *config) error {
		if n == 0 {
			n = DefaultMaxResponseBytes
		}
		c.maxResponseBytes = n
		return nil
	}
}

// WithService registers the ordered backend list of a logical service. Order
// matters: the dispatcher tries backends first to last.
func WithService(name string, backends ...Backend) Option {
	return func(c *config) error {
		if name == "" {
			return fmt.Errorf("service name must not be empty")
		}
		if len(backends) == 0 {
			return fmt.Errorf("service %q needs at least one backend", name)
		}
		targets := make([]*backendTarget, 0, len(backends))
		for _, b := range backends {
			tgt, err := parseBackend(b)
			if err != nil {
				return err
			}
			targets = append(targets, tgt)
		}
		if c.services == nil {
			c.services = make(map[string][]*backendTarget)
		}
		c.services[name] = targets
		return nil
	}
}

// WithHealthProbe overrides the dispatcher's availability probe.
func WithHealthProbe(probe ProbeFunc) Option {
	return func(c *config) error {
		c.probeFn = probe
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

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the client.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the client.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}
