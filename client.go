package torsion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Client ties the session manager, the exchange engine and the failover
// dispatcher over one `Transport`. It is safe for concurrent use; unrelated
// calls never serialize on each other.
type Client struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	tr       Transport
	sessions *SessionManager
	ex       *Exchanger
	dispatch *Dispatcher
}

// New builds a `Client` on tr. The transport session is not established
// until `Connect` is called.
func New(tr Transport, opts ...Option) (*Client, error) {
	c := &Client{tr: tr}

	for _, opt := range opts {
		if err := opt(&c.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.cfg.logHandler != nil {
		c.logger = slog.New(c.cfg.logHandler)
	} else {
		c.logger = slog.Default()
	}

	if c.cfg.msink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = c.cfg.msink
	}

	c.sessions = NewSessionManager(tr, SessionManagerConfig{
		Policy:           c.cfg.policy,
		RotationInterval: c.cfg.rotationInterval,
		MetricLabels:     c.cfg.metricLabels,
		MetricSink:       c.msink,
		LogHandler:       c.cfg.logHandler,
	})

	c.ex = NewExchanger(tr, ExchangerConfig{
		Timeout:          c.cfg.exchangeTimeout,
		ReadChunkSize:    c.cfg.readChunkSize,
		MaxResponseBytes: c.cfg.maxResponseBytes,
		MetricLabels:     c.cfg.metricLabels,
		MetricSink:       c.msink,
		LogHandler:       c.cfg.logHandler,
	})

	c.dispatch = &Dispatcher{
		sessions: c.sessions,
		ex:       c.ex,
		services: c.cfg.services,
		probeFn:  c.cfg.probeFn,
		logger:   c.logger,
		msink:    c.msink,
		mlabels:  c.cfg.metricLabels,
	}

	return c, nil
}

// Connect establishes the underlying transport session.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.logger.Info("transport session established")
	return nil
}

// Disconnect tears the transport session down. Call `Teardown` first if you
// want paths destroyed cleanly.
func (c *Client) Disconnect() error {
	if err := c.tr.Disconnect(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// IsConnected reports transport session liveness.
func (c *Client) IsConnected() bool {
	return c.tr.IsConnected()
}

// Call dispatches (method, params) to the named service with failover
// across its backends, isolated under isolationTag.
func (c *Client) Call(ctx context.Context, service, method string, params []any, isolationTag string) (*Result, error) {
	if !c.tr.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.dispatch.Call(ctx, service, method, params, isolationTag)
}

// Session returns the path grouping (class, subtag), creating it on first
// use.
func (c *Client) Session(ctx context.Context, class, subtag string) (*Path, error) {
	if !c.tr.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.sessions.Acquire(ctx, class, subtag)
}

// GetSession looks a session path up without creating one.
func (c *Client) GetSession(class, subtag string) (*Path, bool) {
	return c.sessions.Get(DeriveKey(c.cfg.policy, class, subtag))
}

// RotateSession destroys path and replaces it under the same key.
func (c *Client) RotateSession(ctx context.Context, path *Path) (*Path, error) {
	return c.sessions.Rotate(ctx, path)
}

// DestroySession destroys path and removes it from the active map.
func (c *Client) DestroySession(path *Path) error {
	return c.sessions.Release(path)
}

// Exchange performs one request/response cycle over a fresh stream on path.
func (c *Client) Exchange(ctx context.Context, path *Path, host string, port int, req *RequestFrame, secure bool) (*ResponseFrame, error) {
	return c.ex.Exchange(ctx, path, host, port, req, secure)
}

// OpenStream opens a raw byte stream on path for a caller-managed session.
// The caller owns the stream and MUST close it; the path stays managed.
func (c *Client) OpenStream(ctx context.Context, path *Path, host string, port int, secure bool) (Stream, error) {
	if !c.tr.IsConnected() {
		return nil, ErrNotConnected
	}
	st, err := c.tr.ConnectStream(ctx, path.ID, host, port, secure)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrStream, err)
	}
	return st, nil
}

// Teardown destroys all session paths and cancels all rotation timers. It is
// idempotent and never double-destroys a path.
func (c *Client) Teardown() {
	c.sessions.Teardown()
}
