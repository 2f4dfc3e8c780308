package torsion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Backend is one concrete endpoint implementing a logical service. It is a
// plain configuration value, never mutated after construction.
type Backend struct {
	// URL of the endpoint; http and https schemes select the plain or
	// secure-stream variant.
	URL string

	// Timeout bounds each exchange against this backend. Zero falls back to
	// the exchanger's default.
	Timeout time.Duration
}

// backendTarget is a Backend parsed once at registration time.
type backendTarget struct {
	raw     string
	host    string
	port    int
	path    string
	secure  bool
	timeout time.Duration
}

func parseBackend(b Backend) (*backendTarget, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrBackendURL, b.URL, err)
	}

	var secure bool
	switch u.Scheme {
	case "http":
	case "https":
		secure = true
	default:
		return nil, fmt.Errorf("%w: %q: unsupported scheme", ErrBackendURL, b.URL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrBackendURL, b.URL)
	}

	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrBackendURL, b.URL, err)
		}
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	return &backendTarget{
		raw:     b.URL,
		host:    u.Hostname(),
		port:    port,
		path:    path,
		secure:  secure,
		timeout: b.Timeout,
	}, nil
}

// ProbeFunc overrides the availability probe of the dispatcher. A nil error
// means the backend may be tried. Used when a service needs a cheaper or
// richer health signal than the built-in one.
type ProbeFunc func(ctx context.Context, backendURL string) error

// Result is the successful outcome of a dispatched call.
type Result struct {
	// Backend that served the call.
	Backend string

	// Status of the winning exchange.
	Status int

	// Payload is the backend's JSON response body, decoded no further than
	// structural validation.
	Payload json.RawMessage
}

// Dispatcher fails a logical call over to the next backend of a service
// until one succeeds or all are exhausted. Per-backend failures (probe,
// transport, non-2xx, invalid payload) are recoverable; exhaustion is not.
type Dispatcher struct {
	sessions *SessionManager
	ex       *Exchanger
	services map[string][]*backendTarget
	probeFn  ProbeFunc

	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label
}

// Call sends `{method, params}` to the first healthy backend of service,
// over a path grouped by isolationTag under the active policy. Every backend
// attempt of one call uses the same session path; only health probes run on
// throwaway paths outside the isolation space. On total exhaustion it
// returns an `*ExhaustedError` carrying per-backend errors in order.
func (d *Dispatcher) Call(ctx context.Context, service, method string, params []any, isolationTag string) (*Result, error) {
	targets, ok := d.services[service]
	if !ok || len(targets) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}

	d.msink.IncrCounterWithLabels(MetricDispatchCount, 1.0,
		append(d.mlabels, LabelService.M(service)))

	var attempts []*BackendError
	var sessionPath *Path
	for _, tgt := range targets {
		if err := d.probe(ctx, tgt); err != nil {
			d.msink.IncrCounterWithLabels(MetricDispatchProbeErrorCount, 1.0,
				append(d.mlabels, LabelService.M(service), LabelBackend.M(tgt.raw)))
			d.logger.Debug("backend probe failed", LabelService.L(service),
				LabelBackend.L(tgt.raw), LabelError.L(err))
			attempts = append(attempts, &BackendError{URL: tgt.raw, Err: err})
			continue
		}

		if sessionPath == nil {
			// One session path per call, shared by all backend attempts.
			path, err := d.sessions.Acquire(ctx, isolationTag, service)
			if err != nil {
				return nil, err
			}
			sessionPath = path
		}

		res, berr := d.callBackend(ctx, sessionPath, tgt, method, params)
		if berr != nil {
			d.logger.Debug("backend attempt failed", LabelService.L(service),
				LabelBackend.L(tgt.raw), LabelError.L(berr))
			attempts = append(attempts, berr)
			continue
		}
		return res, nil
	}

	d.msink.IncrCounterWithLabels(MetricDispatchExhaustedCount, 1.0,
		append(d.mlabels, LabelService.M(service)))
	return nil, &ExhaustedError{Service: service, Attempts: attempts}
}

// probe checks a backend over a throwaway, isolation-exempt path which is
// destroyed unconditionally, so a dead backend never taints the caller's
// session path.
func (d *Dispatcher) probe(ctx context.Context, tgt *backendTarget) error {
	if d.probeFn != nil {
		return d.probeFn(ctx, tgt.raw)
	}

	if tgt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tgt.timeout)
		defer cancel()
	}

	path, err := d.sessions.Ephemeral(ctx)
	if err != nil {
		return err
	}
	defer d.sessions.Discard(path)

	req := &RequestFrame{Method: "HEAD", Target: tgt.path}
	req.SetHeader("Connection", "close")
	_, err = d.ex.Exchange(ctx, path, tgt.host, tgt.port, req, tgt.secure)
	return err
}

func (d *Dispatcher) callBackend(ctx context.Context, path *Path, tgt *backendTarget, method string, params []any) (*Result, *BackendError) {
	if tgt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tgt.timeout)
		defer cancel()
	}

	envelope, err := json.Marshal(struct {
		Method string `json:"method"`
		Params []any  `json:"params"`
	}{Method: method, Params: params})
	if err != nil {
		return nil, &BackendError{URL: tgt.raw, Err: err}
	}

	req := &RequestFrame{Method: "POST", Target: tgt.path, Body: envelope}
	req.SetHeader("Content-Type", "application/json")
	req.SetHeader("Connection", "close")

	resp, err := d.ex.Exchange(ctx, path, tgt.host, tgt.port, req, tgt.secure)
	if err != nil {
		return nil, &BackendError{URL: tgt.raw, Err: err}
	}
	if resp.Status == 0 {
		return nil, &BackendError{URL: tgt.raw, Err: ErrParseAnomaly}
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &BackendError{URL: tgt.raw,
			Err: fmt.Errorf("dispatch: backend status %d", resp.Status)}
	}

	var payload json.RawMessage
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, &BackendError{URL: tgt.raw,
			Err: fmt.Errorf("dispatch: structurally invalid payload: %w", err)}
	}

	return &Result{Backend: tgt.raw, Status: resp.Status, Payload: payload}, nil
}
