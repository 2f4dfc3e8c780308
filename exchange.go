package torsion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	// DefaultReadChunkSize is how many bytes one primitive read may return.
	DefaultReadChunkSize = 4096

	// DefaultMaxResponseBytes bounds response accumulation so a misbehaving
	// backend cannot grow our memory without limit.
	DefaultMaxResponseBytes = 8 << 20

	// DefaultExchangeTimeout bounds one whole exchange when the caller's
	// context carries no deadline.
	DefaultExchangeTimeout = 60 * time.Second
)

// ExchangerConfig configures an `Exchanger`. Zero values take the defaults
// above.
type ExchangerConfig struct {
	// Timeout bounds one exchange end to end.
	Timeout time.Duration

	// ReadChunkSize is the fixed size of each primitive read.
	ReadChunkSize int

	// MaxResponseBytes caps total response accumulation.
	MaxResponseBytes int

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Exchanger reconstructs a request/response cycle on top of raw path
// streams: open one stream, write the serialized frame, flush, then read in
// fixed chunks until the response is complete or the stream ends. The stream
// is closed on EVERY exit, success or not.
//
// Completion without a Content-Length header stops after the first non-empty
// read past the header/body delimiter. Existing callers depend on that
// heuristic, but it is fragile for bodies split across packets; do not rely
// on it for large uncounted responses.
type Exchanger struct {
	tr     Transport
	cfg    ExchangerConfig
	logger *slog.Logger
	msink  metrics.MetricSink
}

func NewExchanger(tr Transport, cfg ExchangerConfig) *Exchanger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExchangeTimeout
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = DefaultReadChunkSize
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}

	ex := &Exchanger{tr: tr, cfg: cfg}

	if cfg.LogHandler == nil {
		ex.logger = slog.Default()
	} else {
		ex.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		ex.msink = metrics.Default()
	} else {
		ex.msink = cfg.MetricSink
	}

	return ex
}

// Exchange performs one request/response cycle over a fresh stream on path.
// The path is only borrowed: it is never destroyed here, whatever happens to
// the stream.
func (ex *Exchanger) Exchange(ctx context.Context, path *Path, host string, port int, req *RequestFrame, secure bool) (*ResponseFrame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ex.cfg.Timeout)
		defer cancel()
	}

	st, err := ex.tr.ConnectStream(ctx, path.ID, host, port, secure)
	if err != nil {
		ex.countError(host, "connect")
		return nil, fmt.Errorf("%w: connect: %w", ErrStream, err)
	}
	defer st.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := st.SetDeadline(deadline); err != nil {
			ex.logger.Debug("stream does not honour deadlines", LabelError.L(err))
		}
	}

	wire := req.encode(host)
	if _, err := st.Write(wire); err != nil {
		ex.countError(host, "write")
		return nil, ex.streamErr(ctx, "write", err)
	}
	if err := st.Flush(); err != nil {
		ex.countError(host, "flush")
		return nil, ex.streamErr(ctx, "flush", err)
	}
	ex.msink.IncrCounterWithLabels(MetricExchangeOutBytes, float32(len(wire)),
		append(ex.cfg.MetricLabels, LabelHost.M(host)))

	acc, err := ex.readResponse(ctx, st)
	if err != nil {
		ex.countError(host, "read")
		return nil, err
	}
	if len(acc) == 0 {
		ex.countError(host, "empty")
		return nil, ErrEmptyResponse
	}

	resp := parseResponse(acc)
	if resp.Status == 0 {
		// Parse anomaly: surfaced through the status, not fatal.
		ex.logger.Warn("response status line unparseable",
			LabelHost.L(host), LabelPathID.L(string(path.ID)))
	}

	ex.msink.IncrCounterWithLabels(MetricExchangeCount, 1.0,
		append(ex.cfg.MetricLabels, LabelHost.M(host)))
	ex.msink.IncrCounterWithLabels(MetricExchangeInBytes, float32(len(acc)),
		append(ex.cfg.MetricLabels, LabelHost.M(host)))
	return resp, nil
}

// readResponse accumulates fixed-size chunks until the completion predicate
// holds or the stream ends with a zero-length read or EOF. Both total bytes
// and iteration count are bounded.
func (ex *Exchanger) readResponse(ctx context.Context, st Stream) ([]byte, error) {
	maxReads := ex.cfg.MaxResponseBytes/ex.cfg.ReadChunkSize + 2

	var acc []byte
	chunk := make([]byte, ex.cfg.ReadChunkSize)
	for reads := 0; ; reads++ {
		if reads >= maxReads || len(acc) > ex.cfg.MaxResponseBytes {
			return nil, fmt.Errorf("%w: %d bytes after %d reads",
				ErrResponseTooLarge, len(acc), reads)
		}

		n, err := st.Read(chunk)
		if n > 0 {
			acc = append(acc, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return acc, nil
			}
			return nil, ex.streamErr(ctx, "read", err)
		}
		if n == 0 {
			// Zero-length read signals end of stream at the primitive layer.
			return acc, nil
		}
		if responseComplete(acc) {
			return acc, nil
		}
	}
}

// streamErr maps a primitive failure to the error taxonomy: deadline
// expiries become `ErrTimeout`, everything else `ErrStream`.
func (ex *Exchanger) streamErr(ctx context.Context, op string, err error) error {
	var nerr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStream, op, err)
}

func (ex *Exchanger) countError(host, op string) {
	ex.msink.IncrCounterWithLabels(MetricExchangeErrorCount, 1.0,
		append(ex.cfg.MetricLabels, LabelHost.M(host), LabelError.M(op)))
}
