package torsion

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestExchanger(t *testing.T, mt *memTransport, cfg ExchangerConfig) (*Exchanger, *Path) {
	t.Helper()
	if cfg.MetricSink == nil {
		cfg.MetricSink = &metrics.BlackholeSink{}
	}
	require.NoError(t, mt.CreatePath(context.Background(), "p1"))
	return NewExchanger(mt, cfg), &Path{ID: "p1", Key: GlobalKey}
}

func TestExchange_ContentLengthCompletion(t *testing.T) {
	ss := &scriptStream{reads: [][]byte{
		[]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"),
		[]byte("ab"),
		[]byte("cde"),
		[]byte("MUST NOT BE READ"),
	}}
	mt := newMemTransport()
	mt.connect = func(PathID, string, int, bool) (Stream, error) { return ss, nil }
	ex, path := newTestExchanger(t, mt, ExchangerConfig{})

	resp, err := ex.Exchange(context.Background(), path, "h", 80, &RequestFrame{}, false)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "abcde", string(resp.Body))
	require.Equal(t, 3, ss.readCount(), "reading must stop once Content-Length is satisfied")
	require.Equal(t, 1, ss.closeCount())
}

func TestExchange_HeuristicCompletion(t *testing.T) {
	ss := &scriptStream{reads: [][]byte{
		[]byte("HTTP/1.1 200 OK\r\n\r\n"),
		[]byte("body"),
		[]byte("MUST NOT BE READ"),
	}}
	mt := newMemTransport()
	mt.connect = func(PathID, string, int, bool) (Stream, error) { return ss, nil }
	ex, path := newTestExchanger(t, mt, ExchangerConfig{})

	resp, err := ex.Exchange(context.Background(), path, "h", 80, &RequestFrame{}, false)
	require.NoError(t, err)
	require.Equal(t, "body", string(resp.Body),
		"without Content-Length, the first non-empty read past the delimiter completes")
	require.Equal(t, 2, ss.readCount())
	require.Equal(t, 1, ss.closeCount())
}

func TestExchange_RequestOnWire(t *testing.T) {
	ss := &scriptStream{reads: [][]byte{
		[]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"),
	}}
	mt := newMemTransport()
	mt.connect = func(PathID, string, int, bool) (Stream, error) { return ss, nil }
	ex, path := newTestExchanger(t, mt, ExchangerConfig{})

	req := &RequestFrame{Method: "POST", Target: "/rpc", Body: []byte(`{}`)}
	_, err := ex.Exchange(context.Background(), path, "example.onion", 80, req, false)
	require.NoError(t, err)
	require.Equal(t,
		"POST /rpc HTTP/1.1\r\nHost: example.onion\r\nContent-Length: 2\r\n\r\n{}",
		ss.written())
}

func TestExchange_CloseIsUnconditional(t *testing.T) {
	boom := errors.New("boom")
	cases := map[string]*scriptStream{
		"write": {writeErr: boom},
		"flush": {flushErr: boom},
		"read":  {readErr: boom},
	}

	for name, ss := range cases {
		mt := newMemTransport()
		mt.connect = func(PathID, string, int, bool) (Stream, error) { return ss, nil }
		ex, path := newTestExchanger(t, mt, ExchangerConfig{})

		_, err := ex.Exchange(context.Background(), path, "h", 80, &RequestFrame{}, false)
		require.ErrorIs(t, err, ErrStream, "%s failure must surface as a stream failure", name)
		require.Equal(t, 1, ss.closeCount(),
			"%s failure must still close the stream exactly once", name)
	}
}

func TestExchange_ConnectFailure(t *testing.T) {
	boom := errors.New("no circuit")
	mt := newMemTransport()
	mt.connect = func(PathID, string, int, bool) (Stream, error) { return nil, boom }
	ex, path := newTestExchanger(t, mt, ExchangerConfig{})

	_, err := ex.Exchange(context.Background(), path, "h", 80, &RequestFrame{}, false)
	require.ErrorIs(t, err, ErrStream)
	require.ErrorIs(t, err, boom)
}

func TestExchange_EmptyResponse(t *testing.T) {
	ss := &scriptStream{}
	mt := newMemTransport()
	mt.connect = func(PathID, string, int, bool) (Stream, error) { return ss, nil }
	ex, path := newTestExchanger(t, mt, ExchangerConfig{})

	_, err := ex.Exchange(context.Background(), path, "h", 80, &RequestFrame{}, false)
	require.ErrorIs(t, err, ErrEmptyResponse)
	require.Equal(t, 1, ss.closeCount())
}

func TestExchange_ParseAnomalyIsNotFatal(t *testing.T) {
	ss := &scriptStream{reads: [][]byte{
		[]byte("garbage status line\r\n\r\npayload"),
	}}
	mt := newMemTransport()
	mt.connect = func(PathID, string, int, bool) (Stream, error) { return ss, nil }
	ex, path := newTestExchanger(t, mt, ExchangerConfig{})

	resp, err := ex.Exchange(context.Background(), path, "h", 80, &RequestFrame{}, false)
	require.NoError(t, err)
	require.Equal(t, 0, resp.Status, "callers must treat status 0 as unparseable")
	require.Equal(t, "payload", string(resp.Body))
}

func TestExchange_BoundedAccumulation(t *testing.T) {
	// A stream that never completes a frame and never ends.
	endless := [][]byte{}
	for i := 0; i < 64; i++ {
		endless = append(endless, []byte("HTTP/1.1 200 OK\r\nContent-Length: 999999\r\n"))
	}
	ss := &scriptStream{reads: endless}
	mt := newMemTransport()
	mt.connect = func(PathID, string, int, bool) (Stream, error) { return ss, nil }
	ex, path := newTestExchanger(t, mt, ExchangerConfig{
		ReadChunkSize:    64,
		MaxResponseBytes: 256,
	})

	_, err := ex.Exchange(context.Background(), path, "h", 80, &RequestFrame{}, false)
	require.ErrorIs(t, err, ErrResponseTooLarge)
	require.Equal(t, 1, ss.closeCount())
}
