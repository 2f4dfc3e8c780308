package torsion

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// DefaultSocksAddr is where a locally running Tor daemon (arti or C tor)
	// listens by default.
	DefaultSocksAddr = "127.0.0.1:9050"

	// socksPassword pairs with the per-path username. The daemon only cares
	// that the (user, password) tuple differs between paths.
	socksPassword = "torsion"
)

// SocksConfig configures a `SocksTransport`.
type SocksConfig struct {
	// Addr of the daemon's SOCKS listener. Defaults to `DefaultSocksAddr`.
	Addr string

	// DialTimeout bounds the TCP dial towards the daemon.
	DialTimeout time.Duration

	// TlsConfig is cloned per secure stream with the target host set as
	// ServerName. Leave nil for stdlib defaults.
	TlsConfig *tls.Config

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// SocksTransport implements `Transport` against a local Tor daemon. Each
// path is realized as a distinct SOCKS credential tuple: Tor's stream
// isolation keeps streams with different credentials on different circuits,
// so destroying a path here lets the daemon retire the circuit on its own.
type SocksTransport struct {
	cfg    SocksConfig
	logger *slog.Logger

	connected atomic.Bool
	streamSeq atomic.Uint64

	lk    sync.Mutex
	paths map[PathID]struct{}
}

var _ Transport = (*SocksTransport)(nil)

func NewSocksTransport(cfg SocksConfig) *SocksTransport {
	if cfg.Addr == "" {
		cfg.Addr = DefaultSocksAddr
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	st := &SocksTransport{
		cfg:   cfg,
		paths: make(map[PathID]struct{}),
	}

	if cfg.LogHandler == nil {
		st.logger = slog.Default()
	} else {
		st.logger = slog.New(cfg.LogHandler)
	}

	return st
}

// Connect verifies the daemon's SOCKS listener is reachable and marks the
// transport session live.
func (st *SocksTransport) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: st.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", st.cfg.Addr)
	if err != nil {
		return fmt.Errorf("socks: daemon unreachable at %s: %w", st.cfg.Addr, err)
	}
	conn.Close()

	st.connected.Store(true)
	st.logger.Info("socks transport connected", "addr", st.cfg.Addr)
	return nil
}

func (st *SocksTransport) Disconnect() error {
	st.connected.Store(false)
	st.lk.Lock()
	st.paths = make(map[PathID]struct{})
	st.lk.Unlock()
	return nil
}

func (st *SocksTransport) IsConnected() bool {
	return st.connected.Load()
}

func (st *SocksTransport) CreatePath(_ context.Context, id PathID) error {
	if !st.connected.Load() {
		return ErrNotConnected
	}

	st.lk.Lock()
	defer st.lk.Unlock()
	if _, ok := st.paths[id]; ok {
		return fmt.Errorf("socks: path already exists: %s", id)
	}
	// The circuit itself is built lazily by the daemon on the first stream
	// carrying this path's credentials.
	st.paths[id] = struct{}{}
	return nil
}

func (st *SocksTransport) DestroyPath(id PathID) error {
	st.lk.Lock()
	defer st.lk.Unlock()
	if _, ok := st.paths[id]; !ok {
		return fmt.Errorf("socks: path not found: %s", id)
	}
	delete(st.paths, id)
	return nil
}

func (st *SocksTransport) ConnectStream(ctx context.Context, path PathID, host string, port int, secure bool) (Stream, error) {
	if !st.connected.Load() {
		return nil, ErrNotConnected
	}

	st.lk.Lock()
	_, ok := st.paths[path]
	st.lk.Unlock()
	if !ok {
		return nil, fmt.Errorf("socks: path not found: %s", path)
	}

	auth := &proxy.Auth{User: string(path), Password: socksPassword}
	dialer, err := proxy.SOCKS5("tcp", st.cfg.Addr, auth, &net.Dialer{Timeout: st.cfg.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("socks: dialer: %w", err)
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", target)
	} else {
		conn, err = dialer.Dial("tcp", target)
	}
	if err != nil {
		return nil, fmt.Errorf("socks: connect %s: %w", target, err)
	}

	if secure {
		tlsCfg := st.cfg.TlsConfig.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		tlsCfg.ServerName = host
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("socks: tls handshake with %s: %w", target, err)
		}
		conn = tlsConn
	}

	id := StreamID(fmt.Sprintf("%s-stream-%d", path, st.streamSeq.Add(1)))
	st.logger.Debug("stream connected",
		LabelPathID.L(string(path)), LabelHost.L(host), "stream_id", string(id))
	return &socksStream{id: id, Conn: conn}, nil
}

// socksStream adapts a proxied net.Conn to the `Stream` primitive.
type socksStream struct {
	id StreamID
	net.Conn
}

func (s *socksStream) ID() StreamID {
	return s.id
}

// Flush is a no-op: the TCP conn below us is unbuffered.
func (s *socksStream) Flush() error {
	return nil
}
