package torsion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify double for the transport primitive.
type MockTransport struct {
	m mock.Mock
}

func (mt *MockTransport) Connect(ctx context.Context) error {
	return mt.m.Called(ctx).Error(0)
}

func (mt *MockTransport) Disconnect() error {
	return mt.m.Called().Error(0)
}

func (mt *MockTransport) IsConnected() bool {
	return mt.m.Called().Bool(0)
}

func (mt *MockTransport) CreatePath(ctx context.Context, id PathID) error {
	return mt.m.Called(ctx, id).Error(0)
}

func (mt *MockTransport) DestroyPath(id PathID) error {
	return mt.m.Called(id).Error(0)
}

func (mt *MockTransport) ConnectStream(ctx context.Context, path PathID, host string, port int, secure bool) (Stream, error) {
	args := mt.m.Called(ctx, path, host, port, secure)
	if st := args.Get(0); st != nil {
		return st.(Stream), args.Error(1)
	}
	return nil, args.Error(1)
}

// memTransport is a scriptable in-memory transport. Streams are produced by
// the connect hook; path bookkeeping is real so tests can assert on live and
// destroyed paths.
type memTransport struct {
	lk         sync.Mutex
	connected  bool
	createErr  error
	destroyErr error
	connect    func(path PathID, host string, port int, secure bool) (Stream, error)

	created   []PathID
	destroyed []PathID
	live      map[PathID]bool

	// conns records (path, host) per ConnectStream call, in order.
	conns []memConn
}

type memConn struct {
	path PathID
	host string
}

func newMemTransport() *memTransport {
	return &memTransport{
		connected: true,
		live:      make(map[PathID]bool),
	}
}

func (mt *memTransport) Connect(context.Context) error {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	mt.connected = true
	return nil
}

func (mt *memTransport) Disconnect() error {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	mt.connected = false
	return nil
}

func (mt *memTransport) IsConnected() bool {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	return mt.connected
}

func (mt *memTransport) CreatePath(_ context.Context, id PathID) error {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	if mt.createErr != nil {
		return mt.createErr
	}
	if mt.live[id] {
		return fmt.Errorf("duplicate path %s", id)
	}
	mt.live[id] = true
	mt.created = append(mt.created, id)
	return nil
}

func (mt *memTransport) DestroyPath(id PathID) error {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	if mt.destroyErr != nil {
		return mt.destroyErr
	}
	if !mt.live[id] {
		return fmt.Errorf("unknown path %s", id)
	}
	delete(mt.live, id)
	mt.destroyed = append(mt.destroyed, id)
	return nil
}

func (mt *memTransport) ConnectStream(_ context.Context, path PathID, host string, port int, secure bool) (Stream, error) {
	mt.lk.Lock()
	if !mt.live[path] {
		mt.lk.Unlock()
		return nil, fmt.Errorf("unknown path %s", path)
	}
	connect := mt.connect
	mt.conns = append(mt.conns, memConn{path: path, host: host})
	mt.lk.Unlock()

	if connect == nil {
		return nil, errors.New("no connect script")
	}
	return connect(path, host, port, secure)
}

func (mt *memTransport) liveCount() int {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	return len(mt.live)
}

func (mt *memTransport) isLive(id PathID) bool {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	return mt.live[id]
}

func (mt *memTransport) createdCount() int {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	return len(mt.created)
}

func (mt *memTransport) destroyedCount() int {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	return len(mt.destroyed)
}

func (mt *memTransport) connsSnapshot() []memConn {
	mt.lk.Lock()
	defer mt.lk.Unlock()
	return append([]memConn(nil), mt.conns...)
}

// scriptStream replays canned reads and records everything else.
type scriptStream struct {
	lk        sync.Mutex
	reads     [][]byte
	writeErr  error
	flushErr  error
	readErr   error
	wrote     bytes.Buffer
	closes    int
	readCalls int
}

func (ss *scriptStream) Read(p []byte) (int, error) {
	ss.lk.Lock()
	defer ss.lk.Unlock()
	ss.readCalls++
	if len(ss.reads) == 0 {
		if ss.readErr != nil {
			return 0, ss.readErr
		}
		return 0, io.EOF
	}
	next := ss.reads[0]
	ss.reads = ss.reads[1:]
	n := copy(p, next)
	return n, nil
}

func (ss *scriptStream) Write(p []byte) (int, error) {
	ss.lk.Lock()
	defer ss.lk.Unlock()
	if ss.writeErr != nil {
		return 0, ss.writeErr
	}
	return ss.wrote.Write(p)
}

func (ss *scriptStream) Flush() error {
	ss.lk.Lock()
	defer ss.lk.Unlock()
	return ss.flushErr
}

func (ss *scriptStream) Close() error {
	ss.lk.Lock()
	defer ss.lk.Unlock()
	ss.closes++
	return nil
}

func (ss *scriptStream) SetDeadline(time.Time) error {
	return nil
}

func (ss *scriptStream) ID() StreamID {
	return "script"
}

func (ss *scriptStream) closeCount() int {
	ss.lk.Lock()
	defer ss.lk.Unlock()
	return ss.closes
}

func (ss *scriptStream) readCount() int {
	ss.lk.Lock()
	defer ss.lk.Unlock()
	return ss.readCalls
}

func (ss *scriptStream) written() string {
	ss.lk.Lock()
	defer ss.lk.Unlock()
	return ss.wrote.String()
}
