package torsion

import (
	"context"
	"io"
	"time"
)

// PathID is the opaque token naming one path (circuit) at the transport
// layer. Tokens are minted by the `SessionManager` and never reused after the
// path is destroyed.
type PathID string

// StreamID is the opaque token naming one stream, scoped to the path it was
// opened on.
type StreamID string

// Stream is a single ordered byte-pipe opened on a path. It serves exactly
// one exchange (or one caller-managed raw session) and is never shared
// between concurrent callers.
type Stream interface {
	io.ReadWriteCloser

	// Flush pushes buffered bytes to the wire. Implementations backed by an
	// unbuffered pipe may no-op.
	Flush() error

	// SetDeadline bounds subsequent Read/Write calls.
	SetDeadline(t time.Time) error

	ID() StreamID
}

// Transport is the primitive capability set this core consumes from the
// anonymizing overlay. Every operation is fallible; a non-nil error is fatal
// for the operation in progress, no retry happens below this boundary.
type Transport interface {
	// Connect establishes the overall transport session (e.g. bootstraps the
	// daemon link). It must be called before any path operation.
	Connect(ctx context.Context) error

	// Disconnect tears the transport session down. Paths and streams opened
	// through it are dead afterwards.
	Disconnect() error

	// IsConnected reports transport session liveness.
	IsConnected() bool

	// CreatePath registers a new path under the caller-supplied token.
	CreatePath(ctx context.Context, id PathID) error

	// DestroyPath retires a path. Destroying an unknown path is an error.
	DestroyPath(id PathID) error

	// ConnectStream opens a stream on `path` towards host:port, in the plain
	// or secure-stream variant.
	ConnectStream(ctx context.Context, path PathID, host string, port int, secure bool) (Stream, error)
}
