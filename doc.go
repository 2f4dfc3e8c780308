// `torsion` is a client core for issuing request/response exchanges across an
// anonymizing overlay transport, while keeping control over which exchanges
// may share the same *circuit* (we call them *paths*) and how long a path may
// live before it is rotated.
//
// ## How it works
//
// The overlay itself (path construction, relay selection, crypto) is NOT
// implemented here. It is consumed through the narrow `Transport` primitive:
// create/destroy a path, and per path connect/write/flush/read/close a
// `Stream`. A production adapter speaking to a local Tor daemon over its
// SOCKS listener is provided (`SocksTransport`), using per-path credentials
// so the daemon isolates circuits for us.
//
// On top of that primitive, three layers:
//
//   - The `SessionManager` owns the mapping from *session keys* (derived from
//     an `IsolationPolicy` plus caller-supplied traffic tags) to live paths,
//     and rotates them on a timer so no path outlives its welcome.
//   - The `Exchanger` reconstructs an HTTP/1.1-shaped request/response cycle
//     on raw byte streams: one stream per exchange, bounded reads, and the
//     stream is ALWAYS closed, whatever happens.
//   - The `Dispatcher` gives a logical service several backends: probe,
//     send, move on to the next on failure, aggregate everything when all of
//     them are down.
//
// ## Design Principles
//
// APIs MUST NOT model an *infallible* overlay: every primitive operation is
// fallible and surfaced to the caller. Nothing in this package retries
// silently; the only retry loop is the `Dispatcher`'s backend iteration,
// because that one is the caller's explicit request.
//
// State is instance-owned. There is no package-level registry of paths or
// timers, so independent clients (and tests) can coexist in one process.
//
// Dependencies are kept minimal:
//
//   - [`hashicorp/go-metrics`][dep-met], to let you chose your metric sink.
//   - [`hashicorp/go-multierror`][dep-mul], for backend error aggregation.
//   - [`hashicorp/go-uuid`][dep-uid], for opaque path and stream tokens.
//   - [`golang.org/x/net/proxy`][dep-prx], for the SOCKS adapter.
//
// Structured logs go through `log/slog`, you bring the handler.
//
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [dep-mul]: https://pkg.go.dev/github.com/hashicorp/go-multierror
// [dep-uid]: https://pkg.go.dev/github.com/hashicorp/go-uuid
// [dep-prx]: https://pkg.go.dev/golang.org/x/net/proxy
package torsion
