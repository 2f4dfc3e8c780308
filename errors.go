package torsion

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrInvalidCfg   = errors.New("torsion: invalid options")
	ErrNotConnected = errors.New("torsion: transport session is not connected")

	ErrTransport     = errors.New("session: transport primitive failure")
	ErrPathDestroyed = errors.New("session: path already destroyed")
	ErrTeardown      = errors.New("session: manager is torn down")

	ErrStream           = errors.New("exchange: stream operation failure")
	ErrTimeout          = errors.New("exchange: deadline exceeded")
	ErrEmptyResponse    = errors.New("exchange: empty response")
	ErrParseAnomaly     = errors.New("exchange: unparseable status line")
	ErrResponseTooLarge = errors.New("exchange: response exceeded configured bounds")

	ErrUnknownService = errors.New("dispatch: unknown service")
	ErrBackendURL     = errors.New("dispatch: invalid backend URL")
	ErrExhausted      = errors.New("dispatch: all backends failed")
)

// BackendError records why one backend of a service could not serve a call.
// The dispatcher recovers from those by moving to the next backend; they only
// surface to callers inside an `ExhaustedError`.
type BackendError struct {
	URL string
	Err error
}

func (be *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s", be.URL, be.Err)
}

func (be *BackendError) Unwrap() error {
	return be.Err
}

// ExhaustedError is returned when every backend of a service failed. Attempts
// are kept in backend-configuration order, one entry per backend tried.
type ExhaustedError struct {
	Service  string
	Attempts []*BackendError
}

func (ee *ExhaustedError) Error() string {
	agg := &multierror.Error{}
	for _, at := range ee.Attempts {
		agg = multierror.Append(agg, at)
	}
	return fmt.Sprintf("%s: service %q: %s", ErrExhausted, ee.Service, agg)
}

func (ee *ExhaustedError) Unwrap() error {
	return ErrExhausted
}
