package proxy

import (
	"errors"

	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/upstream"
)

var (
	// ErrMalformedRequest is an empty or unparsable request line.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrUnsupportedTarget is a request target relayd will not forward.
	ErrUnsupportedTarget = errors.New("unsupported target")
	// ErrUpstreamUnavailable means no upstream connection could be made.
	ErrUpstreamUnavailable = upstream.ErrUnavailable
	// ErrUpstreamIO is a read or write failure on the upstream side of a
	// relay. The link is broken and redialed for the next client.
	ErrUpstreamIO = errors.New("upstream i/o")
	// ErrClientIO is a read or write failure on the client side of a relay.
	ErrClientIO = errors.New("client i/o")
	// ErrTunnelSetup means the upstream could not open a tunnel.
	ErrTunnelSetup = errors.New("tunnel setup failed")
)

// resultFor maps a relay error to its metrics result label.
func resultFor(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrMalformedRequest):
		return metrics.ResultMalformed
	case errors.Is(err, ErrUnsupportedTarget):
		return metrics.ResultUnsupported
	case errors.Is(err, ErrTunnelSetup):
		return metrics.ResultTunnelSetup
	case errors.Is(err, ErrUpstreamUnavailable):
		return metrics.ResultUnavailable
	case errors.Is(err, ErrClientIO):
		return metrics.ResultClientIO
	default:
		return metrics.ResultUpstreamIO
	}
}

// side records which end of a copy failed.
type side int

const (
	srcSide side = iota
	dstSide
)

type copyError struct {
	side side
	err  error
}

func (e *copyError) Error() string { return e.err.Error() }
func (e *copyError) Unwrap() error { return e.err }

func srcErr(err error) error {
	if err == nil {
		return nil
	}
	return &copyError{side: srcSide, err: err}
}

func dstErr(err error) error {
	if err == nil {
		return nil
	}
	return &copyError{side: dstSide, err: err}
}

// failedSide reports which side err came from. Errors not produced by a
// copy helper are attributed to the source.
func failedSide(err error) side {
	var ce *copyError
	if errors.As(err, &ce) {
		return ce.side
	}
	return srcSide
}
