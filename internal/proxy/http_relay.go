package proxy

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/die-net/relayd/internal/logging"
	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/upstream"
)

// RelayResult describes one relayed HTTP exchange.
type RelayResult struct {
	Status        int
	Framing       Framing
	RequestBytes  int64
	ResponseBytes int64
}

// HTTPRelay forwards one plain HTTP request over a worker's upstream link
// and streams the response back to the client.
type HTTPRelay struct {
	maxHeaderBytes int
	decodeChunked  bool
	endMarker      string
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

func newHTTPRelay(cfg Config) *HTTPRelay {
	return &HTTPRelay{
		maxHeaderBytes: cfg.MaxHeaderBytes,
		decodeChunked:  cfg.DecodeChunked,
		endMarker:      cfg.EndMarker,
		logger:         logging.OrNop(cfg.Logger),
		metrics:        cfg.Metrics,
	}
}

// Relay sends req, the rest of the client's header block and any request
// body upstream, then relays the upstream's response.
//
// link must be Connected. Relay leaves it Connected only when the upstream
// is positioned at the start of the next response; after a close-delimited
// body or Connection: close it is Disconnected, and after any I/O failure
// it is Broken.
func (r *HTTPRelay) Relay(client *clientConn, req RequestLine, link *upstream.Link) (RelayResult, error) {
	var res RelayResult
	uw := link.Writer()

	if _, err := io.WriteString(uw, req.Raw+"\r\n"); err != nil {
		return res, upstreamFailed(link, err)
	}
	headers, _, err := readHead(client.br, r.maxHeaderBytes, "", true)
	if err != nil {
		return res, clientFailed(link, err)
	}
	if err := writeHead(uw, headers, true); err != nil {
		return res, upstreamFailed(link, err)
	}

	reqFraming := RequestFraming(headers)
	switch reqFraming.Mode {
	case ContentLength:
		res.RequestBytes, err = copyN(uw, client.br, reqFraming.Length)
	case Chunked:
		res.RequestBytes, err = copyChunked(uw, client.br, r.maxHeaderBytes)
	}
	r.metrics.AddBytes(metrics.Upstream, res.RequestBytes)
	if err != nil {
		if failedSide(err) == dstSide {
			return res, upstreamFailed(link, err)
		}
		return res, clientFailed(link, err)
	}
	if err := uw.Flush(); err != nil {
		return res, upstreamFailed(link, err)
	}

	err = r.relayResponse(client, req, link, &res)
	r.metrics.AddBytes(metrics.Downstream, res.ResponseBytes)
	return res, err
}

func (r *HTTPRelay) relayResponse(client *clientConn, req RequestLine, link *upstream.Link, res *RelayResult) error {
	ur := link.Reader()
	cw := client.bw

	head, sawMarker, err := readHead(ur, r.maxHeaderBytes, r.endMarker, false)
	if err != nil {
		return upstreamFailed(link, err)
	}
	if len(head) == 0 {
		if sawMarker {
			return nil
		}
		return upstreamFailed(link, errEmptyResponse)
	}

	res.Status = statusCode(head[0])
	res.Framing = ResponseFraming(head, req.IsHead())

	if err := writeHead(cw, head, !sawMarker); err != nil {
		return clientFailed(link, err)
	}
	if sawMarker {
		return flushClient(client)
	}

	f := res.Framing
	switch {
	case r.endMarker != "":
		var saw bool
		res.ResponseBytes, saw, err = copyUntilMarker(cw, ur, r.endMarker)
		if err == nil && !saw {
			// The upstream closed instead of sending the marker.
			_ = link.Close()
		}
	case f.Mode == NoBody:
	case f.Mode == ContentLength:
		res.ResponseBytes, err = copyN(cw, ur, f.Length)
		if errors.Is(err, io.ErrUnexpectedEOF) && failedSide(err) == srcSide {
			r.logger.Warn("upstream closed before end of body",
				zap.Int64("content_length", f.Length), zap.Int64("received", res.ResponseBytes))
			// Hand over what did arrive.
			_ = cw.Flush()
		}
	case f.Mode == Chunked && r.decodeChunked:
		res.ResponseBytes, err = copyChunked(cw, ur, r.maxHeaderBytes)
	default:
		res.ResponseBytes, err = copyN(cw, ur, -1)
		if err == nil {
			_ = link.Close()
		}
	}
	if err != nil {
		if failedSide(err) == dstSide {
			return clientFailed(link, err)
		}
		return upstreamFailed(link, err)
	}

	if f.Close && link.State() == upstream.Connected {
		_ = link.Close()
	}
	return flushClient(client)
}

// flushClient flushes the response. The upstream exchange is complete, so
// a client failure here leaves the link usable.
func flushClient(client *clientConn) error {
	if err := client.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrClientIO, err)
	}
	return nil
}

func upstreamFailed(link *upstream.Link, err error) error {
	link.MarkBroken(err)
	return fmt.Errorf("%w: %w", ErrUpstreamIO, err)
}

// clientFailed handles a client failure in the middle of an exchange. The
// upstream is mid-message, so the link cannot be reused.
func clientFailed(link *upstream.Link, err error) error {
	link.MarkBroken(fmt.Errorf("client failed mid-relay: %w", err))
	return fmt.Errorf("%w: %w", ErrClientIO, err)
}
