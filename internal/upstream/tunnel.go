package upstream

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/relayd/internal/conn"
)

// TunnelError reports an upstream that answered CONNECT with something
// other than 200.
type TunnelError struct {
	Target     string
	StatusCode int
	Status     string
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("upstream refused tunnel to %s: %q", e.Target, e.Status)
}

// DialTunnel opens a dedicated connection to the upstream and asks it to
// tunnel to target (host:port). On success the returned connection carries
// raw tunnel bytes, including any the upstream sent right after its status
// response.
//
// If IOTimeout is set, it bounds the handshake and is cleared before
// returning.
func DialTunnel(ctx context.Context, cfg Config, d Dialer, target string) (net.Conn, error) {
	if d == nil {
		d = NewDirectDialer(cfg)
	}

	c, err := d.DialContext(ctx, "tcp", cfg.Address)
	cfg.Metrics.ObserveConnect(err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	// Shutdown interrupts a handshake stuck on a slow upstream.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })

	br, err := handshake(c, cfg, target)
	if !stop() {
		_ = c.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	return conn.NewBufferedConn(c, br), nil
}

func handshake(c net.Conn, cfg Config, target string) (*bufio.Reader, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}

	if cfg.IOTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(cfg.IOTimeout))
	}

	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("upstream connect write: %w", err)
	}

	br := bufio.NewReader(c)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("upstream connect read: %w", err)
	}
	// Consume the rest of the response head so the tunnel starts clean.
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return nil, fmt.Errorf("upstream connect read headers: %w", err)
	}

	code, status := parseStatusLine(line)
	if code != http.StatusOK {
		return nil, &TunnelError{Target: target, StatusCode: code, Status: status}
	}

	if cfg.IOTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return br, nil
}

// parseStatusLine extracts the status code from "HTTP/1.1 200 Reason". A
// malformed line yields code 0.
func parseStatusLine(line string) (int, string) {
	_, rest, ok := strings.Cut(line, " ")
	if !ok {
		return 0, line
	}
	rest = strings.TrimLeft(rest, " ")
	codeStr, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 {
		return 0, line
	}
	return code, rest
}
