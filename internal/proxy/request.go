package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// RequestLine is the first line of an HTTP request, as sent by the client.
type RequestLine struct {
	Method  string
	Target  string
	Version string
	// Raw is the line exactly as received, without its terminator. It is
	// what gets forwarded upstream.
	Raw string
}

// ParseRequestLine splits a request line on whitespace. Only the method
// and target are required.
func ParseRequestLine(line string) (RequestLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return RequestLine{}, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	rl := RequestLine{Method: fields[0], Target: fields[1], Raw: line}
	if len(fields) > 2 {
		rl.Version = fields[2]
	}
	return rl, nil
}

func (r RequestLine) IsConnect() bool {
	return strings.EqualFold(r.Method, http.MethodConnect)
}

func (r RequestLine) IsHead() bool {
	return strings.EqualFold(r.Method, http.MethodHead)
}

// ValidateTarget accepts absolute http and https URLs whose host is
// localhost or contains a dot.
func ValidateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedTarget, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrUnsupportedTarget, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrUnsupportedTarget, target)
	}
	if !strings.EqualFold(host, "localhost") && !strings.Contains(host, ".") {
		return fmt.Errorf("%w: host %q", ErrUnsupportedTarget, host)
	}
	return nil
}

// TunnelTarget normalizes a CONNECT target to host:port, defaulting the
// port to 443.
func TunnelTarget(target string) (string, error) {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")
		target = net.JoinHostPort(host, "443")
	}
	if host == "" {
		return "", fmt.Errorf("%w: CONNECT target %q", ErrMalformedRequest, target)
	}
	return target, nil
}
