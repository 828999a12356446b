package testutil

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
)

// Responder writes the raw response for one proxied request. Returning
// false closes the upstream connection after the response.
type Responder func(w io.Writer, req *http.Request) (keepOpen bool)

// FakeUpstream is a stand-in for the upstream proxy: it answers plain
// requests with a Responder and handles CONNECT by dialing the requested
// target, or by refusing when RefuseTunnels is set.
type FakeUpstream struct {
	*Server

	mu       sync.Mutex
	requests []string
}

// UpstreamOptions configures StartFakeUpstream.
type UpstreamOptions struct {
	Respond       Responder
	RefuseTunnels bool
}

// StartFakeUpstream starts a FakeUpstream on loopback.
func StartFakeUpstream(t *testing.T, opts UpstreamOptions) *FakeUpstream {
	t.Helper()

	u := &FakeUpstream{}
	u.Server = StartServer(t, func(c net.Conn) {
		u.serve(c, opts)
	})
	return u
}

// Requests returns "METHOD target" for each request seen, in arrival order.
func (u *FakeUpstream) Requests() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.requests...)
}

func (u *FakeUpstream) serve(c net.Conn, opts UpstreamOptions) {
	br := bufio.NewReader(c)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.requests = append(u.requests, req.Method+" "+req.RequestURI)
		u.mu.Unlock()

		if req.Method == http.MethodConnect {
			u.tunnel(c, br, req, opts.RefuseTunnels)
			return
		}

		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()

		respond := opts.Respond
		if respond == nil {
			respond = FixedResponse("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		}
		if !respond(c, req) {
			return
		}
	}
}

func (u *FakeUpstream) tunnel(c net.Conn, br *bufio.Reader, req *http.Request, refuse bool) {
	if refuse {
		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
		return
	}

	dst, err := net.Dial("tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

// FixedResponse answers every request with raw and keeps the connection open.
func FixedResponse(raw string) Responder {
	return func(w io.Writer, _ *http.Request) bool {
		_, _ = io.WriteString(w, raw)
		return true
	}
}

// EchoTargetResponse answers with a Content-Length body naming the request
// target, so tests can tell which request a response belongs to.
func EchoTargetResponse() Responder {
	return func(w io.Writer, req *http.Request) bool {
		body := req.Method + " " + req.RequestURI
		_, _ = fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
		return true
	}
}

// CloseDelimitedResponse writes head and body, then closes the connection.
func CloseDelimitedResponse(head, body string) Responder {
	return func(w io.Writer, _ *http.Request) bool {
		_, _ = io.WriteString(w, head+"\r\n\r\n"+body)
		return false
	}
}

// HeaderBlock joins lines into a CRLF-terminated header block.
func HeaderBlock(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n\r\n"
}
