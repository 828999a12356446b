package testutil

import (
	"bytes"
	"io"
	"net"
	"testing"
)

// StartEchoServer starts a server that echoes every byte back until the
// peer closes.
func StartEchoServer(t *testing.T) *Server {
	t.Helper()

	return StartServer(t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}
