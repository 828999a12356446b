package testutil

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// Server is a loopback TCP server that runs handler for every accepted
// connection until the test ends.
type Server struct {
	net.Listener

	accepts atomic.Int32
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns []net.Conn
}

// StartServer listens on 127.0.0.1:0 and serves handler. Connections are
// closed after handler returns and when the test finishes.
func StartServer(t *testing.T, handler func(net.Conn)) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{Listener: ln}
	s.wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepts.Add(1)
			s.track(c)
			s.wg.Go(func() {
				defer c.Close()
				handler(c)
			})
		}
	})

	t.Cleanup(s.Close)
	return s
}

// Address returns the listener's host:port.
func (s *Server) Address() string {
	return s.Addr().String()
}

// Accepts returns how many connections have been accepted so far.
func (s *Server) Accepts() int {
	return int(s.accepts.Load())
}

// CloseConns closes every connection accepted so far, simulating an
// upstream that drops its clients.
func (s *Server) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Close stops accepting, closes live connections, and waits for handlers.
func (s *Server) Close() {
	_ = s.Listener.Close()
	s.CloseConns()
	s.wg.Wait()
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, c)
}
