package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/queue"
)

func serveAcceptor(t *testing.T, a *Acceptor) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { _ = a.Serve(ctx, ln) })
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return ln.Addr().String()
}

func TestAcceptorQueueFull(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	q := queue.New[*Job](1)
	addr := serveAcceptor(t, NewAcceptor(SourceHTTP, Config{Metrics: m}, q, nil))

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))

	// The overflow connection is closed without a response.
	n, err := second.Read(make([]byte, 1))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)

	requireCount(t, m.Rejected.WithLabelValues(SourceHTTP, "queue_full"), 1)
	requireCount(t, m.Accepted.WithLabelValues(SourceHTTP), 1)

	job := q.Drain()[0]
	require.Equal(t, SourceHTTP, job.Source)
	require.False(t, job.Accepted.IsZero())
	_ = job.Conn.Close()
}

func TestAcceptorHandshakeFailure(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	q := queue.New[*Job](4)
	hs := func(context.Context, net.Conn) (*Job, error) {
		return nil, errors.New("bad greeting")
	}
	addr := serveAcceptor(t, NewAcceptor(SourceSOCKS5, Config{Metrics: m}, q, hs))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	requireCount(t, m.Rejected.WithLabelValues(SourceSOCKS5, "handshake"), 1)
	require.Zero(t, q.Len())
}

func TestAcceptorNegotiationTimeout(t *testing.T) {
	t.Parallel()

	q := queue.New[*Job](4)
	hs := func(_ context.Context, c net.Conn) (*Job, error) {
		// Waits for a greeting that never comes.
		_, err := c.Read(make([]byte, 1))
		return nil, err
	}
	cfg := Config{NegotiationTimeout: 50 * time.Millisecond}
	addr := serveAcceptor(t, NewAcceptor(SourceSOCKS5, cfg, q, hs))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestAcceptorHandshakeQueuesJob(t *testing.T) {
	t.Parallel()

	q := queue.New[*Job](4)
	hs := func(_ context.Context, c net.Conn) (*Job, error) {
		return &Job{Conn: c, Target: "example.com:443"}, nil
	}
	addr := serveAcceptor(t, NewAcceptor(SourceTProxy, Config{}, q, hs))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	defer job.Conn.Close()
	require.Equal(t, SourceTProxy, job.Source)
	require.Equal(t, "example.com:443", job.Target)
}

func TestAcceptorRateLimit(t *testing.T) {
	t.Parallel()

	a := NewAcceptor(SourceHTTP, Config{AcceptRate: 5}, queue.New[*Job](1), nil)
	require.NotNil(t, a.limiter)
	require.Equal(t, 1, a.limiter.Burst())

	a = NewAcceptor(SourceHTTP, Config{}, queue.New[*Job](1), nil)
	require.Nil(t, a.limiter)
}

func TestAcceptorStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewAcceptor(SourceHTTP, Config{}, queue.New[*Job](1), nil).Serve(ctx, ln)
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
