package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/die-net/relayd/internal/conn"
	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/queue"
	"github.com/die-net/relayd/internal/socks5"
	"github.com/die-net/relayd/internal/testutil"
	"github.com/die-net/relayd/internal/upstream"
)

const getExample = "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"

type harness struct {
	addr    string
	up      *testutil.FakeUpstream
	metrics *metrics.Metrics
}

func testProxyConfig(upstreamAddr string) Config {
	return Config{
		Upstream: upstream.Config{
			Address:     upstreamAddr,
			DialTimeout: time.Second,
			IOTimeout:   2 * time.Second,
			Backoff:     10 * time.Millisecond,
		},
		Workers:           1,
		ClientTimeout:     2 * time.Second,
		TunnelIdleTimeout: 2 * time.Second,
		ValidateTargets:   true,
		DecodeChunked:     true,
		Metrics:           metrics.New(),
	}
}

// startProxy runs a fake upstream and a proxy in front of it. tweak may
// adjust the config before the proxy starts.
func startProxy(t *testing.T, opts testutil.UpstreamOptions, tweak func(*Config)) *harness {
	t.Helper()

	up := testutil.StartFakeUpstream(t, opts)
	cfg := testProxyConfig(up.Address())
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{up: up, metrics: cfg.Metrics}
	h.addr = runProxy(t, cfg, nil)
	return h
}

func runProxy(t *testing.T, cfg Config, handshake HandshakeFunc) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New[*Job](16)
	d := NewDispatcher(cfg, q)
	source := SourceHTTP
	if handshake != nil {
		source = SourceSOCKS5
	}
	a := NewAcceptor(source, cfg, q, handshake)

	var wg sync.WaitGroup
	wg.Go(func() { _ = d.Run(ctx) })
	wg.Go(func() { _ = a.Serve(ctx, ln) })
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return ln.Addr().String()
}

// roundTrip sends raw and returns everything the proxy writes back before
// closing the connection.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()

	got, err := tryRoundTrip(addr, raw)
	require.NoError(t, err)
	return got
}

func tryRoundTrip(addr, raw string) (string, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer c.Close()
	if err := c.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}

	if _, err := io.WriteString(c, raw); err != nil {
		return "", err
	}
	got, err := io.ReadAll(c)
	// A proxy that closes with request bytes unread resets the connection.
	if err != nil && !conn.IsNormalClose(err) {
		return "", err
	}
	return string(got), nil
}

// requireCount waits for c to reach want. Relay metrics are recorded just
// before the client connection closes, so they can trail the client.
func requireCount(t *testing.T, c prometheus.Collector, want float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(c) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelayContentLength(t *testing.T) {
	t.Parallel()

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	h := startProxy(t, testutil.UpstreamOptions{Respond: testutil.FixedResponse(resp)}, nil)

	require.Equal(t, resp, roundTrip(t, h.addr, getExample))
	require.Equal(t, resp, roundTrip(t, h.addr, getExample))

	// Both exchanges used one upstream connection.
	require.Equal(t, 1, h.up.Accepts())
	require.Equal(t, []string{"GET http://example.com/", "GET http://example.com/"}, h.up.Requests())
	requireCount(t, h.metrics.Relays.WithLabelValues(metrics.KindHTTP, metrics.ResultOK), 2)
}

func TestRelayCloseDelimited(t *testing.T) {
	t.Parallel()

	h := startProxy(t, testutil.UpstreamOptions{
		Respond: testutil.CloseDelimitedResponse("HTTP/1.0 200 OK\r\nServer: test", "all of it"),
	}, nil)

	want := "HTTP/1.0 200 OK\r\nServer: test\r\n\r\nall of it"
	require.Equal(t, want, roundTrip(t, h.addr, getExample))

	// The upstream closed, so the next client gets a fresh link.
	require.Equal(t, want, roundTrip(t, h.addr, getExample))
	require.Equal(t, 2, h.up.Accepts())
}

func TestRelayShortContentLength(t *testing.T) {
	t.Parallel()

	h := startProxy(t, testutil.UpstreamOptions{
		Respond: testutil.CloseDelimitedResponse("HTTP/1.1 200 OK\r\nContent-Length: 10", "abc"),
	}, nil)

	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", roundTrip(t, h.addr, getExample))
	requireCount(t, h.metrics.UpstreamBroken, 1)
}

func TestRelayChunked(t *testing.T) {
	t.Parallel()

	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	h := startProxy(t, testutil.UpstreamOptions{Respond: testutil.FixedResponse(resp)}, nil)

	require.Equal(t, resp, roundTrip(t, h.addr, getExample))
	require.Equal(t, resp, roundTrip(t, h.addr, getExample))
	require.Equal(t, 1, h.up.Accepts())
}

func TestRelayChunkedUndecoded(t *testing.T) {
	t.Parallel()

	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	h := startProxy(t, testutil.UpstreamOptions{
		Respond: func(w io.Writer, _ *http.Request) bool {
			_, _ = io.WriteString(w, resp)
			return false
		},
	}, func(cfg *Config) { cfg.DecodeChunked = false })

	require.Equal(t, resp, roundTrip(t, h.addr, getExample))
}

func TestRelayEndMarker(t *testing.T) {
	t.Parallel()

	h := startProxy(t, testutil.UpstreamOptions{
		Respond: testutil.FixedResponse("HTTP/1.1 200 OK\r\nX: y\r\n\r\nline1\r\nline2\r\nEND_OF_RESPONSE\r\n"),
	}, func(cfg *Config) { cfg.EndMarker = "END_OF_RESPONSE" })

	want := "HTTP/1.1 200 OK\r\nX: y\r\n\r\nline1\r\nline2\r\n"
	require.Equal(t, want, roundTrip(t, h.addr, getExample))
	require.Equal(t, want, roundTrip(t, h.addr, getExample))
	require.Equal(t, 1, h.up.Accepts())
}

func TestRelayHead(t *testing.T) {
	t.Parallel()

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"
	h := startProxy(t, testutil.UpstreamOptions{Respond: testutil.FixedResponse(resp)}, nil)

	head := "HEAD http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"
	require.Equal(t, resp, roundTrip(t, h.addr, head))
	require.Equal(t, resp, roundTrip(t, h.addr, head))
	require.Equal(t, 1, h.up.Accepts())
}

func TestRelayConnectionClose(t *testing.T) {
	t.Parallel()

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	h := startProxy(t, testutil.UpstreamOptions{Respond: testutil.FixedResponse(resp)}, nil)

	require.Equal(t, resp, roundTrip(t, h.addr, getExample))
	require.Equal(t, resp, roundTrip(t, h.addr, getExample))
	require.Equal(t, 2, h.up.Accepts())
}

func TestRelayRequestBody(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []string
	h := startProxy(t, testutil.UpstreamOptions{
		Respond: func(w io.Writer, req *http.Request) bool {
			mu.Lock()
			bodies = append(bodies, req.Header.Get("X-Body"))
			mu.Unlock()
			_, _ = io.WriteString(w, "HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n")
			return true
		},
	}, nil)

	post := "POST http://example.com/upload HTTP/1.1\r\nContent-Length: 4\r\nX-Body: one\r\n\r\nping"
	chunked := "POST http://example.com/upload HTTP/1.1\r\nTransfer-Encoding: chunked\r\nX-Body: two\r\n\r\n4\r\npong\r\n0\r\n\r\n"
	want := "HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"

	require.Equal(t, want, roundTrip(t, h.addr, post))
	require.Equal(t, want, roundTrip(t, h.addr, chunked))

	// Bodies were framed exactly, so the link stayed in sync.
	require.Equal(t, 1, h.up.Accepts())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"one", "two"}, bodies)
}

func TestRelayMalformedRequest(t *testing.T) {
	t.Parallel()

	h := startProxy(t, testutil.UpstreamOptions{}, nil)

	for _, raw := range []string{"\r\n", "GARBAGE\r\n\r\n", "GET /relative HTTP/1.1\r\n\r\n", "GET ftp://example.com/ HTTP/1.1\r\n\r\n"} {
		require.Empty(t, roundTrip(t, h.addr, raw), raw)
	}
	require.Empty(t, h.up.Requests())
}

func TestRelayUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testProxyConfig(addr)
	proxyAddr := runProxy(t, cfg, nil)

	require.Empty(t, roundTrip(t, proxyAddr, getExample))
	requireCount(t, cfg.Metrics.Relays.WithLabelValues(metrics.KindHTTP, metrics.ResultUnavailable), 1)
	requireCount(t, cfg.Metrics.UpstreamConnects.WithLabelValues("failure"), DefaultConnectAttempts)
}

func TestRelayReconnectsAfterUpstreamDrop(t *testing.T) {
	t.Parallel()

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	h := startProxy(t, testutil.UpstreamOptions{Respond: testutil.FixedResponse(resp)}, nil)

	require.Equal(t, resp, roundTrip(t, h.addr, getExample))
	h.up.CloseConns()

	// The worker notices the dead link before the next request goes out.
	require.Eventually(t, func() bool {
		got, err := tryRoundTrip(h.addr, getExample)
		return err == nil && got == resp && h.up.Accepts() >= 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkersDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	h := startProxy(t, testutil.UpstreamOptions{
		Respond: func(w io.Writer, req *http.Request) bool {
			if strings.HasSuffix(req.RequestURI, "/slow") {
				<-release
			}
			body := req.RequestURI
			_, _ = fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
			return true
		},
	}, func(cfg *Config) { cfg.Workers = 2 })
	t.Cleanup(releaseOnce)

	slow := make(chan string, 1)
	go func() {
		c, err := net.Dial("tcp", h.addr)
		if err != nil {
			slow <- err.Error()
			return
		}
		defer c.Close()
		_, _ = io.WriteString(c, "GET http://example.com/slow HTTP/1.1\r\n\r\n")
		got, _ := io.ReadAll(c)
		slow <- string(got)
	}()

	require.Eventually(t, func() bool { return len(h.up.Requests()) == 1 }, 2*time.Second, 10*time.Millisecond)

	fast := roundTrip(t, h.addr, "GET http://example.com/fast HTTP/1.1\r\n\r\n")
	require.True(t, strings.HasSuffix(fast, "http://example.com/fast"), fast)

	releaseOnce()
	require.True(t, strings.HasSuffix(<-slow, "http://example.com/slow"))
}

func TestConnectTunnel(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	h := startProxy(t, testutil.UpstreamOptions{}, nil)

	c, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echo.Address(), echo.Address())
	require.NoError(t, err)

	reply := make([]byte, len(connectEstablished))
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	require.Equal(t, connectEstablished, string(reply))

	testutil.AssertEcho(t, c, c, []byte("through the tunnel"))
	require.Equal(t, []string{"CONNECT " + echo.Address()}, h.up.Requests())
}

func TestConnectTunnelOutlivesClientTimeout(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	h := startProxy(t, testutil.UpstreamOptions{}, func(cfg *Config) {
		cfg.ClientTimeout = 100 * time.Millisecond
		cfg.TunnelIdleTimeout = 0
	})

	c, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\n\r\n", echo.Address())
	require.NoError(t, err)

	reply := make([]byte, len(connectEstablished))
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	require.Equal(t, connectEstablished, string(reply))

	testutil.AssertEcho(t, c, c, []byte("first"))
	// Idle for longer than the client timeout. The tunnel has no idle
	// timeout, so it must stay up.
	time.Sleep(300 * time.Millisecond)
	testutil.AssertEcho(t, c, c, []byte("second"))
}

func TestConnectTunnelEarlyData(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	h := startProxy(t, testutil.UpstreamOptions{}, nil)

	c, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	// Tunnel payload sent together with the CONNECT request.
	_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\n\r\nearly", echo.Address())
	require.NoError(t, err)

	want := connectEstablished + "early"
	got := make([]byte, len(want))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, want, string(got))
}

func TestConnectTunnelRefused(t *testing.T) {
	t.Parallel()

	h := startProxy(t, testutil.UpstreamOptions{RefuseTunnels: true}, nil)

	got := roundTrip(t, h.addr, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	require.Equal(t, connectFailed, got)
	requireCount(t, h.metrics.Relays.WithLabelValues(metrics.KindTunnel, metrics.ResultTunnelSetup), 1)
}

func TestSOCKS5Tunnel(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	up := testutil.StartFakeUpstream(t, testutil.UpstreamOptions{})
	auth := socks5.Auth{Username: "u", Password: "p"}
	addr := runProxy(t, testProxyConfig(up.Address()), SOCKS5Handshake(auth))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, socks5.ClientDial(c, auth, echo.Address()))
	testutil.AssertEcho(t, c, c, []byte("socks"))
}

func TestSOCKS5TunnelRefused(t *testing.T) {
	t.Parallel()

	up := testutil.StartFakeUpstream(t, testutil.UpstreamOptions{RefuseTunnels: true})
	addr := runProxy(t, testProxyConfig(up.Address()), SOCKS5Handshake(socks5.Auth{}))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	err = socks5.ClientDial(c, socks5.Auth{}, "192.0.2.1:443")
	var re *socks5.ReplyError
	require.ErrorAs(t, err, &re)
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	t.Parallel()

	q := queue.New[*Job](4)
	client, server := net.Pipe()
	defer client.Close()
	require.NoError(t, q.Enqueue(&Job{Conn: server, Source: SourceHTTP}))

	// No upstream: the job is either drained or fails to connect, and is
	// closed either way.
	cfg := testProxyConfig("127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, NewDispatcher(cfg, q).Run(ctx))

	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, q.Enqueue(&Job{}), queue.ErrClosed)
}
