package upstream

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/relayd/internal/conn"
	"github.com/die-net/relayd/internal/testutil"
)

func testConfig(addr string) Config {
	return Config{
		Address:     addr,
		DialTimeout: time.Second,
		IOTimeout:   2 * time.Second,
		Backoff:     10 * time.Millisecond,
	}
}

func TestValidateAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr    string
		wantErr bool
	}{
		{addr: "proxy-server:9090"},
		{addr: "127.0.0.1:1"},
		{addr: "[::1]:8080"},
		{addr: "proxy-server", wantErr: true},
		{addr: ":9090", wantErr: true},
		{addr: "host:0", wantErr: true},
		{addr: "host:http", wantErr: true},
		{addr: "host:70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLinkConnectAndReuse(t *testing.T) {
	t.Parallel()

	srv := testutil.StartServer(t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})

	l := NewLink(testConfig(srv.Address()), nil)
	require.Equal(t, Disconnected, l.State())
	require.Nil(t, l.Conn())

	ctx := context.Background()
	require.NoError(t, l.EnsureConnected(ctx))
	require.Equal(t, Connected, l.State())
	require.Equal(t, 1, l.Connects())

	_, err := l.Writer().WriteString("ping\n")
	require.NoError(t, err)
	require.NoError(t, l.Writer().Flush())
	line, err := l.Reader().ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ping\n", line)

	// A healthy idle link is reused, not redialed.
	require.NoError(t, l.EnsureConnected(ctx))
	require.Equal(t, 1, l.Connects())
	require.Equal(t, 1, srv.Accepts())

	require.NoError(t, l.Close())
	require.Equal(t, Disconnected, l.State())
}

func TestLinkUnavailableWaitsBackoff(t *testing.T) {
	t.Parallel()

	// Grab a free port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(addr)
	cfg.Backoff = 50 * time.Millisecond
	l := NewLink(cfg, nil)

	start := time.Now()
	err = l.EnsureConnected(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.GreaterOrEqual(t, time.Since(start), cfg.Backoff)
	require.Equal(t, Disconnected, l.State())

	// Each call dials once; the backoff does not grow.
	start = time.Now()
	require.ErrorIs(t, l.EnsureConnected(context.Background()), ErrUnavailable)
	require.Less(t, time.Since(start), time.Second)
}

func TestLinkBackoffHonorsContext(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(addr)
	cfg.Backoff = time.Hour
	l := NewLink(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = l.EnsureConnected(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLinkMarkBrokenReconnects(t *testing.T) {
	t.Parallel()

	srv := testutil.StartEchoServer(t)
	l := NewLink(testConfig(srv.Address()), nil)
	ctx := context.Background()

	require.NoError(t, l.EnsureConnected(ctx))
	l.MarkBroken(io.ErrUnexpectedEOF)
	require.Equal(t, Broken, l.State())
	require.Nil(t, l.Reader())

	require.NoError(t, l.EnsureConnected(ctx))
	require.Equal(t, Connected, l.State())
	require.Equal(t, 2, l.Connects())
	require.Eventually(t, func() bool { return srv.Accepts() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestLinkProbeDetectsIdleClose(t *testing.T) {
	t.Parallel()

	srv := testutil.StartEchoServer(t)
	l := NewLink(testConfig(srv.Address()), nil)
	ctx := context.Background()

	require.NoError(t, l.EnsureConnected(ctx))
	srv.CloseConns()

	// The peer's FIN arrives asynchronously.
	require.Eventually(t, func() bool {
		if err := l.EnsureConnected(ctx); err != nil {
			return false
		}
		return l.Connects() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLinkProbeDetectsStrayBytes(t *testing.T) {
	t.Parallel()

	srv := testutil.StartServer(t, func(c net.Conn) {
		_, _ = io.WriteString(c, "garbage")
		_, _ = io.Copy(io.Discard, c)
	})
	l := NewLink(testConfig(srv.Address()), nil)
	ctx := context.Background()

	require.NoError(t, l.EnsureConnected(ctx))
	require.Eventually(t, func() bool {
		if err := l.EnsureConnected(ctx); err != nil {
			return false
		}
		return l.Connects() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "broken", Broken.String())
	require.Equal(t, "State(7)", State(7).String())
}

func TestLinkIOTimeout(t *testing.T) {
	t.Parallel()

	srv := testutil.StartServer(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	cfg := testConfig(srv.Address())
	cfg.IOTimeout = 50 * time.Millisecond
	l := NewLink(cfg, nil)
	require.NoError(t, l.EnsureConnected(context.Background()))

	_, err := l.Reader().ReadByte()
	require.Error(t, err)
	require.True(t, conn.IsTimeout(err))
}
