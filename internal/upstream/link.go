package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/relayd/internal/conn"
	"github.com/die-net/relayd/internal/logging"
	"github.com/die-net/relayd/internal/metrics"
)

// ErrUnavailable is returned when the upstream cannot be reached.
var ErrUnavailable = errors.New("upstream unavailable")

var errStrayBytes = errors.New("unexpected bytes on idle upstream link")

// probeWindow is how long a liveness probe waits for an idle link to report
// EOF before assuming it is still open.
const probeWindow = time.Millisecond

// State is the lifecycle state of a Link.
type State int

const (
	Disconnected State = iota
	Connected
	Broken
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Broken:
		return "broken"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Link is a reusable connection to the upstream, owned by one worker.
//
// Link is not safe for concurrent use. The only exception is closing the
// net.Conn returned by Conn, which callers may do from another goroutine to
// interrupt blocked I/O.
type Link struct {
	cfg     Config
	dialer  Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics

	state State
	raw   net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer

	attempts int
	connects int
}

// NewLink returns a Disconnected link to cfg.Address. A nil d uses a direct
// TCP dialer.
func NewLink(cfg Config, d Dialer) *Link {
	if d == nil {
		d = NewDirectDialer(cfg)
	}
	return &Link{
		cfg:     cfg,
		dialer:  d,
		logger:  logging.OrNop(cfg.Logger).With(zap.String("upstream", cfg.Address)),
		metrics: cfg.Metrics,
	}
}

// EnsureConnected makes the link usable, dialing at most once.
//
// A Connected link is probed first; if the upstream closed it while idle it
// is marked broken and redialed. When the dial fails, EnsureConnected waits
// the fixed backoff and returns an error wrapping ErrUnavailable, leaving the
// retry decision to the caller. If ctx ends during the backoff, ctx.Err() is
// returned.
func (l *Link) EnsureConnected(ctx context.Context) error {
	if l.state == Connected {
		err := l.probe()
		if err == nil {
			return nil
		}
		l.MarkBroken(err)
	}

	l.attempts++
	l.logger.Info("connecting to upstream", zap.Int("attempt", l.attempts), zap.Stringer("from_state", l.state))

	c, err := l.dialer.DialContext(ctx, "tcp", l.cfg.Address)
	l.metrics.ObserveConnect(err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Error("upstream connect failed", zap.Error(err), zap.Duration("backoff", l.cfg.Backoff))
		if err := sleep(ctx, l.cfg.Backoff); err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	idle := conn.WithIdleTimeout(c, l.cfg.IOTimeout)
	l.raw = c
	l.br = bufio.NewReader(idle)
	l.bw = bufio.NewWriter(idle)
	l.state = Connected
	l.connects++

	l.logger.Info("upstream connected", zap.Int("connects", l.connects), zap.Stringer("local", c.LocalAddr()))
	return nil
}

// MarkBroken discards the connection after a failed read or write. The next
// EnsureConnected redials.
func (l *Link) MarkBroken(cause error) {
	if l.raw != nil {
		_ = l.raw.Close()
	}
	l.reset(Broken)
	l.metrics.ObserveBroken()
	l.logger.Warn("closed broken upstream link", zap.Error(cause))
}

// Close closes the connection in an orderly way, for example after the
// upstream ended a close-delimited response. The link becomes Disconnected.
func (l *Link) Close() error {
	var err error
	if l.raw != nil {
		err = l.raw.Close()
		l.logger.Debug("upstream link closed")
	}
	l.reset(Disconnected)
	return err
}

// State returns the current state.
func (l *Link) State() State {
	return l.state
}

// Connects returns how many times the link has been (re)established.
func (l *Link) Connects() int {
	return l.connects
}

// Conn returns the underlying connection, or nil unless Connected.
func (l *Link) Conn() net.Conn {
	return l.raw
}

// Reader returns the buffered reader for the current connection.
func (l *Link) Reader() *bufio.Reader {
	return l.br
}

// Writer returns the buffered writer for the current connection.
func (l *Link) Writer() *bufio.Writer {
	return l.bw
}

func (l *Link) reset(s State) {
	l.raw = nil
	l.br = nil
	l.bw = nil
	l.state = s
}

// probe reports whether an idle Connected link is still open and clean.
func (l *Link) probe() error {
	if l.br.Buffered() > 0 {
		return errStrayBytes
	}
	if err := l.raw.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return err
	}
	var one [1]byte
	n, err := l.raw.Read(one[:])
	_ = l.raw.SetReadDeadline(time.Time{})

	switch {
	case n > 0:
		return errStrayBytes
	case err == nil, conn.IsTimeout(err):
		return nil
	default:
		return fmt.Errorf("upstream closed idle link: %w", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
