package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/die-net/relayd/internal/logging"
	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/queue"
)

// Inbound sources.
const (
	SourceHTTP   = "http"
	SourceSOCKS5 = "socks5"
	SourceTProxy = "tproxy"
)

// HandshakeFunc runs an inbound protocol's negotiation on a freshly
// accepted connection and returns the job to queue. It runs on its own
// goroutine under the acceptor's negotiation deadline.
type HandshakeFunc func(ctx context.Context, c net.Conn) (*Job, error)

// Acceptor accepts connections from a listener and queues them for the
// dispatcher. It never relays anything itself.
type Acceptor struct {
	source             string
	queue              *queue.Queue[*Job]
	handshake          HandshakeFunc
	negotiationTimeout time.Duration
	limiter            *rate.Limiter
	logger             *zap.Logger
	metrics            *metrics.Metrics
}

// NewAcceptor returns an acceptor for source. A nil handshake queues
// connections as soon as they are accepted, for the worker to read an HTTP
// request from.
func NewAcceptor(source string, cfg Config, q *queue.Queue[*Job], handshake HandshakeFunc) *Acceptor {
	a := &Acceptor{
		source:             source,
		queue:              q,
		handshake:          handshake,
		negotiationTimeout: cfg.NegotiationTimeout,
		logger:             logging.OrNop(cfg.Logger).With(zap.String("source", source)),
		metrics:            cfg.Metrics,
	}
	if cfg.AcceptRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), max(cfg.AcceptBurst, 1))
	}
	return a
}

// Serve accepts on ln until ctx is canceled or ln is closed. It waits for
// in-flight handshakes before returning.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	a.logger.Info("accepting connections", zap.Stringer("addr", ln.Addr()))
	for {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}

		if a.handshake == nil {
			a.enqueue(&Job{Conn: c})
			continue
		}
		wg.Go(func() { a.negotiate(ctx, c) })
	}
}

func (a *Acceptor) negotiate(ctx context.Context, c net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })

	if a.negotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(a.negotiationTimeout))
	}
	job, err := a.handshake(ctx, c)
	if !stop() {
		_ = c.Close()
		return
	}
	if err != nil {
		a.logger.Debug("handshake failed", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
		a.metrics.ObserveReject(a.source, "handshake")
		_ = c.Close()
		return
	}
	_ = c.SetDeadline(time.Time{})
	a.enqueue(job)
}

func (a *Acceptor) enqueue(job *Job) {
	job.Source = a.source
	if job.Accepted.IsZero() {
		job.Accepted = time.Now()
	}

	err := a.queue.Enqueue(job)
	switch {
	case err == nil:
		depth := a.queue.Len()
		a.metrics.ObserveAccept(a.source, depth)
		a.logger.Info("accepted connection", zap.Stringer("client", job.Conn.RemoteAddr()), zap.Int("queue_depth", depth))
	case errors.Is(err, queue.ErrFull):
		a.logger.Warn("request queue full, dropping connection", zap.Stringer("client", job.Conn.RemoteAddr()))
		a.metrics.ObserveReject(a.source, "queue_full")
		_ = job.Conn.Close()
	default:
		a.metrics.ObserveReject(a.source, "shutdown")
		_ = job.Conn.Close()
	}
}
