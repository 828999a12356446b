package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/relayd/internal/logging"
	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/queue"
	"github.com/die-net/relayd/internal/upstream"
)

// Dispatcher runs a fixed pool of workers that take jobs off the queue and
// relay them. Each worker owns one upstream link for its whole life.
type Dispatcher struct {
	cfg     Config
	queue   *queue.Queue[*Job]
	dialer  upstream.Dialer
	http    *HTTPRelay
	tunnel  *TunnelRelay
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(cfg Config, q *queue.Queue[*Job]) *Dispatcher {
	cfg = cfg.withDefaults()
	d := cfg.Dialer
	if d == nil {
		d = upstream.NewDirectDialer(cfg.Upstream)
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   q,
		dialer:  d,
		http:    newHTTPRelay(cfg),
		tunnel:  newTunnelRelay(cfg, d),
		logger:  logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
	}
}

// Run starts the workers and blocks until ctx is canceled or the queue is
// closed. Jobs still queued at that point are closed unserved.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting",
		zap.Int("workers", d.cfg.Workers),
		zap.String("upstream", d.cfg.Upstream.Address),
		zap.Int("queue_capacity", d.queue.Cap()))

	var g errgroup.Group
	for id := range d.cfg.Workers {
		w := &worker{
			id:     id,
			d:      d,
			link:   upstream.NewLink(d.cfg.Upstream, d.dialer),
			logger: d.logger.With(zap.Int("worker", id)),
		}
		g.Go(func() error {
			w.run(ctx)
			return nil
		})
	}
	err := g.Wait()

	d.queue.Close()
	if left := d.queue.Drain(); len(left) > 0 {
		d.logger.Info("closing unserved connections", zap.Int("count", len(left)))
		for _, job := range left {
			_ = job.Conn.Close()
			d.metrics.ObserveReject(job.Source, "shutdown")
		}
	}
	d.metrics.SetQueueDepth(0)
	d.logger.Info("dispatcher stopped")
	return err
}

type worker struct {
	id     int
	d      *Dispatcher
	link   *upstream.Link
	logger *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	defer func() { _ = w.link.Close() }()

	for {
		job, err := w.d.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Debug("worker exiting", zap.Error(err))
			return
		}
		w.d.metrics.SetQueueDepth(w.d.queue.Len())
		w.serve(ctx, job)
	}
}

// serve handles one job and always closes its connection. A panic is
// contained to the job: the link is discarded and the worker carries on.
func (w *worker) serve(ctx context.Context, job *Job) {
	start := time.Now()
	kind := metrics.KindHTTP
	result := metrics.ResultOK
	logger := w.logger.With(zap.Stringer("client", job.Conn.RemoteAddr()), zap.String("source", job.Source))

	defer func() {
		if p := recover(); p != nil {
			result = metrics.ResultPanic
			logger.Error("relay panicked", zap.Any("panic", p), zap.Stack("stack"))
			if w.link.State() == upstream.Connected {
				w.link.MarkBroken(fmt.Errorf("relay panicked: %v", p))
			}
		}
		w.d.metrics.ObserveRelay(kind, result, time.Since(start))
		_ = job.Conn.Close()
	}()

	// Shutdown closes the client so blocked reads and writes return.
	stop := context.AfterFunc(ctx, func() { _ = job.Conn.Close() })
	defer stop()

	client := newClientConn(job.Conn, w.d.cfg.ClientTimeout)

	if job.Target != "" {
		kind = metrics.KindTunnel
		result = w.tunnel(ctx, client, job.Target, job.Reply, logger)
		return
	}

	if err := w.connect(ctx); err != nil {
		result = resultFor(err)
		logger.Warn("dropping client, upstream unavailable", zap.Error(err))
		return
	}
	// The link's conn changes on reconnect, so capture this one.
	upConn := w.link.Conn()
	stopUp := context.AfterFunc(ctx, func() { _ = upConn.Close() })
	defer stopUp()

	line, err := readLine(client.br, w.d.cfg.MaxHeaderBytes)
	if err != nil || line == "" {
		result = metrics.ResultMalformed
		if errors.Is(err, io.EOF) {
			logger.Debug("client closed before sending a request")
		} else {
			logger.Warn("empty request line, closing connection", zap.Error(err))
		}
		return
	}

	req, err := ParseRequestLine(line)
	if err != nil {
		result = resultFor(err)
		logger.Warn("rejecting request", zap.Error(err))
		return
	}

	if req.IsConnect() {
		kind = metrics.KindTunnel
		target, err := TunnelTarget(req.Target)
		if err != nil {
			result = resultFor(err)
			logger.Warn("rejecting request", zap.Error(err))
			return
		}
		// The tunnel gets a clean byte stream: drop the CONNECT headers.
		if _, _, err := readHead(client.br, w.d.cfg.MaxHeaderBytes, "", true); err != nil {
			result = metrics.ResultClientIO
			logger.Warn("reading CONNECT headers", zap.Error(err))
			return
		}
		result = w.tunnel(ctx, client, target, httpReplier{}, logger)
		return
	}

	if w.d.cfg.ValidateTargets {
		if err := ValidateTarget(req.Target); err != nil {
			result = resultFor(err)
			logger.Warn("rejecting request", zap.String("method", req.Method), zap.Error(err))
			return
		}
	}

	res, err := w.d.http.Relay(client, req, w.link)
	result = resultFor(err)
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("target", req.Target),
		zap.Int("status", res.Status),
		zap.Stringer("framing", res.Framing.Mode),
		zap.Int64("request_bytes", res.RequestBytes),
		zap.Int64("response_bytes", res.ResponseBytes),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		logger.Warn("relay failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("relayed request", fields...)
}

func (w *worker) tunnel(ctx context.Context, client *clientConn, target string, reply TunnelReplier, logger *zap.Logger) string {
	start := time.Now()
	stats, err := w.d.tunnel.Relay(ctx, client.tunnelConn(), target, reply)
	fields := []zap.Field{
		zap.String("target", target),
		zap.Int64("bytes_up", stats.LeftToRight),
		zap.Int64("bytes_down", stats.RightToLeft),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		logger.Warn("tunnel failed", append(fields, zap.Error(err))...)
		return resultFor(err)
	}
	logger.Info("tunnel closed", fields...)
	return metrics.ResultOK
}

// connect makes the worker's link usable, trying up to ConnectAttempts
// dials. Each failed dial already waited out the link's backoff.
func (w *worker) connect(ctx context.Context) error {
	var err error
	for range w.d.cfg.ConnectAttempts {
		err = w.link.EnsureConnected(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}
