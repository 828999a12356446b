package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/relayd/internal/logging"
	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/upstream"
)

// TunnelRelay connects a client to a target through an upstream CONNECT
// tunnel and pumps bytes both ways until either side closes.
type TunnelRelay struct {
	upstream    upstream.Config
	dialer      upstream.Dialer
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func newTunnelRelay(cfg Config, d upstream.Dialer) *TunnelRelay {
	return &TunnelRelay{
		upstream:    cfg.Upstream,
		dialer:      d,
		idleTimeout: cfg.TunnelIdleTimeout,
		logger:      logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
	}
}

// Relay opens a tunnel to target and tells the client how that went via
// reply. The client connection is closed when Relay returns.
func (t *TunnelRelay) Relay(ctx context.Context, client net.Conn, target string, reply TunnelReplier) (CopyStats, error) {
	if reply == nil {
		reply = silentReplier{}
	}

	up, err := upstream.DialTunnel(ctx, t.upstream, t.dialer, target)
	if err != nil {
		if rerr := reply.Failed(client, err); rerr != nil {
			t.logger.Debug("tunnel failure reply not delivered", zap.Error(rerr))
		}
		_ = client.Close()
		return CopyStats{}, fmt.Errorf("%w: %w", ErrTunnelSetup, err)
	}

	if err := reply.Established(client, up.LocalAddr()); err != nil {
		_ = up.Close()
		_ = client.Close()
		return CopyStats{}, fmt.Errorf("%w: %w", ErrClientIO, err)
	}

	done := t.metrics.TunnelOpened()
	defer done()

	stats, err := CopyBidirectional(ctx, client, up, t.idleTimeout)
	t.metrics.AddBytes(metrics.Upstream, stats.LeftToRight)
	t.metrics.AddBytes(metrics.Downstream, stats.RightToLeft)
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrUpstreamIO, err)
	}
	return stats, nil
}
