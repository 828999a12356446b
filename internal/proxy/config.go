package proxy

import (
	"time"

	"go.uber.org/zap"

	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/upstream"
)

const (
	DefaultWorkers           = 8
	DefaultConnectAttempts   = 2
	DefaultClientTimeout     = 30 * time.Second
	DefaultTunnelIdleTimeout = 5 * time.Minute
	DefaultMaxHeaderBytes    = 1 << 20
)

type Config struct {
	Upstream upstream.Config
	// Dialer reaches the upstream. Nil dials it directly.
	Dialer upstream.Dialer

	Workers int
	// ConnectAttempts is how many times a worker tries to (re)connect its
	// link for one client before giving up on that client.
	ConnectAttempts int

	// ClientTimeout bounds each read and write on a client connection while
	// relaying plain HTTP.
	ClientTimeout time.Duration
	// TunnelIdleTimeout closes a tunnel when neither side has moved bytes
	// for this long.
	TunnelIdleTimeout time.Duration
	// NegotiationTimeout bounds inbound handshakes such as SOCKS5.
	NegotiationTimeout time.Duration

	// ValidateTargets rejects request targets that are not absolute
	// http/https URLs with a plausible host.
	ValidateTargets bool
	// DecodeChunked relays chunked bodies chunk by chunk. When false they
	// are relayed until the upstream closes.
	DecodeChunked bool
	// EndMarker, if set, is a line the upstream sends to end a response.
	EndMarker string
	// MaxHeaderBytes caps a request or response header block.
	MaxHeaderBytes int

	// AcceptRate limits accepted connections per second; 0 is unlimited.
	AcceptRate  float64
	AcceptBurst int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.Upstream.Logger == nil {
		c.Upstream.Logger = c.Logger
	}
	if c.Upstream.Metrics == nil {
		c.Upstream.Metrics = c.Metrics
	}
	return c
}
