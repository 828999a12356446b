package upstream

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/relayd/internal/metrics"
)

type Config struct {
	// Address is the upstream host:port.
	Address string

	DialTimeout time.Duration
	// IOTimeout bounds every read and write on upstream connections.
	IOTimeout time.Duration
	// Backoff is the fixed pause after a failed dial.
	Backoff time.Duration

	KeepAlive net.KeepAliveConfig

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// ValidateAddress checks that addr is a usable host:port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("upstream address %q: %w", addr, err)
	}
	if host == "" {
		return errors.New("upstream address: missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("upstream address: invalid port %q", port)
	}
	return nil
}
