package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/relayd/internal/conn"
)

// CopyStats counts the bytes moved by CopyBidirectional.
type CopyStats struct {
	LeftToRight int64
	RightToLeft int64
}

// CopyBidirectional pumps bytes between left and right until either side
// ends, then closes both. A pump that stops for any reason closes both
// connections, which unblocks the other pump. Canceling ctx does the same.
//
// idleTimeout, if positive, fails a pump whose read or write makes no
// progress for that long. Ordinary endings (EOF, reset, the close done
// here) are not reported as errors.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) (CopyStats, error) {
	left = conn.WithIdleTimeout(left, idleTimeout)
	right = conn.WithIdleTimeout(right, idleTimeout)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var stats CopyStats
	var g errgroup.Group

	g.Go(func() error {
		defer closeBoth()
		n, err := conn.Copy(right, left)
		stats.LeftToRight = n
		return pumpErr(err)
	})

	g.Go(func() error {
		defer closeBoth()
		n, err := conn.Copy(left, right)
		stats.RightToLeft = n
		return pumpErr(err)
	})

	return stats, g.Wait()
}

func pumpErr(err error) error {
	if conn.IsNormalClose(err) {
		return nil
	}
	return err
}
