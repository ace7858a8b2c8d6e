package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between left and right until either
// direction ends or ctx is canceled. The first side to finish closes both
// connections, so neither is left half-open. It returns the byte counts in
// each direction.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (leftToRight, rightToLeft int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// If the context is canceled, close both sides to unblock Copy.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		n, err := io.Copy(right, left)
		leftToRight = n
		return ignoreClosed(err)
	})
	g.Go(func() error {
		defer closeBoth()
		n, err := io.Copy(left, right)
		rightToLeft = n
		return ignoreClosed(err)
	})

	err = g.Wait()
	return leftToRight, rightToLeft, err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// bufferedConn reads through r, which may hold bytes already consumed
// from the connection, before falling through to the connection itself.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
