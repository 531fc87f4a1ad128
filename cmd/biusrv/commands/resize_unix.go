//go:build !windows

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/biusrv/internal/session"
)

// watchResize calls resize with the new size of f on every SIGWINCH until ctx ends.
func watchResize(ctx context.Context, f *os.File, resize func(cols, rows int)) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				resize(session.Size(f))
			}
		}
	}()
}
