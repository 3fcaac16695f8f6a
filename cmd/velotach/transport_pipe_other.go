//go:build !linux

package main

import (
	"context"
	"fmt"
	"runtime"
)

// Open reports the pipe transport as unavailable outside Linux.
func (t *pipeTransport) Open(ctx context.Context, h FrameHandler) (Subscription, error) {
	return nil, fmt.Errorf("%w: pipe transport requires linux (running on %s)", ErrTransportUnavailable, runtime.GOOS)
}
