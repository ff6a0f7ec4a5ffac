//go:build !linux && !windows

package client

import (
	"context"
	"io"

	"github.com/legamerdc/gipc"
)

func dial(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, gipc.ErrPlatformNotSupported
}
