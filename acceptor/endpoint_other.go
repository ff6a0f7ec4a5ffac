//go:build !linux && !windows

package acceptor

import (
	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/poller"
)

func newPlatform(path string, cfg gipc.Config, conn, work, stop poller.Event) (platform, error) {
	return nil, gipc.ErrPlatformNotSupported
}

func currentThreadID() uint64 { return 0 }
