//go:build linux

package client

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// 服务端正在两次 accept 之间时 connect 可能被拒绝，稍后重试
const dialRetryInterval = 10 * time.Millisecond

func dial(ctx context.Context, path string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unixpacket", path)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, unix.ECONNREFUSED) && !errors.Is(err, unix.EAGAIN) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(dialRetryInterval):
		}
	}
}
