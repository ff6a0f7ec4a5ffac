//go:build windows

package client

import (
	"context"
	"io"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// dial 等待空闲实例（ERROR_PIPE_BUSY 时 winio 会重试）并切换到消息读模式
func dial(ctx context.Context, path string) (io.ReadWriteCloser, error) {
	conn, err := winio.DialPipeContext(ctx, path)
	if err != nil {
		return nil, err
	}
	if f, ok := conn.(interface{ Fd() uintptr }); ok {
		mode := uint32(windows.PIPE_READMODE_MESSAGE)
		if err := windows.SetNamedPipeHandleState(windows.Handle(f.Fd()), &mode, nil, nil); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
