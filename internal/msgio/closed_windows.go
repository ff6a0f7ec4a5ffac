//go:build windows

package msgio

import (
	"github.com/Microsoft/go-winio"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// 消息模式下缓冲不足时 ReadFile 返回 ERROR_MORE_DATA
func truncated(err error) bool {
	return errors.Is(err, windows.ERROR_MORE_DATA)
}

func closedPlatform(err error) bool {
	return errors.Is(err, winio.ErrFileClosed) ||
		errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED)
}
