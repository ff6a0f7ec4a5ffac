package msgio

import (
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
)

// Closed 报告 err 是否只是连接正常结束
func Closed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		closedPlatform(err)
}
