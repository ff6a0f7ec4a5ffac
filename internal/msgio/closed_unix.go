//go:build unix

package msgio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// seqpacket 截断时 read 直接返回缓冲长度，由 Reader 的多余字节发现
func truncated(error) bool { return false }

func closedPlatform(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}
