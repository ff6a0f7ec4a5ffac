//go:build linux

package netutil

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenSeqpacket 创建并监听 AF_UNIX/SOCK_SEQPACKET 套接字（非阻塞、CLOEXEC）。
// path 以 '@' 开头时为抽象地址；失败时 fd 已关闭。
func ListenSeqpacket(path string, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

// Accept 非阻塞接受一个连接；无连接时返回 unix.EAGAIN
func Accept(lfd int) (int, error) {
	for {
		fd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			// 对端在 accept 之前已放弃，继续取下一个
			continue
		}
		return fd, err
	}
}

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetRecvBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

func SetSendBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// File 将非阻塞 fd 包装为 *os.File，读写经由 runtime netpoller；
// fd 的所有权转交给返回值，句柄值保持不变。
func File(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// GetFDFromConn 从 net.Conn 中抽取 fd。
func GetFDFromConn(c net.Conn) (int, error) {
	if sc, ok := c.(interface {
		SyscallConn() (syscall.RawConn, error)
	}); ok {
		rc, err := sc.SyscallConn()
		if err != nil {
			return -1, err
		}
		var fd int
		if err := rc.Control(func(rawfd uintptr) { fd = int(rawfd) }); err != nil {
			return -1, err
		}
		return fd, nil
	}
	return -1, syscall.EINVAL
}
