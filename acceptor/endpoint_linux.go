//go:build linux

package acceptor

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/internal/guard"
	"github.com/legamerdc/gipc/internal/netutil"
	"github.com/legamerdc/gipc/poller"
)

const listenBacklog = 128

// 等待集合中的下标，connect-ready 对应两个来源：手动置位的事件与监听 fd 可读
const (
	idxConnEvent = iota
	idxListener
	idxWork
	idxStop
)

// seqpacketPlatform 用 SOCK_SEQPACKET 监听套接字模拟命名管道实例：
// 每轮 accept 得到的 fd 即为“下一个端点”。
type seqpacketPlatform struct {
	path   string
	cfg    gipc.Config
	conn   poller.Event
	lfd    int
	next   int
	waiter poller.Waiter
}

func newPlatform(path string, cfg gipc.Config, conn, work, stop poller.Event) (platform, error) {
	var undo guard.Stack
	defer undo.Release()

	lfd, err := netutil.ListenSeqpacket(path, listenBacklog)
	if err != nil {
		return nil, gipc.NewConnectionError("CreateNamedPipe", err)
	}
	undo.Push(func() { unix.Close(lfd) })

	w, err := poller.New()
	if err != nil {
		return nil, gipc.NewConnectionError("CreateWaiter", err)
	}
	undo.Push(func() { w.Close() })

	if _, err := w.AddEvent(conn); err != nil {
		return nil, gipc.NewConnectionError("AddEvent (connect event)", err)
	}
	if _, err := w.AddReadable(poller.FD(lfd)); err != nil {
		return nil, gipc.NewConnectionError("AddReadable (listener)", err)
	}
	if _, err := w.AddEvent(work); err != nil {
		return nil, gipc.NewConnectionError("AddEvent (write event)", err)
	}
	if _, err := w.AddEvent(stop); err != nil {
		return nil, gipc.NewConnectionError("AddEvent (close event)", err)
	}

	p := &seqpacketPlatform{path: path, cfg: cfg, conn: conn, lfd: lfd, next: -1, waiter: w}
	undo.Dismiss()
	return p, nil
}

// createConnectInstance 尝试立即 accept：
// EAGAIN 即 pending；已有客户端则手动置位 connect-ready，返回非 pending。
func (p *seqpacketPlatform) createConnectInstance() (bool, error) {
	if p.next >= 0 {
		unix.Close(p.next)
		p.next = -1
	}
	fd, err := netutil.Accept(p.lfd)
	switch err {
	case nil:
		p.adopt(fd)
		if err := p.conn.Signal(); err != nil {
			return false, gipc.NewConnectionError("ConnectNamedPipe", err)
		}
		return false, nil
	case unix.EAGAIN:
		return true, nil
	default:
		return false, gipc.NewConnectionError("ConnectNamedPipe", err)
	}
}

func (p *seqpacketPlatform) connectResult() (bool, error) {
	fd, err := netutil.Accept(p.lfd)
	switch err {
	case nil:
		p.adopt(fd)
		return false, nil
	case unix.EAGAIN:
		// 可读但客户端已离开
		return true, nil
	default:
		return false, gipc.NewConnectionError("ConnectNamedPipe", err)
	}
}

func (p *seqpacketPlatform) adopt(fd int) {
	_ = netutil.SetSendBuf(fd, p.cfg.OutputBufferSize)
	_ = netutil.SetRecvBuf(fd, p.cfg.InputBufferSize)
	p.next = fd
}

func (p *seqpacketPlatform) take() gipc.Endpoint {
	ep := &fdEndpoint{fd: p.next, h: uintptr(p.next), name: p.path}
	p.next = -1
	return ep
}

func (p *seqpacketPlatform) current() uintptr {
	if p.next >= 0 {
		return uintptr(p.next)
	}
	return uintptr(p.lfd)
}

func (p *seqpacketPlatform) wait() (signal, error) {
	idx, err := p.waiter.Wait()
	if err != nil {
		return 0, gipc.NewConnectionError("Unexpected error", err)
	}
	switch idx {
	case poller.Alerted:
		return sigAlerted, nil
	case idxConnEvent, idxListener:
		return sigConnect, nil
	case idxWork:
		return sigWork, nil
	case idxStop:
		return sigStop, nil
	}
	return 0, &gipc.ConnectionError{Op: "Unexpected error", Code: uintptr(idx)}
}

// disconnect 在 Linux 上无需动作：停止信号与监听 fd 处于同一个 epoll 集合
func (p *seqpacketPlatform) disconnect() {}

func (p *seqpacketPlatform) close() {
	if p.next >= 0 {
		unix.Close(p.next)
		p.next = -1
	}
	p.waiter.Close()
	unix.Close(p.lfd)
	p.lfd = -1
}

// fdEndpoint 为已接受的 seqpacket 连接
type fdEndpoint struct {
	mu   sync.Mutex
	fd   int
	h    uintptr
	name string
}

func (e *fdEndpoint) Handle() uintptr { return e.h }

func (e *fdEndpoint) Open() (io.ReadWriteCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fd < 0 {
		return nil, gipc.ErrClosed
	}
	fd := e.fd
	e.fd = -1
	return netutil.File(fd, e.name), nil
}

func (e *fdEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}
