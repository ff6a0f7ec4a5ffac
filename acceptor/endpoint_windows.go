//go:build windows

package acceptor

import (
	"io"
	"sync"
	"syscall"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/poller"
)

const (
	idxConnEvent = iota
	idxWork
	idxStop
)

// pipePlatform 持有当前命名管道实例与其 overlapped connect 状态
type pipePlatform struct {
	name    *uint16
	path    string
	cfg     gipc.Config
	conn    poller.Event
	waiter  poller.Waiter
	pending bool

	// ov 必须在堆上保持地址不变直到 overlapped 操作结束
	ov windows.Overlapped

	// mu 保护 next，Stop 可能从其它线程断开它
	mu   sync.Mutex
	next windows.Handle
}

func newPlatform(path string, cfg gipc.Config, conn, work, stop poller.Event) (platform, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, gipc.NewConnectionError("CreateNamedPipe", err)
	}
	w, err := poller.New()
	if err != nil {
		return nil, gipc.NewConnectionError("CreateWaiter", err)
	}
	for _, ev := range []poller.Event{conn, work, stop} {
		if _, err := w.AddEvent(ev); err != nil {
			w.Close()
			return nil, gipc.NewConnectionError("AddEvent", err)
		}
	}
	return &pipePlatform{
		name:   name,
		path:   path,
		cfg:    cfg,
		conn:   conn,
		waiter: w,
		next:   windows.InvalidHandle,
	}, nil
}

func (p *pipePlatform) createConnectInstance() (bool, error) {
	p.release()

	h, err := windows.CreateNamedPipe(
		p.name,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_MESSAGE|windows.PIPE_READMODE_MESSAGE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		uint32(p.cfg.OutputBufferSize),
		uint32(p.cfg.InputBufferSize),
		uint32(p.cfg.ClientTimeout.Milliseconds()),
		nil)
	if err != nil {
		return false, gipc.NewConnectionError("CreateNamedPipe", err)
	}
	p.mu.Lock()
	p.next = h
	p.mu.Unlock()

	p.ov = windows.Overlapped{HEvent: windows.Handle(p.conn.Handle())}
	err = windows.ConnectNamedPipe(h, &p.ov)
	switch err {
	case nil:
		// overlapped ConnectNamedPipe 应当返回 0
		return false, &gipc.ConnectionError{Op: "ConnectNamedPipe"}
	case windows.ERROR_IO_PENDING:
		p.pending = true
		return true, nil
	case windows.ERROR_PIPE_CONNECTED:
		if err := p.conn.Signal(); err != nil {
			return false, gipc.NewConnectionError("ConnectNamedPipe", err)
		}
		return false, nil
	default:
		return false, gipc.NewConnectionError("ConnectNamedPipe", err)
	}
}

func (p *pipePlatform) connectResult() (bool, error) {
	var n uint32
	err := windows.GetOverlappedResult(p.next, &p.ov, &n, false)
	p.pending = false
	if err != nil {
		return false, gipc.NewConnectionError("ConnectNamedPipe", err)
	}
	return false, nil
}

func (p *pipePlatform) take() gipc.Endpoint {
	p.mu.Lock()
	h := p.next
	p.next = windows.InvalidHandle
	p.mu.Unlock()
	return &handleEndpoint{h: h, id: uintptr(h)}
}

func (p *pipePlatform) current() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == windows.InvalidHandle {
		return 0
	}
	return uintptr(p.next)
}

func (p *pipePlatform) wait() (signal, error) {
	idx, err := p.waiter.Wait()
	if err != nil {
		return 0, gipc.NewConnectionError("Unexpected error", err)
	}
	switch idx {
	case poller.Alerted:
		return sigAlerted, nil
	case idxConnEvent:
		return sigConnect, nil
	case idxWork:
		return sigWork, nil
	case idxStop:
		return sigStop, nil
	}
	return 0, &gipc.ConnectionError{Op: "Unexpected error", Code: uintptr(idx)}
}

func (p *pipePlatform) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next != windows.InvalidHandle {
		_ = windows.DisconnectNamedPipe(p.next)
	}
}

// release 关闭尚未交出的实例；pending 的 connect 先取消并等待其结束
func (p *pipePlatform) release() {
	p.mu.Lock()
	h := p.next
	p.next = windows.InvalidHandle
	p.mu.Unlock()
	if h == windows.InvalidHandle {
		return
	}
	if p.pending {
		var n uint32
		_ = windows.CancelIoEx(h, &p.ov)
		_ = windows.GetOverlappedResult(h, &p.ov, &n, true)
		p.pending = false
	}
	_ = windows.CloseHandle(h)
}

func (p *pipePlatform) close() {
	p.release()
	p.waiter.Close()
}

// handleEndpoint 为已连上客户端的管道实例
type handleEndpoint struct {
	mu sync.Mutex
	h  windows.Handle
	id uintptr
}

func (e *handleEndpoint) Handle() uintptr { return e.id }

// Open 把句柄交给 go-winio 的 IOCP 文件实现
func (e *handleEndpoint) Open() (io.ReadWriteCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h == windows.InvalidHandle {
		return nil, gipc.ErrClosed
	}
	f, err := winio.MakeOpenFile(syscall.Handle(e.h))
	if err != nil {
		return nil, err
	}
	e.h = windows.InvalidHandle
	return f, nil
}

func (e *handleEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h == windows.InvalidHandle {
		return nil
	}
	_ = windows.DisconnectNamedPipe(e.h)
	err := windows.CloseHandle(e.h)
	e.h = windows.InvalidHandle
	return err
}
