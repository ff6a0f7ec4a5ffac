//go:build windows

package poller

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	waitIOCompletion = 0x000000C0
	maxWaitObjects   = 64
)

var procWaitForMultipleObjectsEx = windows.NewLazySystemDLL("kernel32.dll").NewProc("WaitForMultipleObjectsEx")

type winEvent struct {
	mu sync.RWMutex
	h  windows.Handle
}

// NewEvent 创建自动复位、初始未置位的事件对象
func NewEvent() (Event, error) {
	h, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	return &winEvent{h: h}, nil
}

func (e *winEvent) Signal() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.h == 0 {
		return ErrClosed
	}
	return windows.SetEvent(e.h)
}

func (e *winEvent) Handle() FD {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FD(e.h)
}

func (e *winEvent) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h == 0 {
		return nil
	}
	err := windows.CloseHandle(e.h)
	e.h = 0
	return err
}

type winWaiter struct {
	handles []windows.Handle
	closed  bool
}

// New 创建基于 WaitForMultipleObjectsEx 的可提醒等待器
func New() (Waiter, error) {
	return &winWaiter{}, nil
}

func (w *winWaiter) add(h windows.Handle) (int, error) {
	if w.closed {
		return -1, ErrClosed
	}
	if len(w.handles) >= maxWaitObjects {
		return -1, windows.ERROR_INVALID_PARAMETER
	}
	w.handles = append(w.handles, h)
	return len(w.handles) - 1, nil
}

func (w *winWaiter) AddEvent(ev Event) (int, error) {
	if _, ok := ev.(*winEvent); !ok {
		return -1, ErrForeign
	}
	return w.add(windows.Handle(ev.Handle()))
}

func (w *winWaiter) AddReadable(fd FD) (int, error) {
	return w.add(windows.Handle(fd))
}

func (w *winWaiter) Wait() (int, error) {
	if w.closed || len(w.handles) == 0 {
		return -1, ErrClosed
	}
	r, _, err := procWaitForMultipleObjectsEx.Call(
		uintptr(len(w.handles)),
		uintptr(unsafe.Pointer(&w.handles[0])),
		0,                // 任一对象
		windows.INFINITE, // 无限等待
		1)                // 可提醒
	switch {
	case r == waitIOCompletion:
		return Alerted, nil
	case r < uintptr(windows.WAIT_OBJECT_0)+uintptr(len(w.handles)):
		return int(r - uintptr(windows.WAIT_OBJECT_0)), nil
	default:
		if err == windows.ERROR_SUCCESS {
			err = windows.Errno(r)
		}
		return -1, err
	}
}

func (w *winWaiter) Close() error {
	w.closed = true
	w.handles = nil
	return nil
}
