//go:build linux

package poller

import (
	"encoding/binary"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

type eventfd struct {
	mu sync.RWMutex
	fd int
}

// NewEvent 基于 eventfd 创建自动复位事件
func NewEvent() (Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventfd{fd: fd}, nil
}

func (e *eventfd) Signal() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.fd < 0 {
		return ErrClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if err == unix.EAGAIN {
		// 计数器饱和，事件本就处于置位状态
		return nil
	}
	return err
}

// reset 读空计数器
func (e *eventfd) reset() error {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EAGAIN {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (e *eventfd) Handle() FD {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FD(e.fd)
}

func (e *eventfd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

type source struct {
	fd int
	ev *eventfd
}

type epollWaiter struct {
	efd    int
	srcs   []source
	events []unix.EpollEvent
}

// New 创建 epoll 等待器；所有来源均为水平触发
func New() (Waiter, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollWaiter{efd: efd, events: make([]unix.EpollEvent, 16)}, nil
}

func (w *epollWaiter) add(fd int, ev *eventfd) (int, error) {
	if w.efd < 0 {
		return -1, ErrClosed
	}
	e := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.efd, unix.EPOLL_CTL_ADD, fd, e); err != nil {
		return -1, err
	}
	w.srcs = append(w.srcs, source{fd: fd, ev: ev})
	return len(w.srcs) - 1, nil
}

func (w *epollWaiter) AddEvent(ev Event) (int, error) {
	efd, ok := ev.(*eventfd)
	if !ok {
		return -1, ErrForeign
	}
	return w.add(int(efd.Handle()), efd)
}

func (w *epollWaiter) AddReadable(fd FD) (int, error) {
	return w.add(int(fd), nil)
}

func (w *epollWaiter) index(fd int) int {
	for i, s := range w.srcs {
		if s.fd == fd {
			return i
		}
	}
	return -1
}

func (w *epollWaiter) Wait() (int, error) {
	defer runtime.KeepAlive(w)
	if w.efd < 0 {
		return -1, ErrClosed
	}
	for {
		n, err := unix.EpollWait(w.efd, w.events, -1)
		if err != nil {
			if err == unix.EINTR {
				return Alerted, nil
			}
			return -1, err
		}
		best := -1
		for i := 0; i < n; i++ {
			idx := w.index(int(w.events[i].Fd))
			if idx >= 0 && (best < 0 || idx < best) {
				best = idx
			}
		}
		if best < 0 {
			continue
		}
		if ev := w.srcs[best].ev; ev != nil {
			if err := ev.reset(); err != nil {
				return -1, err
			}
		}
		return best, nil
	}
}

func (w *epollWaiter) Close() error {
	if w.efd < 0 {
		return nil
	}
	err := unix.Close(w.efd)
	w.efd = -1
	w.srcs = nil
	return err
}
