package poller

import "errors"

// FD 表示文件描述符（Linux）或可等待句柄（Windows）。
type FD = uintptr

// Alerted 表示等待被打断（可提醒完成例程 / EINTR），没有消费任何来源。
const Alerted = -1

var (
	ErrNotSupported = errors.New("poller: platform not supported")
	ErrClosed       = errors.New("poller: closed")
	ErrForeign      = errors.New("poller: event created by another implementation")
)

// Event 是自动复位事件：Signal 可在任意 goroutine 调用，
// 被一次 Wait 观察到后自动复位。

type Event interface {
	Signal() error
	Handle() FD
	Close() error
}

// Waiter 在一组有序来源上多路等待，是事件循环唯一的阻塞点。
// 多个来源同时就绪时返回下标最小者，其余来源保持就绪留给下一次 Wait。

type Waiter interface {
	AddEvent(ev Event) (int, error)
	AddReadable(fd FD) (int, error)
	Wait() (int, error)
	Close() error
}
