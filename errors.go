package gipc

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrPlatformNotSupported 当前平台没有可用的命名通道实现
	ErrPlatformNotSupported = errors.New("gipc: platform not supported (requires linux or windows)")

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("gipc: invalid argument")

	// ErrAlreadyListening 重复调用 Listen
	ErrAlreadyListening = errors.New("gipc: already listening")

	// ErrNotListening 事件循环未运行
	ErrNotListening = errors.New("gipc: not listening")

	// ErrClosed 对象已关闭
	ErrClosed = errors.New("gipc: closed")

	// ErrQueueFull 发送队列已满
	ErrQueueFull = errors.New("gipc: write queue full")

	// ErrPayloadTooLarge 消息超过上限
	ErrPayloadTooLarge = errors.New("gipc: payload too large")
)

// ConnectionError 是 acceptor 唯一对外暴露的错误类型
// Code 为平台错误码（Windows GLE / Linux errno），0 表示无
type ConnectionError struct {
	Op   string
	Code uintptr
	Err  error
}

// NewConnectionError 由平台错误构造 ConnectionError
func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Code: errorCode(err), Err: err}
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed GLE = %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed GLE = %d: %v", e.Op, e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError 报告 err 链上是否存在 ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func errorCode(err error) uintptr {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uintptr(errno)
	}
	return 0
}
