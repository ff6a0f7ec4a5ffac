package gipc

import "io"

// Endpoint 表示一个已连上客户端的通道实例
type Endpoint interface {
	// Handle 返回平台句柄（Windows HANDLE / Linux fd），仅用于标识与日志
	Handle() uintptr
	// Open 将端点转换为消息模式的读写对象，之后由返回值负责关闭句柄
	Open() (io.ReadWriteCloser, error)
	// Close 释放尚未 Open 的端点
	Close() error
}

// Signal 为可跨线程置位的自动复位事件
type Signal interface {
	Signal() error
}
