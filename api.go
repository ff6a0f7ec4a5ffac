package gipc

import (
	"fmt"
	"time"
)

// Framing 决定一条管道消息内部的布局
type Framing string

const (
	// FramingRaw 一次 Send 即一条管道消息，负载原样传输
	FramingRaw Framing = "raw"
	// FramingFramed 消息内带 LenFlags 头，可压缩、可批量
	FramingFramed Framing = "framed"
)

// Config 为通道端点配置
// 所有实例在创建时使用同一组参数，实例数不限
type Config struct {
	Namespace         string        // 平台名字前缀（Linux 抽象命名空间），Windows 固定为 \\.\pipe\
	OutputBufferSize  int           // 输出缓冲（字节）
	InputBufferSize   int           // 输入缓冲（字节），同时作为单条消息读取上限
	ClientTimeout     time.Duration // 客户端等待/空闲超时
	Framing           Framing       // raw / framed
	CompressThreshold int           // framed 模式下超过该长度的负载使用 zstd 压缩，<=0 关闭
	MaxPayload        int           // 单条消息最大负载
	WriteQueueSize    int           // 每连接待发送消息上限
}

// 默认缓冲与超时
const (
	DefaultBufferSize    = 4096
	DefaultClientTimeout = 5 * time.Second
	DefaultNamespace     = "gipc/pipe/"

	// FrameOverhead framed 模式下一条管道消息相对 MaxPayload 允许多出的字节（头部与压缩膨胀）
	FrameOverhead = 256
)

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config {
	return Config{
		Namespace:         DefaultNamespace,
		OutputBufferSize:  DefaultBufferSize,
		InputBufferSize:   DefaultBufferSize,
		ClientTimeout:     DefaultClientTimeout,
		Framing:           FramingRaw,
		CompressThreshold: 1 << 10, // 1 KiB
		MaxPayload:        DefaultBufferSize,
		WriteQueueSize:    1024,
	}
}

// Validate 检查配置，零值字段回填默认值
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.OutputBufferSize == 0 {
		c.OutputBufferSize = def.OutputBufferSize
	}
	if c.InputBufferSize == 0 {
		c.InputBufferSize = def.InputBufferSize
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = def.ClientTimeout
	}
	if c.Framing == "" {
		c.Framing = def.Framing
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = c.InputBufferSize
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = def.WriteQueueSize
	}
	switch {
	case c.OutputBufferSize < 0 || c.InputBufferSize < 0:
		return fmt.Errorf("%w: negative buffer size", ErrInvalidArgument)
	case c.ClientTimeout < 0:
		return fmt.Errorf("%w: negative client timeout", ErrInvalidArgument)
	case c.MaxPayload < 0 || c.WriteQueueSize < 0:
		return fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	case c.Framing != FramingRaw && c.Framing != FramingFramed:
		return fmt.Errorf("%w: unknown framing %q", ErrInvalidArgument, c.Framing)
	}
	return nil
}

// ReadLimit 返回一条管道消息允许的最大字节数
func (c *Config) ReadLimit() int {
	if c.Framing == FramingFramed {
		return c.MaxPayload + FrameOverhead
	}
	return c.MaxPayload
}
