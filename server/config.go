package server

import (
	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MessageFunc 在接入线程上处理一条完整消息；msg 在回调返回后仍归调用方所有
type MessageFunc func(c *Conn, msg []byte)

// ConnectionFunc 在连接建立（err 为 nil 且 c.Connected()）与断开时调用
type ConnectionFunc func(c *Conn, err error)

type options struct {
	logger   *log.Entry
	restarts int
	registry prometheus.Registerer
}

// Option 配置 Server
type Option func(*options)

// WithLogger 指定日志 entry，默认 log.L
func WithLogger(l *log.Entry) Option {
	return func(o *options) { o.logger = l }
}

// WithRestart 接入循环出错退出后最多自动重启 n 次
func WithRestart(n int) Option {
	return func(o *options) { o.restarts = n }
}

// WithMetrics 把服务端指标注册到 reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}
