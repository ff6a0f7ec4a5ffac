// Package server 在 acceptor 之上管理连接：为每个接入的端点建立 Conn，
// 把消息与断开通知串行地投递到接入线程，并提供广播与指标。
package server

import (
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/acceptor"
)

type Server struct {
	cfg     gipc.Config
	acc     *acceptor.Acceptor
	opts    options
	logger  *log.Entry
	metrics *metrics

	cbMu         sync.RWMutex
	onMessage    MessageFunc
	onConnection ConnectionFunc
	onException  gipc.ExceptionFunc

	mu      sync.Mutex
	conns   map[uint64]*connection
	retired []*connection // 读写都已结束、尚未 finish
	nextID  atomic.Uint64

	// runMu 串行化重启决定与 Stop
	runMu    sync.Mutex
	stopping bool
	restarts int
}

func New(name string, cfg gipc.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: log.L}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Server{
		cfg:   cfg,
		opts:  o,
		conns: make(map[uint64]*connection),
	}
	acc, err := acceptor.New(name, cfg, acceptor.WithLogger(o.logger), acceptor.WithStartFunc(s.reap))
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(o.registry, acc.Path())
	if err != nil {
		_ = acc.Close()
		return nil, errors.Wrap(err, "server: register metrics")
	}
	s.acc = acc
	s.metrics = m
	s.logger = o.logger.WithField("pipe", acc.Path())
	acc.SetNewConnectionCallback(s.newConnection)
	acc.SetExceptionCallback(s.acceptorExit)
	return s, nil
}

// Path 返回平台端点全名
func (s *Server) Path() string { return s.acc.Path() }

func (s *Server) SetMessageCallback(cb MessageFunc) {
	s.cbMu.Lock()
	s.onMessage = cb
	s.cbMu.Unlock()
}

func (s *Server) SetConnectionCallback(cb ConnectionFunc) {
	s.cbMu.Lock()
	s.onConnection = cb
	s.cbMu.Unlock()
}

// SetExceptionCallback 每次接入循环退出时调用，包括随后被自动重启的那些
func (s *Server) SetExceptionCallback(cb gipc.ExceptionFunc) {
	s.cbMu.Lock()
	s.onException = cb
	s.cbMu.Unlock()
}

func (s *Server) messageCallback() MessageFunc {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.onMessage
}

func (s *Server) connectionCallback() ConnectionFunc {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.onConnection
}

func (s *Server) exceptionCallback() gipc.ExceptionFunc {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.onException
}

func (s *Server) Listen() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stopping = false
	s.restarts = s.opts.restarts
	return s.acc.Listen()
}

// Stop 停止接入并断开全部连接；已排队未发送的消息被丢弃
func (s *Server) Stop() {
	s.runMu.Lock()
	s.stopping = true
	s.runMu.Unlock()
	// 此后不再重启；若重启已先一步完成，这里停掉的是新一轮循环
	s.acc.Stop()
	s.abortAll(nil)
}

func (s *Server) Close() error {
	s.Stop()
	return s.acc.Close()
}

// Connections 返回当前连接数
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast 向全部连接发送 msg，返回成功排队的连接数
func (s *Server) Broadcast(msg []byte) int {
	n := 0
	for _, c := range s.snapshot() {
		if err := c.api.Send(msg); err != nil {
			c.logger.WithError(err).Debug("server: broadcast skip")
			continue
		}
		n++
	}
	return n
}

// Post 在接入线程上执行 fn
func (s *Server) Post(fn func()) error { return s.acc.Post(fn) }

func (s *Server) snapshot() []*connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) remove(c *connection) {
	s.mu.Lock()
	delete(s.conns, c.api.ID)
	s.mu.Unlock()
}

// newConnection 在接入线程上调用，端点的所有权从此归连接
func (s *Server) newConnection(ep gipc.Endpoint, _ gipc.Signal) {
	s.metrics.accepted.Inc()
	id := s.nextID.Add(1)
	c, err := newConnection(s, id, ep)
	if err != nil {
		s.logger.WithError(err).Warn("server: drop client")
		return
	}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	c.start()
}

// retire 在连接的读写都结束后调用。
// 投递给接入线程的 reap 可能失败或随循环退出被丢弃，
// 此时由 acceptorExit、下一轮循环开始或 abortAll 收尾。
func (s *Server) retire(c *connection) {
	s.mu.Lock()
	s.retired = append(s.retired, c)
	s.mu.Unlock()
	if err := s.acc.Post(s.reap); err != nil {
		c.logger.WithError(err).Debug("server: finish deferred")
	}
}

// reap 为已退休的连接执行 finish；在接入线程上或循环已退出后调用
func (s *Server) reap() {
	s.mu.Lock()
	cs := s.retired
	s.retired = nil
	s.mu.Unlock()
	for _, c := range cs {
		c.finish()
	}
}

// abortAll 断开全部连接并在当前 goroutine 上补发断开通知
func (s *Server) abortAll(reason error) {
	conns := s.snapshot()
	for _, c := range conns {
		c.fail(reason)
	}
	for _, c := range conns {
		c.wg.Wait()
		c.finish()
	}
	s.reap()
}

// acceptorExit 为 acceptor 的异常回调，在退出的循环线程上执行
func (s *Server) acceptorExit(err error) {
	s.reap()
	if cb := s.exceptionCallback(); cb != nil {
		cb(err)
	}
	if err == nil {
		return
	}
	s.metrics.errors.Inc()
	if s.restart(err) {
		return
	}
	s.logger.WithError(err).Error("server: acceptor failed, close connections")
	s.abortAll(err)
}

// restart 报告是否已无需收尾：正在停止，或新一轮循环已启动
func (s *Server) restart(err error) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopping {
		return true
	}
	if s.restarts <= 0 {
		return false
	}
	s.restarts--
	s.metrics.restarts.Inc()
	s.logger.WithError(err).Warn("server: restart acceptor")
	if lerr := s.acc.Listen(); lerr != nil {
		s.logger.WithError(lerr).Error("server: restart failed")
		return false
	}
	return true
}
