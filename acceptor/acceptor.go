// Package acceptor 实现命名通道的异步接入事件循环。
//
// 每个 Acceptor 只有一个专用线程运行事件循环：创建端点、发起异步 connect、
// 在 {connect-ready, deferred-work, stop} 上多路等待、把新连接交给回调并立即重新布防。
// 所有回调（包括通过 Post 投递的完成例程）都串行地在该线程上执行。
package acceptor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/internal/guard"
	"github.com/legamerdc/gipc/internal/ring"
	"github.com/legamerdc/gipc/poller"
)

// signal 为一次等待观察到的来源
type signal int

const (
	sigAlerted signal = iota
	sigConnect
	sigWork
	sigStop
)

func (s signal) String() string {
	switch s {
	case sigAlerted:
		return "alerted"
	case sigConnect:
		return "connect"
	case sigWork:
		return "work"
	case sigStop:
		return "stop"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// platform 为一轮事件循环持有的平台状态：当前端点、connect 完成状态与等待器。
// 除 disconnect 外只在循环线程上调用。
type platform interface {
	createConnectInstance() (pending bool, err error)
	connectResult() (still bool, err error)
	take() gipc.Endpoint
	current() uintptr
	wait() (signal, error)
	disconnect()
	close()
}

// run 表示一次 Listen 启动的循环
type run struct {
	done     chan struct{}
	tid      atomic.Uint64
	exited   atomic.Bool
	stopping atomic.Bool
	// 在循环线程上调用 Close 时，构造期资源延迟到线程退出时释放
	closeOnExit atomic.Bool

	mu   sync.Mutex
	plat platform
}

func (r *run) onLoopThread() bool {
	tid := r.tid.Load()
	return tid != 0 && tid == currentThreadID()
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) setPlatform(p platform) {
	r.mu.Lock()
	r.plat = p
	r.mu.Unlock()
}

func (r *run) disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plat != nil {
		r.plat.disconnect()
	}
}

// Option 配置 Acceptor
type Option func(*Acceptor)

// WithLogger 指定日志 entry
func WithLogger(l *log.Entry) Option {
	return func(a *Acceptor) { a.logger = l }
}

// WithStartFunc 设置每轮循环开始接收 Post 工作后在循环线程上调用的 fn
func WithStartFunc(fn func()) Option {
	return func(a *Acceptor) { a.onStart = fn }
}

// Acceptor 拥有事件循环、停止信号与唯一一个等待客户端的端点
type Acceptor struct {
	name   string
	path   string
	cfg    gipc.Config
	logger *log.Entry
	// 只在 New 时设置
	onStart func()

	stop poller.Event

	mu     sync.Mutex
	run    *run
	closed bool

	cbMu          sync.RWMutex
	onNewConn     gipc.NewConnectionFunc
	onException   gipc.ExceptionFunc
	onDeferredJob gipc.WorkFunc

	qmu   sync.Mutex
	work  poller.Event
	queue *ring.Queue[func()]
}

// New 构造空闲的 Acceptor：派生端点全名并创建停止信号，不做任何阻塞 I/O
func New(name string, cfg gipc.Config, opts ...Option) (*Acceptor, error) {
	if name == "" {
		return nil, errors.Wrap(gipc.ErrInvalidArgument, "acceptor: empty channel name")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stop, err := poller.NewEvent()
	if err != nil {
		if errors.Is(err, poller.ErrNotSupported) {
			return nil, gipc.ErrPlatformNotSupported
		}
		return nil, gipc.NewConnectionError("CreateEvent (close event)", err)
	}
	a := &Acceptor{
		name:  name,
		path:  gipc.PipePath(cfg.Namespace, name),
		cfg:   cfg,
		stop:  stop,
		queue: ring.New[func()](64, 0),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = log.L
	}
	a.logger = a.logger.WithField("pipe", a.path)
	return a, nil
}

// Name 返回调用方提供的短名字
func (a *Acceptor) Name() string { return a.name }

// Path 返回平台端点全名
func (a *Acceptor) Path() string { return a.path }

// Listening 报告事件循环是否在运行
func (a *Acceptor) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run != nil && !a.run.exited.Load()
}

// CurrentEndpoint 返回当前等待客户端的端点句柄，没有时为 0。
// 仅用于观测，值在两次接入之间保持不变。
func (a *Acceptor) CurrentEndpoint() uintptr {
	a.mu.Lock()
	r := a.run
	a.mu.Unlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plat == nil {
		return 0
	}
	return r.plat.current()
}

func (a *Acceptor) SetNewConnectionCallback(cb gipc.NewConnectionFunc) {
	a.cbMu.Lock()
	a.onNewConn = cb
	a.cbMu.Unlock()
}

func (a *Acceptor) SetExceptionCallback(cb gipc.ExceptionFunc) {
	a.cbMu.Lock()
	a.onException = cb
	a.cbMu.Unlock()
}

// MoveIOFunctionToAlertableThread 设置 deferred-work 信号触发时在循环线程上执行的回调
func (a *Acceptor) MoveIOFunctionToAlertableThread(cb gipc.WorkFunc) {
	a.cbMu.Lock()
	a.onDeferredJob = cb
	a.cbMu.Unlock()
}

func (a *Acceptor) newConnectionCallback() gipc.NewConnectionFunc {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.onNewConn
}

func (a *Acceptor) exceptionCallback() gipc.ExceptionFunc {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.onException
}

func (a *Acceptor) deferredWorkCallback() gipc.WorkFunc {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.onDeferredJob
}

// Listen 在新线程上启动事件循环后立即返回
func (a *Acceptor) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return gipc.ErrClosed
	}
	if a.run != nil && !a.run.exited.Load() {
		return gipc.ErrAlreadyListening
	}
	r := &run{done: make(chan struct{})}
	a.run = r
	go a.listenInThread(r)
	return nil
}

// Stop 置位停止信号并断开等待中的端点，然后等待循环线程退出。
// 可重复调用；在循环线程内调用时不等待，循环在本次回调返回后退出。
func (a *Acceptor) Stop() {
	a.mu.Lock()
	r := a.run
	a.mu.Unlock()
	if r != nil {
		a.stopRun(r)
	}
}

func (a *Acceptor) stopRun(r *run) {
	if !r.exited.Load() && r.stopping.CompareAndSwap(false, true) {
		if err := a.stop.Signal(); err != nil {
			a.logger.WithError(err).Warn("acceptor: signal stop failed")
		}
		r.disconnect()
	}
	if r.onLoopThread() {
		return
	}
	<-r.done
}

// Close 停止循环并释放构造期资源，之后 Listen 返回 ErrClosed
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	r := a.run
	a.mu.Unlock()

	if r != nil {
		a.stopRun(r)
		if r.onLoopThread() && !r.finished() {
			r.closeOnExit.Store(true)
			return nil
		}
	}
	return a.stop.Close()
}

// Post 把 fn 排入工作队列并置位 deferred-work 信号，fn 将在循环线程上按 FIFO 顺序执行。
// 循环退出时尚未执行的工作被丢弃。
func (a *Acceptor) Post(fn func()) error {
	if fn == nil {
		return gipc.ErrInvalidArgument
	}
	a.qmu.Lock()
	ev := a.work
	if ev == nil {
		a.qmu.Unlock()
		return gipc.ErrNotListening
	}
	_ = a.queue.Push(fn)
	a.qmu.Unlock()
	if err := ev.Signal(); err != nil {
		if errors.Is(err, poller.ErrClosed) {
			return gipc.ErrNotListening
		}
		return err
	}
	return nil
}

func (a *Acceptor) attachWork(ev poller.Event) {
	a.qmu.Lock()
	a.work = ev
	a.qmu.Unlock()
}

func (a *Acceptor) detachWork() {
	a.qmu.Lock()
	a.work = nil
	if n := a.queue.Len(); n > 0 {
		a.queue.Drain(nil)
		a.logger.WithField("dropped", n).Debug("acceptor: discard pending work")
	}
	a.qmu.Unlock()
}

func (a *Acceptor) runWork() {
	a.qmu.Lock()
	jobs := a.queue.Drain(nil)
	a.qmu.Unlock()
	for _, fn := range jobs {
		fn()
	}
	if cb := a.deferredWorkCallback(); cb != nil {
		cb()
	}
}

func (a *Acceptor) listenInThread(r *run) {
	// 不解除绑定：goroutine 结束时线程随之退出
	runtime.LockOSThread()
	r.tid.Store(currentThreadID())

	err := a.serve(r)
	r.exited.Store(true)
	if err != nil {
		a.logger.WithError(err).Error("acceptor: loop exited")
	} else {
		a.logger.Debug("acceptor: loop stopped")
	}
	if cb := a.exceptionCallback(); cb != nil {
		cb(err)
	}
	if r.closeOnExit.Load() {
		_ = a.stop.Close()
	}
	close(r.done)
}

// serve 为事件循环主体；返回的错误即为交给异常回调的值
func (a *Acceptor) serve(r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &gipc.ConnectionError{Op: "callback", Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	connEvent, err := poller.NewEvent()
	if err != nil {
		return gipc.NewConnectionError("CreateEvent (connect event)", err)
	}
	defer guard.Closer(connEvent).Release()

	writeEvent, err := poller.NewEvent()
	if err != nil {
		return gipc.NewConnectionError("CreateEvent (write event)", err)
	}
	defer guard.Closer(writeEvent).Release()

	plat, err := newPlatform(a.path, a.cfg, connEvent, writeEvent, a.stop)
	if err != nil {
		return err
	}
	r.setPlatform(plat)
	defer func() {
		r.setPlatform(nil)
		plat.close()
	}()

	a.attachWork(writeEvent)
	defer a.detachWork()
	if a.onStart != nil {
		a.onStart()
	}

	a.logger.Debug("acceptor: listening")
	pending, err := plat.createConnectInstance()
	if err != nil {
		return err
	}

	for {
		sig, err := plat.wait()
		if err != nil {
			return err
		}
		switch sig {
		case sigConnect:
			if pending {
				still, err := plat.connectResult()
				if err != nil {
					if r.stopping.Load() {
						return nil
					}
					return err
				}
				if still {
					continue
				}
			}
			a.deliver(plat.take(), writeEvent)
			if pending, err = plat.createConnectInstance(); err != nil {
				return err
			}

		case sigWork:
			a.runWork()

		case sigStop:
			if r.stopping.Load() {
				return nil
			}
			// 上一轮循环遗留的停止信号
			a.logger.Debug("acceptor: ignore stale stop signal")

		case sigAlerted:
		}
	}
}

func (a *Acceptor) deliver(ep gipc.Endpoint, done gipc.Signal) {
	g := guard.Closer(ep)
	defer g.Release()
	cb := a.newConnectionCallback()
	if cb == nil {
		a.logger.WithField("handle", ep.Handle()).Debug("acceptor: no connection callback, drop client")
		return
	}
	g.Dismiss()
	cb(ep, done)
}
