package gipc

// NewConnectionFunc 在 acceptor 线程上为每个新客户端调用一次
// ep 的所有权转交给回调；done 为 acceptor 的 deferred-work 信号，
// 连接需要在 acceptor 线程上运行完成例程时置位它
type NewConnectionFunc func(ep Endpoint, done Signal)

// ExceptionFunc 在每次事件循环退出时恰好调用一次，正常停止时 err 为 nil
type ExceptionFunc func(err error)

// WorkFunc 在 deferred-work 信号触发时于 acceptor 线程上调用
type WorkFunc func()
