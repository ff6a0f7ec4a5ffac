package server

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/internal/msgio"
	"github.com/legamerdc/gipc/protocol"
)

// connection 为一个已接入客户端的运行时：
// 读 goroutine 逐条读取消息并投递到接入线程，写 goroutine 消费 outbox。
// 两者都退出后 finish 在接入线程上执行一次。
type connection struct {
	srv    *Server
	ep     gipc.Endpoint
	rw     io.ReadWriteCloser
	api    Conn
	cfg    gipc.Config
	enc    *protocol.Encoder
	prs    *protocol.Parser
	out    *outbox
	logger *log.Entry

	wg        sync.WaitGroup
	connected atomic.Bool
	closeOnce sync.Once
	doneOnce  sync.Once

	mu        sync.Mutex
	reason    error
	reasonSet bool
}

func newConnection(s *Server, id uint64, ep gipc.Endpoint) (*connection, error) {
	rw, err := ep.Open()
	if err != nil {
		_ = ep.Close()
		return nil, errors.Wrap(err, "server: open endpoint")
	}
	c := &connection{
		srv:    s,
		ep:     ep,
		rw:     rw,
		cfg:    s.cfg,
		enc:    protocol.NewEncoder(s.cfg.CompressThreshold),
		prs:    protocol.NewParser(s.cfg.MaxPayload),
		out:    newOutbox(s.cfg.WriteQueueSize),
		logger: s.logger.WithFields(log.Fields{"conn": id, "handle": ep.Handle()}),
	}
	c.api = Conn{ID: id, runtime: c}
	return c, nil
}

// start 在接入线程上调用
func (c *connection) start() {
	c.connected.Store(true)
	c.srv.metrics.active.Inc()
	c.logger.Debug("server: connection open")
	if cb := c.srv.connectionCallback(); cb != nil {
		cb(&c.api, nil)
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		c.srv.retire(c)
	}()
}

func (c *connection) readLoop() {
	defer c.wg.Done()
	r := msgio.NewReader(c.rw, c.cfg.ReadLimit())
	for {
		msg, err := r.Next()
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			c.fail(err)
			return
		}
		c.srv.metrics.bytesIn.Add(float64(len(msg)))
		msg = append([]byte(nil), msg...)
		if err := c.srv.acc.Post(func() { c.dispatch(msg) }); err != nil {
			c.fail(nil)
			return
		}
	}
}

// dispatch 在接入线程上把一条管道消息交给消息回调
func (c *connection) dispatch(msg []byte) {
	if !c.connected.Load() {
		return
	}
	cb := c.srv.messageCallback()
	deliver := func(payload []byte) error {
		c.srv.metrics.msgIn.Inc()
		if cb != nil {
			cb(&c.api, payload)
		}
		return nil
	}
	if c.cfg.Framing != gipc.FramingFramed {
		_ = deliver(msg)
		return
	}
	if err := c.prs.Parse(msg, deliver); err != nil {
		c.logger.WithError(err).Warn("server: drop malformed message")
		c.fail(err)
	}
}

func (c *connection) writeLoop() {
	defer c.wg.Done()
	batcher := &txBatcher{enc: c.enc, maxBytes: c.cfg.MaxPayload}
	emit := func(frame []byte) error {
		if _, err := c.rw.Write(frame); err != nil {
			return err
		}
		c.srv.metrics.msgOut.Inc()
		c.srv.metrics.bytesOut.Add(float64(len(frame)))
		return nil
	}
	var items []txMsg
	for {
		var closed bool
		items, closed = c.out.next(items[:0])
		if len(items) == 0 && closed {
			c.closeRW()
			return
		}
		var err error
		if c.cfg.Framing == gipc.FramingFramed {
			err = batcher.encode(items, emit)
		} else {
			for _, it := range items {
				if err = emit(it.data); err != nil {
					break
				}
			}
		}
		clear(items)
		if err != nil {
			if msgio.Closed(err) {
				err = nil
			}
			c.fail(err)
			return
		}
	}
}

func (c *connection) send(m txMsg) error {
	if !c.connected.Load() {
		return gipc.ErrClosed
	}
	return c.out.add(m)
}

// shutdown 发完已排队的消息后关闭
func (c *connection) shutdown() {
	c.out.close(false)
}

// fail 记录第一个断开原因（包括 nil）并立即关闭
func (c *connection) fail(err error) {
	c.mu.Lock()
	if !c.reasonSet {
		c.reason, c.reasonSet = err, true
	}
	c.mu.Unlock()
	c.out.close(true)
	c.closeRW()
}

func (c *connection) closeRW() {
	c.closeOnce.Do(func() {
		if err := c.rw.Close(); err != nil {
			c.logger.WithError(err).Debug("server: close endpoint")
		}
	})
}

// finish 只执行一次：移出活跃集合并发送断开通知
func (c *connection) finish() {
	c.doneOnce.Do(func() {
		c.connected.Store(false)
		c.srv.remove(c)
		c.srv.metrics.active.Dec()

		c.mu.Lock()
		reason := c.reason
		c.mu.Unlock()
		c.logger.WithError(reason).Debug("server: connection closed")
		if cb := c.srv.connectionCallback(); cb != nil {
			cb(&c.api, reason)
		}
	})
}
