package server

import (
	"github.com/pkg/errors"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/protocol"
)

// Conn 为交给回调的连接句柄，可在任意 goroutine 上调用 Send/Close
type Conn struct {
	ID uint64

	// 运行时注入
	runtime *connection
	data    any
}

// Handle 返回底层端点句柄
func (c *Conn) Handle() uintptr { return c.runtime.ep.Handle() }

func (c *Conn) Connected() bool { return c.runtime.connected.Load() }

// Context 返回 SetContext 保存的用户数据，只应在接入线程上访问
func (c *Conn) Context() any { return c.data }

func (c *Conn) SetContext(v any) { c.data = v }

// Send 排队一条消息。raw 模式下一次 Send 即一条管道消息；
// framed 模式下写 goroutine 可能把相邻消息合并为一个批量帧，对端仍逐条收到。
func (c *Conn) Send(msg []byte) error {
	if len(msg) > c.runtime.cfg.MaxPayload {
		return errors.Wrapf(gipc.ErrPayloadTooLarge, "server: %d bytes", len(msg))
	}
	return c.runtime.send(txMsg{data: append([]byte(nil), msg...)})
}

// SendBatch 在 framed 模式下把 msgs 编码为一个批量帧；raw 模式下逐条发送
func (c *Conn) SendBatch(msgs [][]byte) error {
	if c.runtime.cfg.Framing != gipc.FramingFramed {
		for _, m := range msgs {
			if err := c.Send(m); err != nil {
				return err
			}
		}
		return nil
	}
	if err := protocol.CheckBatch(msgs, c.runtime.cfg.MaxPayload); err != nil {
		return err
	}
	frame, err := c.runtime.enc.EncodeBatch(msgs)
	if err != nil {
		return err
	}
	if len(frame) > c.runtime.cfg.ReadLimit() {
		return errors.Wrapf(gipc.ErrPayloadTooLarge, "server: batch frame %d bytes", len(frame))
	}
	return c.runtime.send(txMsg{data: frame, encoded: true})
}

// Close 发完已排队的消息后断开，断开通知稍后在接入线程上送达
func (c *Conn) Close() error {
	c.runtime.shutdown()
	return nil
}
