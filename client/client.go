// Package client 连接到命名通道并按消息收发
package client

import (
	"context"
	"io"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/internal/msgio"
	"github.com/legamerdc/gipc/protocol"
)

// Handler 的回调都在客户端自己的读 goroutine 上执行，OnOpen 先于任何 OnMessage
type Handler interface {
	OnOpen(c *Client)
	OnMessage(c *Client, msg []byte)
	OnClose(c *Client, err error)
}

type Client struct {
	rw     io.ReadWriteCloser
	cfg    gipc.Config
	enc    *protocol.Encoder
	prs    *protocol.Parser
	logger *log.Entry

	mu   sync.Mutex
	done chan struct{}
}

// Dial 连接到 name 对应的端点；ctx 没有截止时间时使用 cfg.ClientTimeout
func Dial(ctx context.Context, name string, cfg gipc.Config, h Handler) (*Client, error) {
	if h == nil || name == "" {
		return nil, gipc.ErrInvalidArgument
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path := gipc.PipePath(cfg.Namespace, name)
	dctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, cfg.ClientTimeout)
		defer cancel()
	}
	rw, err := dial(dctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "client: dial %s", path)
	}
	c := &Client{
		rw:     rw,
		cfg:    cfg,
		enc:    protocol.NewEncoder(cfg.CompressThreshold),
		prs:    protocol.NewParser(cfg.MaxPayload),
		logger: log.G(ctx).WithField("pipe", path),
		done:   make(chan struct{}),
	}
	go c.readLoop(h)
	return c, nil
}

func (c *Client) readLoop(h Handler) {
	defer close(c.done)
	h.OnOpen(c)
	r := msgio.NewReader(c.rw, c.cfg.ReadLimit())
	for {
		msg, err := r.Next()
		if err == nil && c.cfg.Framing == gipc.FramingFramed {
			err = c.prs.Parse(msg, func(payload []byte) error {
				h.OnMessage(c, payload)
				return nil
			})
		} else if err == nil {
			h.OnMessage(c, msg)
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			} else {
				c.logger.WithError(err).Debug("client: read failed")
			}
			_ = c.rw.Close()
			h.OnClose(c, err)
			return
		}
	}
}

// Send 写出一条消息，framed 模式下按阈值压缩
func (c *Client) Send(msg []byte) error {
	if len(msg) > c.cfg.MaxPayload {
		return errors.Wrapf(gipc.ErrPayloadTooLarge, "client: %d bytes", len(msg))
	}
	frame := msg
	if c.cfg.Framing == gipc.FramingFramed {
		var err error
		if frame, err = c.enc.Encode(msg); err != nil {
			return err
		}
	}
	return c.write(frame)
}

// SendBatch 在 framed 模式下写出一个批量帧；raw 模式下逐条写出
func (c *Client) SendBatch(msgs [][]byte) error {
	if c.cfg.Framing != gipc.FramingFramed {
		for _, m := range msgs {
			if err := c.Send(m); err != nil {
				return err
			}
		}
		return nil
	}
	if err := protocol.CheckBatch(msgs, c.cfg.MaxPayload); err != nil {
		return err
	}
	frame, err := c.enc.EncodeBatch(msgs)
	if err != nil {
		return err
	}
	if len(frame) > c.cfg.ReadLimit() {
		return errors.Wrapf(gipc.ErrPayloadTooLarge, "client: batch frame %d bytes", len(frame))
	}
	return c.write(frame)
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return gipc.ErrClosed
	default:
	}
	_, err := c.rw.Write(frame)
	return err
}

// Done 在读 goroutine 结束、OnClose 返回后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Close 断开连接，随后 OnClose 以 nil 调用
func (c *Client) Close() error {
	err := c.rw.Close()
	if msgio.Closed(err) {
		return nil
	}
	return err
}
