package server

import (
	"sync"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/internal/ring"
	"github.com/legamerdc/gipc/protocol"
)

// 单个批量帧最多合并的消息条数
const txBatchMaxItems = 16

type txMsg struct {
	data    []byte
	encoded bool // 已是完整的帧
}

// outbox 为每连接的发送队列，写 goroutine 独占消费端
type outbox struct {
	mu     sync.Mutex
	q      *ring.Queue[txMsg]
	closed bool
	wake   chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{q: ring.New[txMsg](16, limit), wake: make(chan struct{}, 1)}
}

func (o *outbox) add(m txMsg) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return gipc.ErrClosed
	}
	if err := o.q.Push(m); err != nil {
		o.mu.Unlock()
		return gipc.ErrQueueFull
	}
	o.mu.Unlock()
	o.notify()
	return nil
}

func (o *outbox) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// next 阻塞到有待发消息或队列关闭
func (o *outbox) next(dst []txMsg) ([]txMsg, bool) {
	for {
		o.mu.Lock()
		dst = o.q.Drain(dst)
		closed := o.closed
		o.mu.Unlock()
		if len(dst) > 0 || closed {
			return dst, closed
		}
		<-o.wake
	}
}

// close 拒绝后续消息；drop 为真时丢弃尚未发送的部分
func (o *outbox) close(drop bool) {
	o.mu.Lock()
	o.closed = true
	if drop {
		o.q.Drain(nil)
	}
	o.mu.Unlock()
	o.notify()
}

// txBatcher 把连续的未编码消息合并为批量帧
type txBatcher struct {
	enc      *protocol.Encoder
	maxBytes int
	group    [][]byte
	bytes    int
}

func (b *txBatcher) encode(items []txMsg, emit func(frame []byte) error) error {
	for _, it := range items {
		if it.encoded {
			if err := b.flush(emit); err != nil {
				return err
			}
			if err := emit(it.data); err != nil {
				return err
			}
			continue
		}
		if len(b.group) >= txBatchMaxItems || b.bytes+len(it.data) > b.maxBytes {
			if err := b.flush(emit); err != nil {
				return err
			}
		}
		b.group = append(b.group, it.data)
		b.bytes += len(it.data) + 1
	}
	return b.flush(emit)
}

func (b *txBatcher) flush(emit func(frame []byte) error) error {
	var (
		frame []byte
		err   error
	)
	switch len(b.group) {
	case 0:
		return nil
	case 1:
		frame, err = b.enc.Encode(b.group[0])
	default:
		frame, err = b.enc.EncodeBatch(b.group)
	}
	clear(b.group)
	b.group = b.group[:0]
	b.bytes = 0
	if err != nil {
		return err
	}
	return emit(frame)
}
