// Package msgio 读取保留边界的管道消息
package msgio

import (
	"io"

	"github.com/pkg/errors"

	"github.com/legamerdc/gipc"
)

// Reader 每次 Read 取一条完整消息，缓冲多留一个字节用于发现超长消息
type Reader struct {
	r     io.Reader
	buf   []byte
	limit int
}

func NewReader(r io.Reader, limit int) *Reader {
	return &Reader{r: r, buf: make([]byte, limit+1), limit: limit}
}

// Next 返回下一条消息，切片在下次调用前有效。
// 对端关闭或本端关闭时返回 io.EOF。
func (r *Reader) Next() ([]byte, error) {
	n, err := r.r.Read(r.buf)
	switch {
	case err == nil && n == 0:
		// 零长度消息与 EOF 在 seqpacket 上无法区分
		return nil, io.EOF
	case err == nil && n > r.limit, truncated(err):
		return nil, errors.Wrapf(gipc.ErrPayloadTooLarge, "msgio: message exceeds %d bytes", r.limit)
	case err != nil:
		if Closed(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	return r.buf[:n], nil
}
