// Package protocol 定义 framed 模式下一条管道消息内部的布局：
// 帧头 + 负载，负载可 zstd 压缩，批量帧把多条消息压成一个体。
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/legamerdc/gipc"
)

// ErrIncomplete 管道消息在帧中间结束
var ErrIncomplete = errors.New("protocol: incomplete frame")

// Encoder 提供单帧/批量帧编码。
// 注：批量帧总是压缩（Batched => Compressed）。
type Encoder struct {
	threshold int
}

// NewEncoder threshold<=0 时单帧从不压缩
func NewEncoder(threshold int) *Encoder { return &Encoder{threshold: threshold} }

// Encode 返回：头部 + payload（达到阈值且压缩后更短时使用压缩体）
func (e *Encoder) Encode(payload []byte) ([]byte, error) {
	body, compressed := payload, false
	if e.threshold > 0 && len(payload) >= e.threshold {
		zw := getEncoder()
		z := zw.EncodeAll(payload, nil)
		putEncoder(zw)
		if len(z) < len(payload) {
			body, compressed = z, true
		}
	}
	h := Header{Len: len(body)}
	if compressed {
		h.Flags = FlagCompressed
	}
	return frame(h, body)
}

func frame(h Header, body []byte) ([]byte, error) {
	out, err := h.Append(make([]byte, 0, h.Size()+len(body)))
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

// BatchLen 返回 items 的批前镜像长度
func BatchLen(items [][]byte) int {
	var uvBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(uvBuf[:], uint64(len(items)))
	for _, it := range items {
		n += binary.PutUvarint(uvBuf[:], uint64(len(it))) + len(it)
	}
	return n
}

// CheckBatch 检查每条消息不超过 maxPayload，且批前镜像不超过 maxPayload+FrameOverhead
func CheckBatch(items [][]byte, maxPayload int) error {
	for i, it := range items {
		if len(it) > maxPayload {
			return errors.Wrapf(gipc.ErrPayloadTooLarge, "protocol: batch item %d has %d bytes", i, len(it))
		}
	}
	if n := BatchLen(items); n > maxPayload+gipc.FrameOverhead {
		return errors.Wrapf(gipc.ErrPayloadTooLarge, "protocol: batch of %d bytes", n)
	}
	return nil
}

// EncodeBatch 将一批消息编码为批前镜像并压缩，返回单帧（Batched=1，隐含 Compressed=1）。
// 批前镜像：uvarint(条数) 后接每条 uvarint(长度)+负载。
func (e *Encoder) EncodeBatch(items [][]byte) ([]byte, error) {
	var pre bytes.Buffer
	var uvBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(uvBuf[:], uint64(len(items)))
	pre.Write(uvBuf[:n])
	for _, it := range items {
		n = binary.PutUvarint(uvBuf[:], uint64(len(it)))
		pre.Write(uvBuf[:n])
		pre.Write(it)
	}
	zw := getEncoder()
	body := zw.EncodeAll(pre.Bytes(), nil)
	putEncoder(zw)
	return frame(Header{Len: len(body), Flags: FlagBatched}, body)
}

// Parser 按帧解析；对批量帧进行解压并回调每条消息。
// 回调可返回错误终止解析。
type Parser struct {
	max int
}

// NewParser maxPayload<=0 表示不限制
func NewParser(maxPayload int) *Parser { return &Parser{max: maxPayload} }

// Parse 解析一条完整的管道消息，其中可以连续放多个帧。
// 回调收到的切片可能引用 msg，需要保留时自行拷贝。
func (p *Parser) Parse(msg []byte, onMessage func(payload []byte) error) error {
	for i := 0; i < len(msg); {
		h, c, err := ReadHeader(msg[i:])
		if err != nil {
			return errors.Wrap(ErrIncomplete, err.Error())
		}
		i += c
		if len(msg[i:]) < h.Len {
			return ErrIncomplete
		}
		body := msg[i : i+h.Len]
		i += h.Len

		if h.Flags.Compressed() {
			if body, err = p.decompress(body, p.bodyLimit(h.Flags)); err != nil {
				return err
			}
		}
		if !h.Flags.Batched() {
			if err := p.check(len(body)); err != nil {
				return err
			}
			if err := onMessage(body); err != nil {
				return err
			}
			continue
		}
		if err := p.parseBatch(body, onMessage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) parseBatch(pre []byte, onMessage func(payload []byte) error) error {
	r := bytes.NewReader(pre)
	num, err := binary.ReadUvarint(r)
	if err != nil {
		return errors.Wrap(err, "protocol: batch count")
	}
	for j := uint64(0); j < num; j++ {
		ln, err := binary.ReadUvarint(r)
		if err != nil {
			return errors.Wrapf(err, "protocol: batch item %d", j)
		}
		if ln > uint64(r.Len()) {
			return errors.Wrapf(io.ErrUnexpectedEOF, "protocol: batch item %d", j)
		}
		if err := p.check(int(ln)); err != nil {
			return err
		}
		off := len(pre) - r.Len()
		if err := onMessage(pre[off : off+int(ln)]); err != nil {
			return err
		}
		_, _ = r.Seek(int64(ln), io.SeekCurrent)
	}
	if r.Len() != 0 {
		return errors.Errorf("protocol: %d trailing bytes in batch", r.Len())
	}
	return nil
}

// bodyLimit 为解压后帧体的上限：单帧不超过 max，批量帧的批前镜像不超过 max+FrameOverhead
func (p *Parser) bodyLimit(f Flags) int {
	if p.max <= 0 {
		return 0
	}
	if f.Batched() {
		return p.max + gipc.FrameOverhead
	}
	return p.max
}

// decompress 流式解压，输出超过 limit 时立即停止
func (p *Parser) decompress(body []byte, limit int) ([]byte, error) {
	dz := getDecoder()
	defer putDecoder(dz)
	if err := dz.Reset(bytes.NewReader(body)); err != nil {
		return nil, errors.Wrap(err, "protocol: decompress")
	}
	var r io.Reader = dz
	if limit > 0 {
		r = io.LimitReader(dz, int64(limit)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: decompress")
	}
	if limit > 0 && len(out) > limit {
		return nil, errors.Wrapf(gipc.ErrPayloadTooLarge, "protocol: decompressed body exceeds %d", limit)
	}
	return out, nil
}

func (p *Parser) check(n int) error {
	if p.max > 0 && n > p.max {
		return errors.Wrapf(gipc.ErrPayloadTooLarge, "protocol: %d > %d", n, p.max)
	}
	return nil
}
