package protocol

import (
	"encoding/binary"
	"errors"
)

// 帧头为大端的 2 或 4 字节：最高两位为 Compressed/Batched，第三位选择头长度，
// 其余位为体长度。短头 13 位长度，长头 29 位长度。
const (
	bitCompressed = 1 << 2
	bitBatched    = 1 << 1
	bitLong       = 1 << 0

	shortLenBits = 13
	longLenBits  = 29

	shortHeadMaxLen = 1<<shortLenBits - 1 // 8191
	longHeadMaxLen  = 1<<longLenBits - 1
)

var (
	errHeaderTooShort   = errors.New("protocol: header too short")
	errLengthOutOfRange = errors.New("protocol: length out of range")
)

// Flags 为帧头的标志位
type Flags uint8

const (
	FlagCompressed Flags = bitCompressed
	FlagBatched    Flags = bitBatched
)

func (f Flags) Compressed() bool { return f&FlagCompressed != 0 }
func (f Flags) Batched() bool    { return f&FlagBatched != 0 }

// Header 描述一个帧：体长度与标志
type Header struct {
	Len   int
	Flags Flags
}

// Size 返回编码后的头长度
func (h Header) Size() int {
	if h.Len > shortHeadMaxLen {
		return 4
	}
	return 2
}

// Append 把头编码追加到 dst；批量帧总是带压缩位
func (h Header) Append(dst []byte) ([]byte, error) {
	if h.Len < 0 || h.Len > longHeadMaxLen {
		return dst, errLengthOutOfRange
	}
	f := h.Flags &^ bitLong
	if f.Batched() {
		f |= FlagCompressed
	}
	if h.Size() == 2 {
		v := uint16(f)<<shortLenBits | uint16(h.Len)
		return binary.BigEndian.AppendUint16(dst, v), nil
	}
	v := uint32(f|bitLong)<<longLenBits | uint32(h.Len)
	return binary.BigEndian.AppendUint32(dst, v), nil
}

// ReadHeader 从 b 的开头解出帧头，返回头本身占用的字节数
func ReadHeader(b []byte) (Header, int, error) {
	if len(b) < 2 {
		return Header{}, 0, errHeaderTooShort
	}
	top := Flags(b[0] >> 5)
	if top&bitLong == 0 {
		v := binary.BigEndian.Uint16(b)
		return Header{Len: int(v & shortHeadMaxLen), Flags: top}, 2, nil
	}
	if len(b) < 4 {
		return Header{}, 0, errHeaderTooShort
	}
	v := binary.BigEndian.Uint32(b)
	return Header{Len: int(v & longHeadMaxLen), Flags: top &^ bitLong}, 4, nil
}
