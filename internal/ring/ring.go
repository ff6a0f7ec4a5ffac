package ring

import (
	"errors"
)

var ErrFull = errors.New("ring: queue full")

// Queue 是容量为 2 的幂次的 FIFO 环形队列。
// 并发由调用方控制；limit>0 时超过 limit 个元素写入失败，否则按需扩容。

type Queue[T any] struct {
	buf      []T
	mask     int
	readPos  int
	writePos int
	limit    int
}

// New 返回初始容量为 capacity（向上取整到 2 的幂）的队列
func New[T any](capacity, limit int) *Queue[T] {
	capPow2 := 1
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	return &Queue[T]{buf: make([]T, capPow2), mask: capPow2 - 1, limit: limit}
}

func (q *Queue[T]) Cap() int { return len(q.buf) }

func (q *Queue[T]) Len() int { return q.writePos - q.readPos }

// Push 追加一个元素；达到 limit 时返回 ErrFull
func (q *Queue[T]) Push(v T) error {
	if q.limit > 0 && q.Len() >= q.limit {
		return ErrFull
	}
	if q.Len() == len(q.buf) {
		q.grow()
	}
	q.buf[q.writePos&q.mask] = v
	q.writePos++
	return nil
}

// Pop 取出队首元素
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	i := q.readPos & q.mask
	v := q.buf[i]
	q.buf[i] = zero // 释放引用
	q.readPos++
	return v, true
}

// Drain 依序取出当前全部元素，追加到 dst
func (q *Queue[T]) Drain(dst []T) []T {
	for {
		v, ok := q.Pop()
		if !ok {
			return dst
		}
		dst = append(dst, v)
	}
}

func (q *Queue[T]) grow() {
	n := q.Len()
	buf := make([]T, len(q.buf)<<1)
	for i := 0; i < n; i++ {
		buf[i] = q.buf[(q.readPos+i)&q.mask]
	}
	q.buf = buf
	q.mask = len(buf) - 1
	q.readPos = 0
	q.writePos = n
}
