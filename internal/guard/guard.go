// Package guard 提供作用域资源守卫：除非被 Dismiss，否则在作用域退出时执行释放动作。
package guard

import (
	"io"
	"sync"
)

// Guard 包装一次性的释放动作
// 典型用法：
//
//	h, err := create()
//	if err != nil { return err }
//	g := guard.New(func() { release(h) })
//	defer g.Release()
//	...
//	g.Dismiss() // 所有权已转交
type Guard struct {
	once    sync.Once
	release func()
}

// New 返回持有 release 的守卫；release 为 nil 时守卫为空操作
func New(release func()) *Guard {
	return &Guard{release: release}
}

// Closer 为 io.Closer 构造守卫，忽略关闭错误
func Closer(c io.Closer) *Guard {
	return New(func() { _ = c.Close() })
}

// Release 执行释放动作，多次调用只生效一次
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// Dismiss 放弃释放，用于所有权已转交的场景
// 与 Release 共享同一个 once，Dismiss 之后 Release 不再执行
func (g *Guard) Dismiss() {
	if g == nil {
		return
	}
	g.once.Do(func() {})
}

// Stack 按逆序释放多个资源，对应多段 defer
type Stack struct {
	guards []*Guard
}

// Push 追加一个释放动作并返回其守卫，便于单独 Dismiss
func (s *Stack) Push(release func()) *Guard {
	g := New(release)
	s.guards = append(s.guards, g)
	return g
}

// Dismiss 解除全部守卫，资源所有权已整体转交
func (s *Stack) Dismiss() {
	for _, g := range s.guards {
		g.Dismiss()
	}
	s.guards = nil
}

// Release 逆序释放尚未释放或解除的守卫
func (s *Stack) Release() {
	for i := len(s.guards) - 1; i >= 0; i-- {
		s.guards[i].Release()
	}
	s.guards = nil
}
