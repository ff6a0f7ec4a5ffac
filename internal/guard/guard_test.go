package guard

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestReleaseOnce(t *testing.T) {
	n := 0
	g := New(func() { n++ })
	g.Release()
	g.Release()
	assert.Equal(t, n, 1)
}

func TestDismiss(t *testing.T) {
	n := 0
	func() {
		g := New(func() { n++ })
		defer g.Release()
		g.Dismiss()
	}()
	assert.Equal(t, n, 0)
}

func TestReleaseOnEarlyReturn(t *testing.T) {
	n := 0
	fail := func() error {
		g := New(func() { n++ })
		defer g.Release()
		return errors.New("boom")
	}
	assert.ErrorContains(t, fail(), "boom")
	assert.Equal(t, n, 1)
}

func TestReleaseOnPanic(t *testing.T) {
	n := 0
	func() {
		defer func() { _ = recover() }()
		g := New(func() { n++ })
		defer g.Release()
		panic("unwind")
	}()
	assert.Equal(t, n, 1)
}

func TestNilGuard(t *testing.T) {
	var g *Guard
	g.Release()
	g.Dismiss()
	New(nil).Release()
}

type closer struct{ n int }

func (c *closer) Close() error { c.n++; return nil }

func TestCloser(t *testing.T) {
	c := &closer{}
	g := Closer(c)
	g.Release()
	g.Release()
	assert.Equal(t, c.n, 1)
}

func TestStackReverseOrder(t *testing.T) {
	var order []int
	var s Stack
	s.Push(func() { order = append(order, 1) })
	keep := s.Push(func() { order = append(order, 2) })
	s.Push(func() { order = append(order, 3) })
	keep.Dismiss()
	s.Release()
	s.Release()
	assert.DeepEqual(t, order, []int{3, 1})
}

func TestStackDismiss(t *testing.T) {
	n := 0
	func() {
		var s Stack
		defer s.Release()
		s.Push(func() { n++ })
		s.Push(func() { n++ })
		s.Dismiss()
	}()
	assert.Equal(t, n, 0)
}
