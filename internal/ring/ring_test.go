package ring

import (
	"testing"

	"gotest.tools/v3/assert"
	"pgregory.net/rapid"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int](2, 0)
	for i := 0; i < 5; i++ {
		assert.NilError(t, q.Push(i))
	}
	assert.Equal(t, q.Len(), 5)
	assert.Equal(t, q.Cap(), 8)
	assert.DeepEqual(t, q.Drain(nil), []int{0, 1, 2, 3, 4})
	_, ok := q.Pop()
	assert.Assert(t, !ok)
}

func TestQueueLimit(t *testing.T) {
	q := New[string](4, 2)
	assert.NilError(t, q.Push("a"))
	assert.NilError(t, q.Push("b"))
	assert.ErrorIs(t, q.Push("c"), ErrFull)
	v, _ := q.Pop()
	assert.Equal(t, v, "a")
	assert.NilError(t, q.Push("c"))
}

func TestQueueMatchesSlice(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := New[int](rapid.IntRange(1, 8).Draw(t, "cap"), 0)
		var model []int
		ops := rapid.SliceOf(rapid.IntRange(-1, 100)).Draw(t, "ops")
		for _, op := range ops {
			if op < 0 {
				v, ok := q.Pop()
				if len(model) == 0 {
					if ok {
						t.Fatalf("pop from empty queue returned %d", v)
					}
					continue
				}
				if !ok || v != model[0] {
					t.Fatalf("pop = %d,%v want %d", v, ok, model[0])
				}
				model = model[1:]
				continue
			}
			if err := q.Push(op); err != nil {
				t.Fatal(err)
			}
			model = append(model, op)
		}
		if q.Len() != len(model) {
			t.Fatalf("len = %d want %d", q.Len(), len(model))
		}
	})
}
