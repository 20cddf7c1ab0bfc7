package prque

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrque_PopOrdersByLowestPriorityFirst(t *testing.T) {
	pq := New(nil)
	pq.Push("low", 3)
	pq.Push("high", 1)
	pq.Push("mid", 2)

	assert.Equal(t, 3, pq.Size())

	v, p := pq.Pop()
	assert.Equal(t, "high", v)
	assert.EqualValues(t, 1, p)

	assert.Equal(t, "mid", pq.PopItem())
	assert.Equal(t, "low", pq.PopItem())
	assert.True(t, pq.Empty())
}

func TestPrque_Peek(t *testing.T) {
	pq := New(nil)
	pq.Push("only", 5)

	v, p := pq.Peek()
	assert.Equal(t, "only", v)
	assert.EqualValues(t, 5, p)
	assert.Equal(t, 1, pq.Size())
}

func TestPrque_PushBeyondOneBlock(t *testing.T) {
	pq := New(nil)
	for i := 0; i < blockSize+10; i++ {
		pq.Push(i, int64(blockSize+10-i))
	}
	assert.Equal(t, blockSize+10, pq.Size())

	last := -1
	for !pq.Empty() {
		_, p := pq.Pop()
		if last >= 0 {
			assert.LessOrEqual(t, last, int(p))
		}
		last = int(p)
	}
}

func TestPrque_Reset(t *testing.T) {
	pq := New(nil)
	pq.Push("a", 1)
	pq.Reset()
	assert.True(t, pq.Empty())
	assert.Equal(t, 0, pq.Size())
}
