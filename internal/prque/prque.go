// Package prque implements a priority queue backed by container/heap, in the
// same spirit as the teacher's lazyqueue.go but without the lazy re-priority
// machinery the fetch engine does not need.
package prque

import "container/heap"

// Prque is a priority queue where lower priority values pop first.
type Prque struct {
	cont *sstack
}

// New creates a new priority queue.
func New(setIndex SetIndexCallback) *Prque {
	return &Prque{newSstack(setIndex)}
}

// Push adds an item with the given priority.
func (p *Prque) Push(data interface{}, priority int64) {
	heap.Push(p.cont, &item{data, priority})
}

// Peek returns the value with the highest priority without popping it.
func (p *Prque) Peek() (interface{}, int64) {
	it := p.cont.blocks[0][0]
	return it.value, it.priority
}

// Pop removes and returns the value with the highest priority, plus its
// priority.
func (p *Prque) Pop() (interface{}, int64) {
	it := heap.Pop(p.cont).(*item)
	return it.value, it.priority
}

// PopItem pops the same way as Pop but discards the priority.
func (p *Prque) PopItem() interface{} {
	return heap.Pop(p.cont).(*item).value
}

// Remove deletes the item at index i.
func (p *Prque) Remove(i int) interface{} {
	return heap.Remove(p.cont, i)
}

// Empty checks whether the queue has no items.
func (p *Prque) Empty() bool {
	return p.cont.Len() == 0
}

// Size returns the number of items in the queue.
func (p *Prque) Size() int {
	return p.cont.Len()
}

// Reset clears the contents of the queue.
func (p *Prque) Reset() {
	*p = *New(p.cont.setIndex)
}
