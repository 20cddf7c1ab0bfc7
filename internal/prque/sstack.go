package prque

// SetIndexCallback is called whenever an item's position in the backing
// store changes, so a caller can keep an external index up to date (or
// learn that the value left the queue entirely, reported as index -1).
type SetIndexCallback func(data interface{}, index int)

type item struct {
	value    interface{}
	priority int64
}

const blockSize = 4096

// sstack is a priority-ordered stack of blocks of items, implementing
// container/heap.Interface. Pages are allocated in blockSize chunks so that
// pushing onto a long queue does not repeatedly reallocate one giant slice.
type sstack struct {
	setIndex SetIndexCallback
	size     int
	capacity int
	offset   int

	blocks [][]*item
	active []*item
}

func newSstack(setIndex SetIndexCallback) *sstack {
	result := new(sstack)
	result.setIndex = setIndex
	result.active = make([]*item, blockSize)
	result.blocks = [][]*item{result.active}
	result.capacity = blockSize
	return result
}

func (s *sstack) Push(data interface{}) {
	if s.size == s.capacity {
		s.active = make([]*item, blockSize)
		s.blocks = append(s.blocks, s.active)
		s.capacity += blockSize
		s.offset = 0
	} else if s.offset == blockSize {
		s.active = s.blocks[s.size/blockSize]
		s.offset = 0
	}
	s.active[s.offset] = data.(*item)
	if s.setIndex != nil {
		s.setIndex(s.active[s.offset].value, s.size)
	}
	s.offset++
	s.size++
}

func (s *sstack) Pop() (res interface{}) {
	s.size--
	s.offset--
	if s.offset < 0 {
		s.offset = blockSize - 1
		s.active = s.blocks[s.size/blockSize]
	}
	res, s.active[s.offset] = s.active[s.offset], nil
	if s.setIndex != nil {
		s.setIndex(res.(*item).value, -1)
	}
	if s.size == s.capacity-blockSize && s.size != 0 {
		s.blocks = s.blocks[:len(s.blocks)-1]
		s.capacity -= blockSize
	}
	return
}

func (s *sstack) Len() int {
	return s.size
}

func (s *sstack) Less(i, j int) bool {
	return s.blocks[i/blockSize][i%blockSize].priority < s.blocks[j/blockSize][j%blockSize].priority
}

func (s *sstack) Swap(i, j int) {
	ib, io, jb, jo := i/blockSize, i%blockSize, j/blockSize, j%blockSize
	s.blocks[ib][io], s.blocks[jb][jo] = s.blocks[jb][jo], s.blocks[ib][io]
	if s.setIndex != nil {
		s.setIndex(s.blocks[ib][io].value, i)
		s.setIndex(s.blocks[jb][jo].value, j)
	}
}
