package vm

import (
	"fmt"
	"sync"
)

// FrameID indexes a frame in the pool's frame arena
type FrameID uint32

// NoFrame marks a page that is not resident
const NoFrame FrameID = ^FrameID(0)

// Frame is one page of physical memory from the user pool
type Frame struct {
	id    FrameID
	kva   []byte
	owner *AddressSpace // nil while the frame is free
	page  PageID
}

// ID returns the frame's index in the pool
func (f *Frame) ID() FrameID {
	return f.id
}

// KVA returns the kernel view of the frame's memory
func (f *Frame) KVA() []byte {
	return f.kva
}

// Owner returns the address space whose page occupies the frame
func (f *Frame) Owner() *AddressSpace {
	return f.owner
}

// FramePool manages the user pool of physical frames
type FramePool struct {
	poolSize uint32
	memory   []byte
	frames   []*Frame
	freeList []FrameID
	replacer Replacer

	freeListMutex sync.Mutex
}

// NewFramePool creates a pool of poolSize frames whose claimed frames are
// tracked by replacer
func NewFramePool(poolSize uint32, replacer Replacer) (*FramePool, error) {
	if poolSize == 0 {
		return nil, fmt.Errorf("pool size must be greater than 0")
	}

	fp := &FramePool{
		poolSize: poolSize,
		memory:   make([]byte, int(poolSize)*PageSize),
		frames:   make([]*Frame, poolSize),
		freeList: make([]FrameID, 0, poolSize),
		replacer: replacer,
	}

	for i := uint32(0); i < poolSize; i++ {
		off := int(i) * PageSize
		fp.frames[i] = &Frame{
			id:   FrameID(i),
			kva:  fp.memory[off : off+PageSize : off+PageSize],
			page: NoPage,
		}
		fp.freeList = append(fp.freeList, FrameID(i))
	}

	return fp, nil
}

// GetPoolSize returns the number of frames in the pool
func (fp *FramePool) GetPoolSize() uint32 {
	return fp.poolSize
}

// FreeFrames returns the number of frames on the free list
func (fp *FramePool) FreeFrames() int {
	fp.freeListMutex.Lock()
	defer fp.freeListMutex.Unlock()
	return len(fp.freeList)
}

// Frame returns the frame with the given ID
func (fp *FramePool) Frame(id FrameID) *Frame {
	if uint32(id) >= fp.poolSize {
		return nil
	}
	return fp.frames[id]
}

// Replacer returns the eviction policy tracking claimed frames
func (fp *FramePool) Replacer() Replacer {
	return fp.replacer
}

// allocate takes a zeroed frame from the free list
func (fp *FramePool) allocate() (*Frame, bool) {
	fp.freeListMutex.Lock()
	defer fp.freeListMutex.Unlock()

	if len(fp.freeList) == 0 {
		return nil, false
	}
	id := fp.freeList[0]
	fp.freeList = fp.freeList[1:]
	return fp.frames[id], true
}

// release unlinks a frame from its page, drops it from the frame list and
// returns it zeroed to the free list
func (fp *FramePool) release(f *Frame) {
	fp.replacer.Pin(uint32(f.id))
	f.owner = nil
	f.page = NoPage
	clear(f.kva)

	fp.freeListMutex.Lock()
	fp.freeList = append(fp.freeList, f.id)
	fp.freeListMutex.Unlock()
}
