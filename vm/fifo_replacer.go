package vm

import (
	"container/list"
	"sync"
)

// FIFOReplacer evicts frames strictly in the order they were claimed
type FIFOReplacer struct {
	capacity uint32
	fifoList *list.List
	fifoMap  map[uint32]*list.Element
	mutex    sync.Mutex
}

// NewFIFOReplacer creates a new FIFO replacer
func NewFIFOReplacer(capacity uint32) *FIFOReplacer {
	return &FIFOReplacer{
		capacity: capacity,
		fifoList: list.New(),
		fifoMap:  make(map[uint32]*list.Element, capacity),
	}
}

// Victim removes and returns the oldest frame
func (r *FIFOReplacer) Victim() (uint32, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	oldest := r.fifoList.Front()
	if oldest == nil {
		return 0, false
	}

	frameID := oldest.Value.(uint32)
	r.fifoList.Remove(oldest)
	delete(r.fifoMap, frameID)

	return frameID, true
}

// Pin removes a frame from the replacer
func (r *FIFOReplacer) Pin(frameID uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if elem, exists := r.fifoMap[frameID]; exists {
		r.fifoList.Remove(elem)
		delete(r.fifoMap, frameID)
	}
}

// Unpin appends a frame to the back of the queue. A frame already queued
// keeps its position.
func (r *FIFOReplacer) Unpin(frameID uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.fifoMap[frameID]; exists {
		return
	}
	r.fifoMap[frameID] = r.fifoList.PushBack(frameID)
}

// Size returns the number of evictable frames
func (r *FIFOReplacer) Size() uint32 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return uint32(r.fifoList.Len())
}
