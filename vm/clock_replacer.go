package vm

import (
	"container/list"
	"sync"
)

// ClockReplacer implements second-chance replacement over the frame list.
//
// Frames are scanned in claim order. A frame whose page was referenced since
// the last scan has its accessed bit cleared and moves to the back of the
// list; the first unreferenced frame is the victim. Because every skip clears
// a bit, one full pass leaves every frame unreferenced and the scan always
// terminates when the list is non-empty.
type ClockReplacer struct {
	capacity   uint32
	frames     *list.List
	frameMap   map[uint32]*list.Element
	referenced ReferenceFunc
	mutex      sync.Mutex
}

// NewClockReplacer creates a second-chance replacer. A nil referenced func
// treats every frame as unreferenced, which degrades to FIFO.
func NewClockReplacer(capacity uint32, referenced ReferenceFunc) *ClockReplacer {
	if referenced == nil {
		referenced = func(uint32) bool { return false }
	}
	return &ClockReplacer{
		capacity:   capacity,
		frames:     list.New(),
		frameMap:   make(map[uint32]*list.Element, capacity),
		referenced: referenced,
	}
}

// Victim selects the first unreferenced frame in claim order
func (c *ClockReplacer) Victim() (uint32, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	n := c.frames.Len()
	if n == 0 {
		return 0, false
	}

	// Two passes suffice: the first clears every accessed bit
	for i := 0; i < 2*n; i++ {
		front := c.frames.Front()
		frameID := front.Value.(uint32)
		if c.referenced(frameID) {
			c.frames.MoveToBack(front)
			continue
		}
		c.frames.Remove(front)
		delete(c.frameMap, frameID)
		return frameID, true
	}

	// Pages were re-referenced concurrently with the scan; take the oldest
	front := c.frames.Front()
	frameID := front.Value.(uint32)
	c.frames.Remove(front)
	delete(c.frameMap, frameID)
	return frameID, true
}

// Pin removes a frame from the scan list
func (c *ClockReplacer) Pin(frameID uint32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, exists := c.frameMap[frameID]; exists {
		c.frames.Remove(elem)
		delete(c.frameMap, frameID)
	}
}

// Unpin appends a frame to the scan list
func (c *ClockReplacer) Unpin(frameID uint32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.frameMap[frameID]; exists {
		return
	}
	c.frameMap[frameID] = c.frames.PushBack(frameID)
}

// Size returns the number of evictable frames
func (c *ClockReplacer) Size() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return uint32(c.frames.Len())
}
