package vm

import (
	"sync"
)

// PTEFlag is a bit in a simulated hardware page table entry
type PTEFlag uint8

const (
	// FlagPresent is set when the page is mapped to a frame
	FlagPresent PTEFlag = 1 << iota
	// FlagWritable is set if the page can be written to
	FlagWritable
	// FlagUser is set if user mode may access the page
	FlagUser
	// FlagAccessed is set by the CPU when the page is read or written
	FlagAccessed
	// FlagDirty is set by the CPU when the page is written
	FlagDirty
)

type pageTableEntry struct {
	frame FrameID
	flags PTEFlag
}

// PageDir simulates the hardware translation table of one address space.
// Entries are sharded by virtual page number so the eviction scanner can
// probe accessed bits without contending with the owning process.
type PageDir struct {
	shards    []*pageDirShard
	numShards uint32
}

type pageDirShard struct {
	mu      sync.RWMutex
	entries map[uintptr]*pageTableEntry
}

// NewPageDir creates an empty page directory
func NewPageDir(numShards uint32) *PageDir {
	if numShards == 0 {
		numShards = 16
	}

	shards := make([]*pageDirShard, numShards)
	for i := uint32(0); i < numShards; i++ {
		shards[i] = &pageDirShard{
			entries: make(map[uintptr]*pageTableEntry),
		}
	}

	return &PageDir{
		shards:    shards,
		numShards: numShards,
	}
}

func (pd *PageDir) getShard(vpn uintptr) *pageDirShard {
	return pd.shards[vpn%uintptr(pd.numShards)]
}

// SetPage maps user page upage to frame. It fails if upage is not a
// page-aligned user address or is already mapped.
func (pd *PageDir) SetPage(upage uintptr, frame FrameID, writable bool) bool {
	if PageOffset(upage) != 0 || !IsUserVaddr(upage) {
		return false
	}

	vpn := upage >> PageShift
	shard := pd.getShard(vpn)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.entries[vpn]; exists {
		return false
	}

	flags := FlagPresent | FlagUser
	if writable {
		flags |= FlagWritable
	}
	shard.entries[vpn] = &pageTableEntry{frame: frame, flags: flags}
	return true
}

// GetPage returns the frame that va is mapped to
func (pd *PageDir) GetPage(va uintptr) (FrameID, bool) {
	vpn := va >> PageShift
	shard := pd.getShard(vpn)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	pte, exists := shard.entries[vpn]
	if !exists {
		return NoFrame, false
	}
	return pte.frame, true
}

// translate performs the MMU side of a memory access: if va is present and
// the access is permitted it sets the accessed bit (and the dirty bit on a
// write) and returns the frame. present reports whether a mapping exists.
func (pd *PageDir) translate(va uintptr, write bool) (frame FrameID, present bool, ok bool) {
	vpn := va >> PageShift
	shard := pd.getShard(vpn)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	pte, exists := shard.entries[vpn]
	if !exists {
		return NoFrame, false, false
	}
	if write && pte.flags&FlagWritable == 0 {
		return pte.frame, true, false
	}
	pte.flags |= FlagAccessed
	if write {
		pte.flags |= FlagDirty
	}
	return pte.frame, true, true
}

// ClearPage marks the page containing va not present
func (pd *PageDir) ClearPage(va uintptr) {
	vpn := va >> PageShift
	shard := pd.getShard(vpn)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.entries, vpn)
}

func (pd *PageDir) testFlag(va uintptr, flag PTEFlag) bool {
	vpn := va >> PageShift
	shard := pd.getShard(vpn)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	pte, exists := shard.entries[vpn]
	return exists && pte.flags&flag != 0
}

func (pd *PageDir) setFlag(va uintptr, flag PTEFlag, on bool) {
	vpn := va >> PageShift
	shard := pd.getShard(vpn)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	pte, exists := shard.entries[vpn]
	if !exists {
		return
	}
	if on {
		pte.flags |= flag
	} else {
		pte.flags &^= flag
	}
}

// IsWritable reports whether the mapping for va permits writes
func (pd *PageDir) IsWritable(va uintptr) bool {
	return pd.testFlag(va, FlagWritable)
}

// IsAccessed reports whether va was accessed since the bit was last cleared
func (pd *PageDir) IsAccessed(va uintptr) bool {
	return pd.testFlag(va, FlagAccessed)
}

// SetAccessed sets or clears the accessed bit of va
func (pd *PageDir) SetAccessed(va uintptr, accessed bool) {
	pd.setFlag(va, FlagAccessed, accessed)
}

// IsDirty reports whether va was written since the bit was last cleared
func (pd *PageDir) IsDirty(va uintptr) bool {
	return pd.testFlag(va, FlagDirty)
}

// SetDirty sets or clears the dirty bit of va
func (pd *PageDir) SetDirty(va uintptr, dirty bool) {
	pd.setFlag(va, FlagDirty, dirty)
}

// Size returns the number of present mappings
func (pd *PageDir) Size() int {
	total := 0
	for _, shard := range pd.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

// ForEach calls fn for each present mapping until fn returns false.
// fn runs under the shard lock and must not call back into the PageDir.
func (pd *PageDir) ForEach(fn func(upage uintptr, frame FrameID) bool) {
	for _, shard := range pd.shards {
		shard.mu.RLock()
		for vpn, pte := range shard.entries {
			if !fn(vpn<<PageShift, pte.frame) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}
