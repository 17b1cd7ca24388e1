package vm

import (
	"sort"
	"sync"
)

// SupplementalPageTable maps the user pages of one address space to their
// page objects. Pages live in an arena and are referred to by PageID.
type SupplementalPageTable struct {
	pages   map[uintptr]PageID
	arena   []*Page
	freeIDs []PageID
	mutex   sync.RWMutex
}

// NewSupplementalPageTable creates an empty table
func NewSupplementalPageTable() *SupplementalPageTable {
	return &SupplementalPageTable{
		pages: make(map[uintptr]PageID),
	}
}

// Find returns the page containing va, or nil
func (spt *SupplementalPageTable) Find(va uintptr) *Page {
	spt.mutex.RLock()
	defer spt.mutex.RUnlock()

	id, exists := spt.pages[PageRoundDown(va)]
	if !exists {
		return nil
	}
	return spt.arena[id]
}

// Insert adds p keyed by its address and assigns its PageID
func (spt *SupplementalPageTable) Insert(p *Page) error {
	spt.mutex.Lock()
	defer spt.mutex.Unlock()

	if _, exists := spt.pages[p.va]; exists {
		return ErrDuplicatePage("Insert", p.va)
	}

	if n := len(spt.freeIDs); n > 0 {
		p.id = spt.freeIDs[n-1]
		spt.freeIDs = spt.freeIDs[:n-1]
		spt.arena[p.id] = p
	} else {
		p.id = PageID(len(spt.arena))
		spt.arena = append(spt.arena, p)
	}
	spt.pages[p.va] = p.id
	return nil
}

// Len returns the number of pages in the table
func (spt *SupplementalPageTable) Len() int {
	spt.mutex.RLock()
	defer spt.mutex.RUnlock()
	return len(spt.pages)
}

func (spt *SupplementalPageTable) page(id PageID) *Page {
	spt.mutex.RLock()
	defer spt.mutex.RUnlock()

	if int(id) >= len(spt.arena) {
		return nil
	}
	return spt.arena[id]
}

// delete drops p from the table and recycles its ID
func (spt *SupplementalPageTable) delete(p *Page) {
	spt.mutex.Lock()
	defer spt.mutex.Unlock()

	if id, exists := spt.pages[p.va]; !exists || id != p.id {
		return
	}
	delete(spt.pages, p.va)
	spt.arena[p.id] = nil
	spt.freeIDs = append(spt.freeIDs, p.id)
	p.id = NoPage
}

// snapshot returns the pages ordered by address
func (spt *SupplementalPageTable) snapshot() []*Page {
	spt.mutex.RLock()
	pages := make([]*Page, 0, len(spt.pages))
	for _, id := range spt.pages {
		pages = append(pages, spt.arena[id])
	}
	spt.mutex.RUnlock()

	sort.Slice(pages, func(i, j int) bool {
		return pages[i].va < pages[j].va
	})
	return pages
}
