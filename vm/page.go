package vm

import (
	"fmt"
)

// VMType is the backing kind of a page, optionally OR-ed with markers
type VMType uint8

const (
	// VMUninit is a page that has not been faulted in yet
	VMUninit VMType = 0
	// VMAnon is a page with no file backing; it is evicted to swap
	VMAnon VMType = 1
	// VMFile is a page backed by a region of a file
	VMFile VMType = 2

	// VMMarkerStack marks the pages of the user stack
	VMMarkerStack VMType = 1 << 3

	vmTypeMask VMType = 0x7
)

// Base strips markers from t
func (t VMType) Base() VMType {
	return t & vmTypeMask
}

func (t VMType) String() string {
	switch t.Base() {
	case VMUninit:
		return "uninit"
	case VMAnon:
		return "anon"
	case VMFile:
		return "file"
	default:
		return fmt.Sprintf("vmtype(%d)", uint8(t))
	}
}

// PageID indexes a page in its supplemental page table's arena
type PageID uint32

// NoPage marks a frame that holds no page
const NoPage PageID = ^PageID(0)

// LazyLoad describes the file region a page is filled from on first fault
type LazyLoad struct {
	File      File
	Offset    int64
	ReadBytes int
	ZeroBytes int
}

func (l *LazyLoad) clone() *LazyLoad {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// Initializer fills a freshly claimed frame the first time its page is
// faulted in
type Initializer func(kva []byte, aux *LazyLoad) error

type uninitPage struct {
	target VMType
	init   Initializer
	aux    *LazyLoad
}

type anonPage struct {
	slot int
}

type filePage struct {
	file      File
	offset    int64
	readBytes int
	zeroBytes int
}

// mmapRun is the state shared by every page of one mapping
type mmapRun struct {
	base  uintptr
	pages int
	file  File
	live  int // pages of the run still in the SPT
}

// Page is one virtual page of an address space. Exactly one of uninit,
// anon and file is meaningful, selected by kind.
type Page struct {
	id       PageID
	va       uintptr
	writable bool
	frame    FrameID
	kind     VMType
	markers  VMType
	run      *mmapRun

	uninit uninitPage
	anon   anonPage
	file   filePage
}

func newPage(va uintptr, writable bool) *Page {
	return &Page{
		id:       NoPage,
		va:       va,
		writable: writable,
		frame:    NoFrame,
	}
}

// VA returns the page-aligned user address of the page
func (p *Page) VA() uintptr {
	return p.va
}

// Writable reports whether user writes are permitted
func (p *Page) Writable() bool {
	return p.writable
}

// Kind returns the current variant, VMUninit until the first fault
func (p *Page) Kind() VMType {
	return p.kind
}

// Type returns the variant the page has or will have after its first fault
func (p *Page) Type() VMType {
	if p.kind == VMUninit {
		return p.uninit.target.Base()
	}
	return p.kind
}

// IsStack reports whether the page belongs to the user stack
func (p *Page) IsStack() bool {
	return p.markers&VMMarkerStack != 0
}

// Frame returns the frame holding the page, or NoFrame
func (p *Page) Frame() FrameID {
	return p.frame
}

// Resident reports whether the page is in memory
func (p *Page) Resident() bool {
	return p.frame != NoFrame
}

// SwapSlot returns the slot holding an evicted anonymous page, or NoSlot
func (p *Page) SwapSlot() int {
	if p.kind != VMAnon {
		return NoSlot
	}
	return p.anon.slot
}

// swapIn loads the page's content into kva
func (as *AddressSpace) swapIn(p *Page, kva []byte) error {
	switch p.kind {
	case VMUninit:
		return as.uninitSwapIn(p, kva)
	case VMAnon:
		return as.anonSwapIn(p, kva)
	case VMFile:
		return as.fileSwapIn(p, kva)
	default:
		return NewVMError(ErrCodeInternal, "swapIn", fmt.Sprintf("page %#x has unknown type %d", p.va, p.kind), nil)
	}
}

// swapOut moves a resident page's content to its backing store and clears
// its hardware mapping
func (as *AddressSpace) swapOut(p *Page) error {
	switch p.kind {
	case VMAnon:
		return as.anonSwapOut(p)
	case VMFile:
		return as.fileSwapOut(p)
	default:
		return NewVMError(ErrCodeInternal, "swapOut", fmt.Sprintf("page %#x of type %s cannot be resident", p.va, p.kind), nil)
	}
}

// destroy releases the variant's resources. The caller frees the frame.
func (as *AddressSpace) destroy(p *Page) {
	switch p.kind {
	case VMUninit:
		p.uninit = uninitPage{}
	case VMAnon:
		as.anonDestroy(p)
	case VMFile:
		as.fileDestroy(p)
	}
}
